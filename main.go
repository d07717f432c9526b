// The main package for the listingwatch executable.
package main

import (
	"github.com/listingwatch/listingwatch/cmd"
)

func main() {
	cmd.Execute()
}
