package collyindex

import (
	"bytes"
	"strings"
)

// renderThreshold is the body length under which a script-heavy page is
// assumed to be client-rendered.
const renderThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// requiresRendering guesses whether an index page builds its listings
// client-side. A page that matched no items but trips this heuristic gets
// a parse error naming the cause instead of silently reporting an empty
// surface.
func requiresRendering(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if len(body) < renderThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	if len(lower) == 0 {
		return false
	}

	scripted := 0
	rest := lower
	for {
		open := strings.Index(rest, "<script")
		if open < 0 {
			break
		}
		rest = rest[open:]
		end := strings.Index(rest, "</script>")
		if end < 0 {
			scripted += len(rest)
			break
		}
		scripted += end + len("</script>")
		rest = rest[end+len("</script>"):]
	}
	return float64(scripted)/float64(len(lower)) > 0.5
}
