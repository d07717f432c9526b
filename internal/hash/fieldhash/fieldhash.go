// Package fieldhash computes the canonical digest over a listing's
// tracked fields.
package fieldhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical serializes v as JSON with lexicographically sorted object keys.
// encoding/json sorts map keys, so map-shaped input is already canonical;
// the helper exists to give the property a name and a single call site.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize fields: %w", err)
	}
	return data, nil
}

// Compute returns the hex SHA-256 over the canonical JSON form of the
// tracked-field map. It is a pure function of the field values.
func Compute(fields map[string]any) (string, error) {
	data, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
