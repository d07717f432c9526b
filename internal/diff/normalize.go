package diff

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/listingwatch/listingwatch/internal/hash/fieldhash"
)

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// NormalizeString lowercases, trims, collapses whitespace, and strips
// punctuation so cosmetic edits compare equal.
func NormalizeString(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = punctuation.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// tokenSet splits a normalized string into its whitespace tokens.
func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(NormalizeString(s)) {
		out[tok] = struct{}{}
	}
	return out
}

// jaccard computes token-set similarity between two strings. Two empty
// strings are identical.
func jaccard(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

func isNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// equalValues compares two field values under the normalization rules:
// strings are compared normalized, numbers exactly, sequences element-wise,
// and mappings (or anything else) by canonical JSON.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return NormalizeString(as) == NormalizeString(bs)
		}
		return false
	}
	if an, ok := isNumber(a); ok {
		if bn, ok := isNumber(b); ok {
			return an == bn
		}
		return false
	}
	if al, ok := asSlice(a); ok {
		bl, ok := asSlice(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !equalValues(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	aj, errA := fieldhash.Canonical(a)
	bj, errB := fieldhash.Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}
