package workflow

import (
	"regexp"
	"strings"
)

var markerToken = regexp.MustCompile(`\b[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)*\b`)

// ExtractMarkers returns the known markers that appear as whole tokens in
// text, in order of first appearance and without duplicates. Matching is
// case-sensitive.
func ExtractMarkers(text string, known []string) []string {
	if text == "" || len(known) == 0 {
		return nil
	}
	want := toSet(known)
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range markerToken.FindAllString(text, -1) {
		if _, ok := want[tok]; !ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// ContainsMarker reports whether marker appears as a whole token in text.
func ContainsMarker(text, marker string) bool {
	if marker == "" || !strings.Contains(text, marker) {
		return false
	}
	for _, tok := range markerToken.FindAllString(text, -1) {
		if tok == marker {
			return true
		}
	}
	return false
}
