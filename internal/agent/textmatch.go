package agent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips combining marks, so "Atenção" matches "atencao".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// containsFolded reports whether needle occurs in haystack ignoring case and accents.
// Both arguments are expected to be folded already.
func containsFolded(haystack, needle string) bool {
	needle = strings.TrimSpace(needle)
	return needle != "" && strings.Contains(haystack, needle)
}

// splitTerms splits a comma separated condition value into folded terms.
func splitTerms(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, Fold(part))
		}
	}
	return out
}
