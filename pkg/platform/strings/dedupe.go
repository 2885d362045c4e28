// Package strings holds small list helpers shared by configuration parsing.
package strings

import (
	"strings"
)

// SplitDedupe splits raw on sep, trims each element and drops empty and
// repeated entries. Order is preserved and an empty input yields nil.
func SplitDedupe(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, sep)
	seen := make(map[string]struct{}, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
