package resolve

import "strings"

// Generic tokens carry no identity signal and are ignored when comparing
// names. Without this, "SMITH CONSTRUCTION INC" and "JONES CONSTRUCTION
// INC" look half-similar.
var stopTokens = map[string]struct{}{
	"INC": {}, "LLC": {}, "CORP": {}, "CO": {}, "LTD": {}, "THE": {},
	"AND": {}, "OF": {}, "&": {},
}

// tokenSet splits a normalized name into its distinct significant tokens.
func tokenSet(name string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range strings.Fields(name) {
		if _, stop := stopTokens[tok]; stop {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over token sets. Two empty sets score 0: a
// name made only of stop tokens matches nothing.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// blockKey assigns a name to its fuzzy-matching block: the first three
// characters of the normalized name. Pairwise comparison only happens
// inside a block.
func blockKey(name string) string {
	if len(name) < 3 {
		return name
	}
	return name[:3]
}
