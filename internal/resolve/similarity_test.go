package resolve

import "testing"

func TestTokenSet(t *testing.T) {
	set := tokenSet("SMITH CONSTRUCTION INC")
	if len(set) != 2 {
		t.Fatalf("tokenSet = %v, want 2 tokens", set)
	}
	for _, tok := range []string{"SMITH", "CONSTRUCTION"} {
		if _, ok := set[tok]; !ok {
			t.Errorf("missing token %q", tok)
		}
	}
	if len(tokenSet("THE & OF")) != 0 {
		t.Error("all-stopword name should produce an empty set")
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet("SMITH CONSTRUCTION INC")
	b := tokenSet("SMITH CONSTRUCTION")
	if got := jaccard(a, b); got != 1 {
		t.Errorf("identical significant tokens: jaccard = %v, want 1", got)
	}

	c := tokenSet("JONES CONSTRUCTION INC")
	// {SMITH, CONSTRUCTION} vs {JONES, CONSTRUCTION}: 1 shared of 3.
	if got := jaccard(a, c); got < 0.33 || got > 0.34 {
		t.Errorf("partial overlap: jaccard = %v, want ~1/3", got)
	}

	if got := jaccard(map[string]struct{}{}, b); got != 0 {
		t.Errorf("empty set: jaccard = %v, want 0", got)
	}
}

func TestBlockKey(t *testing.T) {
	if got := blockKey("SMITH CONSTRUCTION"); got != "SMI" {
		t.Errorf("blockKey = %q, want SMI", got)
	}
	if got := blockKey("AB"); got != "AB" {
		t.Errorf("short name blockKey = %q, want AB", got)
	}
}
