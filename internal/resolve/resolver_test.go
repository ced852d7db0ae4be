package resolve

import "testing"

func testSnapshot() *Snapshot {
	return NewSnapshot([]Entry{
		{Name: "Alpha", Nicknames: []string{"Alph"}},
		{Name: "Beta"},
		{Name: "Gamma"},
		{Name: "Willow"},
	})
}

func TestResolve_ExactCanonical(t *testing.T) {
	name, ok := testSnapshot().Resolve("Beta")
	if !ok || name != "Beta" {
		t.Fatalf("Resolve(Beta) = (%q, %v), want (Beta, true)", name, ok)
	}
}

func TestResolve_ExactCaseInsensitive(t *testing.T) {
	name, ok := testSnapshot().Resolve("gAmMa")
	if !ok || name != "Gamma" {
		t.Fatalf("Resolve(gAmMa) = (%q, %v), want (Gamma, true)", name, ok)
	}
}

func TestResolve_Nickname(t *testing.T) {
	name, ok := testSnapshot().Resolve("alph")
	if !ok || name != "Alpha" {
		t.Fatalf("Resolve(alph) = (%q, %v), want (Alpha, true)", name, ok)
	}
}

func TestResolve_NicknameAmbiguityPrefersLongest(t *testing.T) {
	s := NewSnapshot([]Entry{
		{Name: "Bo", Nicknames: []string{"ace"}},
		{Name: "Benjamin", Nicknames: []string{"ace"}},
	})
	name, ok := s.Resolve("ace")
	if !ok || name != "Benjamin" {
		t.Fatalf("Resolve(ace) = (%q, %v), want (Benjamin, true)", name, ok)
	}
}

func TestResolve_NicknameAmbiguityTieBreaksLexicographically(t *testing.T) {
	s := NewSnapshot([]Entry{
		{Name: "Zed", Nicknames: []string{"ace"}},
		{Name: "Ben", Nicknames: []string{"ace"}},
	})
	name, ok := s.Resolve("ace")
	if !ok || name != "Ben" {
		t.Fatalf("Resolve(ace) = (%q, %v), want (Ben, true)", name, ok)
	}
}

func TestResolve_FuzzyConfusables(t *testing.T) {
	name, ok := testSnapshot().Resolve("Wi11ow")
	if !ok || name != "Willow" {
		t.Fatalf("Resolve(Wi11ow) = (%q, %v), want (Willow, true)", name, ok)
	}
}

func TestResolve_FoldedLetterConfusable(t *testing.T) {
	// len("K1d") = 3 allows 0 edits, so the match relies entirely on
	// 1 and i folding into the same class.
	s := NewSnapshot([]Entry{{Name: "Kid"}})
	name, ok := s.Resolve("K1d")
	if !ok || name != "Kid" {
		t.Fatalf("Resolve(K1d) = (%q, %v), want (Kid, true)", name, ok)
	}
}

func TestResolve_FuzzySingleEdit(t *testing.T) {
	name, ok := testSnapshot().Resolve("Willoq")
	if !ok || name != "Willow" {
		t.Fatalf("Resolve(Willoq) = (%q, %v), want (Willow, true)", name, ok)
	}
}

func TestResolve_FuzzyDistanceCappedByLength(t *testing.T) {
	// len("Bea") = 3, so floor(3/4) = 0 edits allowed: "Bea" must not
	// fuzzy-match "Beta".
	name, ok := testSnapshot().Resolve("Bea")
	if ok {
		t.Fatalf("Resolve(Bea) = (%q, true), want miss", name)
	}
}

func TestResolve_FuzzyAmbiguousFallsThrough(t *testing.T) {
	s := NewSnapshot([]Entry{
		{Name: "Carlos"},
		{Name: "Carlo"},
	})
	// "Carlow" is within distance 1 of both; ambiguous, so miss.
	name, ok := s.Resolve("Carlow")
	if ok {
		t.Fatalf("Resolve(Carlow) = (%q, true), want miss", name)
	}
}

func TestResolve_MissReturnsInput(t *testing.T) {
	name, ok := testSnapshot().Resolve("Zebra")
	if ok || name != "Zebra" {
		t.Fatalf("Resolve(Zebra) = (%q, %v), want (Zebra, false)", name, ok)
	}
}

func TestResolve_EmptyToken(t *testing.T) {
	if _, ok := testSnapshot().Resolve("   "); ok {
		t.Fatal("whitespace token must not resolve")
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"kitten", "sitting", 3},
	}
	for _, c := range cases {
		if got := editDistance(c.a, c.b); got != c.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
