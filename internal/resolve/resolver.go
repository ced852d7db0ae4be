// Package resolve maps OCR-extracted name tokens to canonical roster
// identities. Resolution is pure over a roster snapshot and safe to call
// concurrently.
package resolve

import (
	"sort"
	"strings"
)

// Entry is one roster member as seen by the resolver.
type Entry struct {
	Name      string
	Nicknames []string
}

// Snapshot is an immutable view of a guild roster.
type Snapshot struct {
	entries []Entry
}

func NewSnapshot(entries []Entry) *Snapshot {
	return &Snapshot{entries: entries}
}

// Resolve maps a raw OCR token to a canonical roster name. The second
// return value reports whether the token matched a roster member; on a
// miss the token is returned unchanged.
//
// Order: exact canonical match, nickname match, fuzzy match. All matching
// is case-insensitive; fuzzy matching additionally folds digit-for-letter
// OCR confusables before computing edit distance.
func (s *Snapshot) Resolve(raw string) (string, bool) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return raw, false
	}
	lower := strings.ToLower(token)

	// 1. Exact canonical match.
	for _, e := range s.entries {
		if strings.ToLower(e.Name) == lower {
			return e.Name, true
		}
	}

	// 2. Nickname match. Guild-wide nickname uniqueness makes multiple
	// hits unusual, but stale rosters can still produce them; prefer the
	// player whose canonical name or nickname is longest, then the
	// lexicographically smallest canonical name.
	var nickHits []Entry
	for _, e := range s.entries {
		for _, n := range e.Nicknames {
			if strings.ToLower(n) == lower {
				nickHits = append(nickHits, e)
				break
			}
		}
	}
	if len(nickHits) == 1 {
		return nickHits[0].Name, true
	}
	if len(nickHits) > 1 {
		sort.Slice(nickHits, func(i, j int) bool {
			li, lj := maxNameLen(nickHits[i]), maxNameLen(nickHits[j])
			if li != lj {
				return li > lj
			}
			return nickHits[i].Name < nickHits[j].Name
		})
		return nickHits[0].Name, true
	}

	// 3. Fuzzy match over canonical names and nicknames.
	if name, ok := s.fuzzy(lower); ok {
		return name, true
	}

	return raw, false
}

func maxNameLen(e Entry) int {
	m := len(e.Name)
	for _, n := range e.Nicknames {
		if len(n) > m {
			m = len(n)
		}
	}
	return m
}

// fuzzy qualifies a candidate when the edit distance between the folded
// token and the folded candidate is at most min(len(token)/4, 2). Exactly
// one qualifying player wins; zero or several fall through.
func (s *Snapshot) fuzzy(lower string) (string, bool) {
	folded := foldConfusables(lower)
	limit := len(lower) / 4
	if limit > 2 {
		limit = 2
	}

	matched := ""
	players := 0
	for _, e := range s.entries {
		if fuzzyQualifies(folded, e, limit) {
			players++
			if players > 1 {
				return "", false
			}
			matched = e.Name
		}
	}
	if players == 1 {
		return matched, true
	}
	return "", false
}

func fuzzyQualifies(folded string, e Entry, limit int) bool {
	if editDistance(folded, foldConfusables(strings.ToLower(e.Name))) <= limit {
		return true
	}
	for _, n := range e.Nicknames {
		if editDistance(folded, foldConfusables(strings.ToLower(n))) <= limit {
			return true
		}
	}
	return false
}

// foldConfusables folds the shapes OCR commonly mistakes for each
// other: 0->o, 5->s, 3->e, and 1/l/i into one class. Folding both sides
// lets a 1 misread of either l or i match even when the distance limit
// is 0.
func foldConfusables(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '0':
			return 'o'
		case '1', 'i':
			return 'l'
		case '5':
			return 's'
		case '3':
			return 'e'
		}
		return r
	}, s)
}

// editDistance is the Levenshtein distance over runes, two-row variant.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
