package match

import (
	"math"
	"strings"
)

// EditDistance returns the Levenshtein distance between two strings, with
// insertion, deletion, and substitution each costing 1. Comparison is per
// rune, not per byte.
func EditDistance(a, b string) int {
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
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity scores how alike two strings are on a 0..100 scale: 100 for
// identical strings, 0 when either is empty, and otherwise the edit
// distance scaled by the longer string's length. The identity check runs
// first, so two empty strings score 100, not 0.
func Similarity(a, b string) int {
	if a == b {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	d := EditDistance(a, b)
	return int(math.Round((1 - float64(d)/float64(longest)) * 100))
}

// FuzzyNameMatch scores a single display name against a first/last name
// pair, tolerating reversed name order and records that only carry a first
// name. All inputs are normalized before scoring; the best of the three
// arrangements wins.
func FuzzyNameMatch(candidate, firstName, lastName string) int {
	c := NormalizeName(candidate)
	first := NormalizeName(firstName)
	last := NormalizeName(lastName)

	score := Similarity(c, strings.TrimSpace(first+" "+last))
	if s := Similarity(c, strings.TrimSpace(last+" "+first)); s > score {
		score = s
	}
	if s := Similarity(c, first); s > score {
		score = s
	}
	return score
}
