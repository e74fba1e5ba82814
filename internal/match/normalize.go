package match

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonDigit = regexp.MustCompile(`\D+`)

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// foldMarks decomposes accented characters and drops the combining marks,
// so "José" and "Jose" normalize to the same form.
var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizePhone reduces a raw phone-like string to bare national digits:
// every non-digit is dropped, then leading zeros (trunk or international
// dial prefixes) and the given country-code prefix are stripped until the
// value stops changing. Running it on its own output is always a no-op,
// so normalized values can be re-normalized freely at system boundaries.
// Unparsable input degrades to the empty string.
func NormalizePhone(raw, countryCode string) string {
	n := nonDigit.ReplaceAllString(raw, "")
	for {
		prev := n
		n = strings.TrimLeft(n, "0")
		if countryCode != "" {
			n = strings.TrimPrefix(n, countryCode)
		}
		if n == prev {
			return n
		}
	}
}

// NormalizeName canonicalizes a person name for comparison: accents are
// folded away, everything is lowercased, punctuation is removed, and
// whitespace runs collapse to a single space. Never fails; unparsable
// input degrades to the empty string.
func NormalizeName(raw string) string {
	n, _, err := transform.String(foldMarks, raw)
	if err != nil {
		n = raw
	}
	n = strings.ToLower(n)
	n = punctuation.ReplaceAllString(n, "")
	n = multiSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}
