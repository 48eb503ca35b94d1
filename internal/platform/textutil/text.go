package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var plainPolicy = bluemonday.StrictPolicy()

// PlainText strips markup from user supplied text and collapses whitespace. Entities are
// decoded so the result is stored as the user typed it.
func PlainText(input string) string {
	return CollapseSpaces(html.UnescapeString(plainPolicy.Sanitize(input)))
}

// CollapseSpaces trims input and replaces runs of whitespace with a single space.
func CollapseSpaces(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// FoldKey lowercases input and removes diacritics so "Víveres" and "viveres" compare equal.
func FoldKey(input string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, CollapseSpaces(input))
	if err != nil {
		folded = input
	}
	return strings.ToLower(folded)
}

// Slug turns a display name into a lowercase identifier made of letters, digits and dashes.
func Slug(input string) string {
	var b strings.Builder
	dash := false
	for _, r := range FoldKey(input) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
