// Package namenorm normalizes person names for comparison: diacritics
// stripped, common letter variants folded, whitespace collapsed, case
// lowered. Query tokens and stored names must go through the same
// normalization or search comparisons silently diverge.
package namenorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Variants that survive NFD mark stripping because they are distinct
// letters, not letter+mark compositions.
var letterVariants = strings.NewReplacer(
	"ß", "ss",
	"æ", "ae",
	"œ", "oe",
	"ø", "o",
	"đ", "d",
	"ð", "d",
	"þ", "th",
	"ł", "l",
	"ı", "i",
)

// Fold returns the normalized form of a single name.
func Fold(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	stripped, _, err := transform.String(stripMarks, lowered)
	if err != nil {
		stripped = lowered
	}
	folded := letterVariants.Replace(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// FoldAll normalizes every token, dropping tokens that normalize to the
// empty string.
func FoldAll(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		folded := Fold(token)
		if folded == "" {
			continue
		}
		out = append(out, folded)
	}
	return out
}
