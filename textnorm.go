package cauce

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Shared text normalization for intent matching and response evaluation.
// Tenant traffic is mostly Spanish; matching must survive accents, case,
// and the zero-width characters some messaging channels inject.

var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"\uFEFF", "", // BOM
	"⁠", "", // word joiner
)

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normText lowercases, trims, NFKC-normalizes, and strips zero-width characters.
func normText(s string) string {
	s = zeroWidthChars.Replace(s)
	s = norm.NFKC.String(s)
	return strings.ToLower(strings.TrimSpace(s))
}

// foldText normalizes and removes combining marks so "facturación" matches
// "facturacion" regardless of how the user typed it.
func foldText(s string) string {
	s = normText(s)
	out, _, err := transform.String(accentStripper, s)
	if err != nil {
		return s
	}
	return out
}

// tokenize splits folded text into word tokens. Digits stay inside tokens so
// order numbers and amounts survive.
func tokenize(s string) []string {
	return strings.FieldsFunc(foldText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether text contains phrase, both accent-folded.
func containsPhrase(text, phrase string) bool {
	return strings.Contains(foldText(text), foldText(phrase))
}

// truncateStr shortens s to max runes, appending an ellipsis marker when cut.
func truncateStr(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
