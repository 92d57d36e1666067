// Package normalize canonicalizes thinker names and work titles so that
// free-text values from an analysis compare equal to catalog entries.
package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/alexandria/dna-validator/internal/model"
)

// trailingQualifier matches a parenthetical year or edition note at the end
// of a title: "(380 BC)", "(c. 1265)", "(1867, 3rd ed.)",
// "(Penguin Classics, 2003)".
var trailingQualifier = regexp.MustCompile(
	`(?i)\s*\(\s*(?:[^()]*,\s*)?(?:c\.\s*)?\d{1,4}(?:\s*(?:BCE|BC|CE|AD))?[\s\w.,'-]*\)\s*$`)

// Thinker returns the comparison key for a thinker name.
func Thinker(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// CleanWorkTitle strips trailing year/edition parentheticals while keeping
// the original casing. It is the form shown to the completion model.
func CleanWorkTitle(s string) string {
	t := strings.TrimSpace(norm.NFC.String(s))
	for {
		loc := trailingQualifier.FindStringIndex(t)
		if loc == nil {
			return t
		}
		t = strings.TrimSpace(t[:loc[0]])
	}
}

// WorkTitle returns the comparison key for a work title.
func WorkTitle(s string) string {
	return strings.ToLower(CleanWorkTitle(s))
}

// For returns the comparison key for s under kind's rules.
func For(kind model.Kind, s string) string {
	if kind == model.KindWork {
		return WorkTitle(s)
	}
	return Thinker(s)
}

// Display returns the candidate text presented to the completion model for
// a catalog name.
func Display(kind model.Kind, s string) string {
	if kind == model.KindWork {
		return CleanWorkTitle(s)
	}
	return strings.TrimSpace(s)
}
