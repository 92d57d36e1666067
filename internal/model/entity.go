package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Kind distinguishes the two reference catalogs. The value doubles as the
// "type" column written to the result tables.
type Kind string

const (
	KindThinker Kind = "icons"
	KindWork    Kind = "books"
)

// Kinds lists every kind in processing order.
var Kinds = []Kind{KindThinker, KindWork}

// Noun is the plural description used in prompts and logs.
func (k Kind) Noun() string {
	if k == KindWork {
		return "classic texts"
	}
	return "thinkers"
}

// ParseKind accepts the table value ("icons", "books") and the common
// aliases used on the command line.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "icons", "icon", "thinker", "thinkers":
		return KindThinker, nil
	case "books", "book", "work", "works", "classic", "classics":
		return KindWork, nil
	default:
		return "", eris.Errorf("model: unknown kind %q", s)
	}
}

// ReferenceEntity is a canonical thinker or work from the reference catalog.
type ReferenceEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExtractedName is one raw name pulled from an analysis record.
type ExtractedName struct {
	Column   Column `json:"column"`
	RawValue string `json:"raw_value"`
	Kind     Kind   `json:"kind"`
}

// MatchOutcome is a resolved name, written once to the matched table.
type MatchOutcome struct {
	AssessmentID string `json:"assessment_id"`
	Kind         Kind   `json:"type"`
	Column       Column `json:"dna_analysis_column"`
	RawValue     string `json:"dna_analysis_name"`
	MatchedName  string `json:"matched_name"`
	MatchedID    string `json:"matched_id"`
}

// UnmatchOutcome is a name no strategy could resolve.
type UnmatchOutcome struct {
	AssessmentID string `json:"assessment_id"`
	Kind         Kind   `json:"type"`
	Column       Column `json:"dna_analysis_column"`
	RawValue     string `json:"dna_analysis_name"`
}

// PriorMatch is a previously persisted MatchOutcome found by raw name.
type PriorMatch struct {
	Kind        Kind   `json:"type"`
	RawValue    string `json:"dna_analysis_name"`
	MatchedID   string `json:"matched_id"`
	MatchedName string `json:"matched_name"`
}

// FailureRecord is the row written to the errors table when a run fails.
type FailureRecord struct {
	AssessmentID string    `json:"assessment_id"`
	Message      string    `json:"error_message"`
	Stack        string    `json:"error_stack"`
	CreatedAt    time.Time `json:"created_at"`
}
