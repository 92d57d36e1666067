// Package store persists validation outcomes and reads the reference
// catalogs. PostgresStore targets the production Supabase database and
// SQLiteStore a local file for development.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/alexandria/dna-validator/internal/model"
)

// ErrNotFound is returned by lookups that must find a row.
var ErrNotFound = eris.New("store: not found")

// Table names.
const (
	TableMatched   = "dna_analysis_results_matched"
	TableUnmatched = "dna_analysis_results_unmatched"
	TableErrors    = "dna_validation_errors"
	TableAnalysis  = "dna_analysis_results"
)

var (
	matchedColumns   = []string{"assessment_id", "type", "dna_analysis_column", "dna_analysis_name", "matched_name", "matched_id"}
	unmatchedColumns = []string{"assessment_id", "type", "dna_analysis_column", "dna_analysis_name"}
)

// referenceTable describes where a kind's catalog lives.
type referenceTable struct {
	table   string
	nameCol string
}

var referenceTables = map[model.Kind]referenceTable{
	model.KindThinker: {table: "icons", nameCol: "name"},
	model.KindWork:    {table: "books", nameCol: "title"},
}

func tableFor(kind model.Kind) (referenceTable, error) {
	rt, ok := referenceTables[kind]
	if !ok {
		return referenceTable{}, eris.Errorf("store: unknown kind %q", kind)
	}
	return rt, nil
}

// Store is the persistence interface used by the pipeline.
type Store interface {
	// ListReference returns one page of a catalog ordered by id.
	ListReference(ctx context.Context, kind model.Kind, offset, limit int) ([]model.ReferenceEntity, error)

	// FindPriorMatch returns the newest matched row whose raw name equals
	// rawName ignoring case, or nil when there is none.
	FindPriorMatch(ctx context.Context, kind model.Kind, rawName string) (*model.PriorMatch, error)

	InsertMatched(ctx context.Context, rows []model.MatchOutcome) error
	InsertUnmatched(ctx context.Context, rows []model.UnmatchOutcome) error
	InsertFailure(ctx context.Context, rec model.FailureRecord) error

	// GetAnalysis loads the newest analysis record for an assessment.
	GetAnalysis(ctx context.Context, assessmentID string) (*model.AnalysisRecord, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Seeder loads reference and analysis data into a development store.
type Seeder interface {
	SeedReference(ctx context.Context, kind model.Kind, entities []model.ReferenceEntity) error
	PutAnalysis(ctx context.Context, rec model.AnalysisRecord) error
}

func matchedRows(rows []model.MatchOutcome) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.AssessmentID, string(r.Kind), string(r.Column), r.RawValue, r.MatchedName, r.MatchedID}
	}
	return out
}

func unmatchedRows(rows []model.UnmatchOutcome) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.AssessmentID, string(r.Kind), string(r.Column), r.RawValue}
	}
	return out
}
