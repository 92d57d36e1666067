// Package extract pulls the thinker and work names to validate out of an
// analysis record.
package extract

import (
	"strings"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/normalize"
)

// Result holds the de-duplicated names per kind, in column order.
type Result struct {
	Thinkers []model.ExtractedName
	Works    []model.ExtractedName
}

// All returns thinkers followed by works.
func (r Result) All() []model.ExtractedName {
	out := make([]model.ExtractedName, 0, len(r.Thinkers)+len(r.Works))
	out = append(out, r.Thinkers...)
	return append(out, r.Works...)
}

// Len is the total number of extracted names.
func (r Result) Len() int {
	return len(r.Thinkers) + len(r.Works)
}

// Extract walks the fixed column schema and returns every non-blank name.
// Within a kind, the first column holding a given normalized name wins and
// later columns with the same name are dropped.
func Extract(rec model.AnalysisRecord) Result {
	return Result{
		Thinkers: collect(rec, model.KindThinker, model.ThinkerColumns),
		Works:    collect(rec, model.KindWork, model.WorkColumns),
	}
}

func collect(rec model.AnalysisRecord, kind model.Kind, cols []model.Column) []model.ExtractedName {
	seen := make(map[string]struct{})
	var out []model.ExtractedName
	for _, col := range cols {
		raw := strings.TrimSpace(rec.Get(col))
		if raw == "" {
			continue
		}
		key := normalize.For(kind, raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, model.ExtractedName{Column: col, RawValue: raw, Kind: kind})
	}
	return out
}
