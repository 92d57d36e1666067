package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Column names a thinker or work field on an analysis record.
type Column string

// Domains are the philosophical domains an analysis scores, in column order.
var Domains = []string{"politics", "ethics", "epistemology", "ontology", "theology", "aesthetics"}

// RanksPerVoice is the number of ranked thinkers per domain and voice type.
const RanksPerVoice = 5

const workSuffix = "_classic"

// ThinkerColumns lists every thinker-bearing column in extraction order:
// the two "most_" fields, then every domain's kindred spirits, then every
// domain's challenging voices.
var ThinkerColumns = buildThinkerColumns()

// WorkColumns lists the "_classic" counterpart of every thinker column, in
// the same order.
var WorkColumns = buildWorkColumns()

var knownColumns = buildKnownColumns()

func buildThinkerColumns() []Column {
	cols := []Column{"most_kindred_spirit", "most_challenging_voice"}
	for _, voice := range []string{"kindred_spirit", "challenging_voice"} {
		for _, dom := range Domains {
			for i := 1; i <= RanksPerVoice; i++ {
				cols = append(cols, Column(fmt.Sprintf("%s_%s_%d", dom, voice, i)))
			}
		}
	}
	return cols
}

func buildWorkColumns() []Column {
	cols := make([]Column, len(ThinkerColumns))
	for i, c := range ThinkerColumns {
		cols[i] = WorkColumn(c)
	}
	return cols
}

func buildKnownColumns() map[string]Column {
	m := make(map[string]Column, len(ThinkerColumns)*2)
	for _, c := range ThinkerColumns {
		m[string(c)] = c
	}
	for _, c := range WorkColumns {
		m[string(c)] = c
	}
	return m
}

// WorkColumn returns the work column paired with a thinker column.
func WorkColumn(c Column) Column {
	return c + workSuffix
}

// LookupColumn returns the typed column for a field name, if the schema
// knows it.
func LookupColumn(name string) (Column, bool) {
	c, ok := knownColumns[name]
	return c, ok
}

// AnalysisRecord is one row of dna_analysis_results reduced to the fields
// the validator reads. Fields holds only schema columns with string values.
type AnalysisRecord struct {
	ID           string
	AssessmentID string
	Fields       map[Column]string
}

// NewAnalysisRecord returns an empty record with the given identifiers.
func NewAnalysisRecord(id, assessmentID string) AnalysisRecord {
	return AnalysisRecord{ID: id, AssessmentID: assessmentID, Fields: make(map[Column]string)}
}

// Get returns the value of a column, or "" if absent.
func (r AnalysisRecord) Get(c Column) string {
	return r.Fields[c]
}

// Set assigns a column value.
func (r *AnalysisRecord) Set(c Column, v string) {
	if r.Fields == nil {
		r.Fields = make(map[Column]string)
	}
	r.Fields[c] = v
}

// Validate checks that the identifiers the pipeline keys on are present.
func (r AnalysisRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return eris.New("record id is required")
	}
	if strings.TrimSpace(r.AssessmentID) == "" {
		return eris.New("record assessment_id is required")
	}
	return nil
}

// RecordFromMap builds a record from a decoded JSON or YAML object. Unknown
// keys and non-string column values are ignored.
func RecordFromMap(raw map[string]any) AnalysisRecord {
	rec := NewAnalysisRecord(scalarString(raw["id"]), scalarString(raw["assessment_id"]))
	for name, v := range raw {
		c, ok := LookupColumn(name)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			rec.Fields[c] = s
		}
	}
	return rec
}

// UnmarshalJSON decodes a flat analysis row.
func (r *AnalysisRecord) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return eris.Wrap(err, "model: decode analysis record")
	}
	if raw == nil {
		return eris.New("model: analysis record is null")
	}
	*r = RecordFromMap(raw)
	return nil
}

// MarshalJSON encodes the record back into its flat row shape.
func (r AnalysisRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for c, v := range r.Fields {
		out[string(c)] = v
	}
	out["id"] = r.ID
	out["assessment_id"] = r.AssessmentID
	return json.Marshal(out)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case int, int64, float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}
