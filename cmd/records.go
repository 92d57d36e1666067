package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/alexandria/dna-validator/internal/model"
)

// readRecordFile loads an analysis record from a .json, .yaml or .yml file.
func readRecordFile(path string) (model.AnalysisRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.AnalysisRecord{}, eris.Wrapf(err, "read record file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var fields map[string]any
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return model.AnalysisRecord{}, eris.Wrapf(err, "parse record file %s", path)
		}
		return recordFromMap(fields)
	default:
		var rec model.AnalysisRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return model.AnalysisRecord{}, eris.Wrapf(err, "parse record file %s", path)
		}
		return rec, nil
	}
}

// recordFromMap converts loosely typed fields, as decoded from YAML, into a
// record using the same rules as the JSON decoder.
func recordFromMap(fields map[string]any) (model.AnalysisRecord, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return model.AnalysisRecord{}, eris.Wrap(err, "encode record fields")
	}
	var rec model.AnalysisRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.AnalysisRecord{}, eris.Wrap(err, "decode record fields")
	}
	return rec, nil
}
