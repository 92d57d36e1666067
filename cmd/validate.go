package main

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/store"
)

var (
	validateAssessmentID string
	validateRecordPath   string
	validateDryRun       bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate one analysis record synchronously",
	Long:  "Runs the validation pipeline for a stored analysis (--assessment-id) or a record file (--record) and prints the run result as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (validateAssessmentID == "") == (validateRecordPath == "") {
			return eris.New("exactly one of --assessment-id or --record is required")
		}

		ctx := cmd.Context()
		env, err := initValidator(ctx, "validate")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := loadRecord(ctx, env.Store)
		if err != nil {
			return err
		}
		if err := rec.Validate(); err != nil {
			return err
		}

		p := env.Pipeline
		if validateDryRun {
			p = p.DryRun()
		}

		res, runErr := p.Run(ctx, rec)
		if res != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return eris.Wrap(err, "encode run result")
			}
		}
		if runErr != nil {
			return runErr
		}

		zap.L().Info("validation complete",
			zap.String("assessment_id", rec.AssessmentID),
			zap.Int("matched", len(res.Matched)),
			zap.Int("unmatched", len(res.Unmatched)),
		)
		return nil
	},
}

func loadRecord(ctx context.Context, st store.Store) (model.AnalysisRecord, error) {
	if validateRecordPath != "" {
		return readRecordFile(validateRecordPath)
	}
	rec, err := st.GetAnalysis(ctx, validateAssessmentID)
	if err != nil {
		return model.AnalysisRecord{}, eris.Wrapf(err, "load analysis %s", validateAssessmentID)
	}
	return *rec, nil
}

func init() {
	validateCmd.Flags().StringVar(&validateAssessmentID, "assessment-id", "", "assessment id of a stored analysis")
	validateCmd.Flags().StringVar(&validateRecordPath, "record", "", "path to a .json or .yaml analysis record")
	validateCmd.Flags().BoolVar(&validateDryRun, "dry-run", false, "resolve names without writing results")
	rootCmd.AddCommand(validateCmd)
}
