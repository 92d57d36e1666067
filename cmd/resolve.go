package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/alexandria/dna-validator/internal/model"
)

var resolveKind string

// resolveOutput is one line of the resolve command's report.
type resolveOutput struct {
	Name      string           `json:"name"`
	Kind      model.Kind       `json:"kind"`
	Strategy  model.Strategy   `json:"strategy"`
	MatchedID string           `json:"matched_id,omitempty"`
	Matched   string           `json:"matched_name,omitempty"`
	Usage     model.TokenUsage `json:"usage,omitzero"`
	Error     string           `json:"error,omitempty"`
}

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME...",
	Short: "Resolve names against a reference catalog",
	Long:  "Resolves each NAME against the icons or books catalog and prints the strategy and entity found. Nothing is written.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := model.ParseKind(resolveKind)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initValidator(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Cache.Load(ctx)
		if err != nil {
			return eris.Wrap(err, "load reference data")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, name := range args {
			res, rerr := env.Resolver.Resolve(ctx, snap, name, kind)
			out := resolveOutput{Name: name, Kind: kind, Strategy: res.Strategy, Usage: res.Usage}
			if res.Entity != nil {
				out.MatchedID = res.Entity.ID
				out.Matched = res.Entity.Name
			}
			if rerr != nil {
				out.Error = rerr.Error()
			}
			if err := enc.Encode(out); err != nil {
				return eris.Wrap(err, "encode resolution")
			}
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveKind, "kind", "icons", "catalog to search: icons (thinkers) or books (works)")
	rootCmd.AddCommand(resolveCmd)
}
