package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/store"
)

var migrateSeedPath string

// seedFile is the layout of a --seed file.
type seedFile struct {
	Icons    []model.ReferenceEntity `yaml:"icons"`
	Books    []model.ReferenceEntity `yaml:"books"`
	Analyses []map[string]any        `yaml:"analyses"`
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  "Creates the reference, analysis and result tables for the configured store. With --seed, loads reference entities and analysis records from a YAML file (sqlite only).",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("schema applied", zap.String("driver", cfg.Store.Driver))

		if migrateSeedPath == "" {
			return nil
		}
		seeder, ok := st.(store.Seeder)
		if !ok {
			return eris.Errorf("seeding is not supported by the %s store", cfg.Store.Driver)
		}
		return seed(cmd, seeder, migrateSeedPath)
	},
}

func seed(cmd *cobra.Command, seeder store.Seeder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read seed file %s", path)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return eris.Wrapf(err, "parse seed file %s", path)
	}

	ctx := cmd.Context()
	if err := seeder.SeedReference(ctx, model.KindThinker, sf.Icons); err != nil {
		return err
	}
	if err := seeder.SeedReference(ctx, model.KindWork, sf.Books); err != nil {
		return err
	}
	for i, fields := range sf.Analyses {
		rec, err := recordFromMap(fields)
		if err != nil {
			return eris.Wrapf(err, "seed analysis %d", i)
		}
		if err := seeder.PutAnalysis(ctx, rec); err != nil {
			return eris.Wrapf(err, "seed analysis %d", i)
		}
	}

	zap.L().Info("seed data loaded",
		zap.Int("icons", len(sf.Icons)),
		zap.Int("books", len(sf.Books)),
		zap.Int("analyses", len(sf.Analyses)),
	)
	return nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSeedPath, "seed", "", "YAML file with icons, books and analyses to load")
	rootCmd.AddCommand(migrateCmd)
}
