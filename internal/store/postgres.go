package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/alexandria/dna-validator/internal/db"
	"github.com/alexandria/dna-validator/internal/model"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool sizing.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlPriorMatch = `SELECT matched_id, matched_name FROM dna_analysis_results_matched
		WHERE type = $1 AND lower(dna_analysis_name) = lower($2)
		ORDER BY created_at DESC LIMIT 1`
	sqlInsertFailure = `INSERT INTO ` + TableErrors + ` (assessment_id, error_message, error_stack, created_at)
		VALUES ($1, $2, $3, $4)`
	sqlGetAnalysis = `SELECT to_jsonb(r) FROM ` + TableAnalysis + ` r
		WHERE r.assessment_id::text = $1 ORDER BY r.created_at DESC LIMIT 1`
)

func referencePageSQL(rt referenceTable) string {
	return fmt.Sprintf(`SELECT id::text, coalesce(%s, '') FROM %s ORDER BY id LIMIT $1 OFFSET $2`, rt.nameCol, rt.table)
}

// preparedStatements are prepared on every new connection.
var preparedStatements = map[string]string{
	"prior_match":    sqlPriorMatch,
	"insert_failure": sqlInsertFailure,
	"page_icons":     referencePageSQL(referenceTables[model.KindThinker]),
	"page_books":     referencePageSQL(referenceTables[model.KindWork]),
}

// NewPostgres opens a pool against connString and pings it.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// The reference tables and dna_analysis_results belong to the host
// application; only the tables this service writes are created here.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS dna_analysis_results_matched (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	assessment_id       TEXT NOT NULL,
	type                TEXT NOT NULL,
	dna_analysis_column TEXT NOT NULL,
	dna_analysis_name   TEXT NOT NULL,
	matched_name        TEXT NOT NULL,
	matched_id          TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dna_analysis_results_unmatched (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	assessment_id       TEXT NOT NULL,
	type                TEXT NOT NULL,
	dna_analysis_column TEXT NOT NULL,
	dna_analysis_name   TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dna_validation_errors (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	assessment_id TEXT,
	error_message TEXT NOT NULL,
	error_stack   TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_matched_prior ON dna_analysis_results_matched (type, lower(dna_analysis_name), created_at DESC);
CREATE INDEX IF NOT EXISTS idx_matched_assessment ON dna_analysis_results_matched (assessment_id);
CREATE INDEX IF NOT EXISTS idx_unmatched_assessment ON dna_analysis_results_unmatched (assessment_id);
CREATE INDEX IF NOT EXISTS idx_validation_errors_assessment ON dna_validation_errors (assessment_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListReference(ctx context.Context, kind model.Kind, offset, limit int) ([]model.ReferenceEntity, error) {
	rt, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, referencePageSQL(rt), limit, offset)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", rt.table)
	}
	defer rows.Close()

	out := make([]model.ReferenceEntity, 0, limit)
	for rows.Next() {
		var e model.ReferenceEntity
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", rt.table)
		}
		out = append(out, e)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", rt.table)
}

func (s *PostgresStore) FindPriorMatch(ctx context.Context, kind model.Kind, rawName string) (*model.PriorMatch, error) {
	pm := model.PriorMatch{Kind: kind, RawValue: rawName}
	err := s.pool.QueryRow(ctx, sqlPriorMatch, string(kind), rawName).Scan(&pm.MatchedID, &pm.MatchedName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find prior match")
	}
	return &pm, nil
}

func (s *PostgresStore) InsertMatched(ctx context.Context, rows []model.MatchOutcome) error {
	_, err := db.CopyFrom(ctx, s.pool, TableMatched, matchedColumns, matchedRows(rows))
	return eris.Wrap(err, "postgres: insert matched")
}

func (s *PostgresStore) InsertUnmatched(ctx context.Context, rows []model.UnmatchOutcome) error {
	_, err := db.CopyFrom(ctx, s.pool, TableUnmatched, unmatchedColumns, unmatchedRows(rows))
	return eris.Wrap(err, "postgres: insert unmatched")
}

func (s *PostgresStore) InsertFailure(ctx context.Context, rec model.FailureRecord) error {
	_, err := s.pool.Exec(ctx, sqlInsertFailure, rec.AssessmentID, rec.Message, rec.Stack, rec.CreatedAt)
	return eris.Wrap(err, "postgres: insert failure")
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, assessmentID string) (*model.AnalysisRecord, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx, sqlGetAnalysis, assessmentID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: analysis for assessment %s", assessmentID)
		}
		return nil, eris.Wrap(err, "postgres: get analysis")
	}

	var rec model.AnalysisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: decode analysis")
	}
	return &rec, nil
}
