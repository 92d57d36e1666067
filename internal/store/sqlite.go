package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/alexandria/dna-validator/internal/model"
)

// SQLiteStore implements Store and Seeder on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteNow is millisecond precision so newest-first ordering is stable.
const sqliteNow = `(strftime('%Y-%m-%d %H:%M:%f', 'now'))`

var sqliteMigration = strings.ReplaceAll(`
CREATE TABLE IF NOT EXISTS icons (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS books (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dna_analysis_results (
	id            TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	record        TEXT NOT NULL,
	created_at    TEXT NOT NULL DEFAULT NOW
);

CREATE TABLE IF NOT EXISTS dna_analysis_results_matched (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	assessment_id       TEXT NOT NULL,
	type                TEXT NOT NULL,
	dna_analysis_column TEXT NOT NULL,
	dna_analysis_name   TEXT NOT NULL,
	matched_name        TEXT NOT NULL,
	matched_id          TEXT NOT NULL,
	created_at          TEXT NOT NULL DEFAULT NOW
);

CREATE TABLE IF NOT EXISTS dna_analysis_results_unmatched (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	assessment_id       TEXT NOT NULL,
	type                TEXT NOT NULL,
	dna_analysis_column TEXT NOT NULL,
	dna_analysis_name   TEXT NOT NULL,
	created_at          TEXT NOT NULL DEFAULT NOW
);

CREATE TABLE IF NOT EXISTS dna_validation_errors (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	assessment_id TEXT,
	error_message TEXT NOT NULL,
	error_stack   TEXT,
	created_at    TEXT NOT NULL DEFAULT NOW
);

CREATE INDEX IF NOT EXISTS idx_analysis_assessment ON dna_analysis_results(assessment_id);
CREATE INDEX IF NOT EXISTS idx_matched_prior ON dna_analysis_results_matched(type, dna_analysis_name COLLATE NOCASE);
`, "DEFAULT NOW", "DEFAULT "+sqliteNow)

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListReference(ctx context.Context, kind model.Kind, offset, limit int) ([]model.ReferenceEntity, error) {
	rt, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, %s FROM %s ORDER BY id LIMIT ? OFFSET ?`, rt.nameCol, rt.table),
		limit, offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", rt.table)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.ReferenceEntity, 0, limit)
	for rows.Next() {
		var e model.ReferenceEntity
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", rt.table)
		}
		out = append(out, e)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", rt.table)
}

// FindPriorMatch compares with NOCASE, which folds ASCII letters only.
func (s *SQLiteStore) FindPriorMatch(ctx context.Context, kind model.Kind, rawName string) (*model.PriorMatch, error) {
	pm := model.PriorMatch{Kind: kind, RawValue: rawName}
	err := s.db.QueryRowContext(ctx,
		`SELECT matched_id, matched_name FROM dna_analysis_results_matched
		 WHERE type = ? AND dna_analysis_name = ? COLLATE NOCASE
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		string(kind), rawName,
	).Scan(&pm.MatchedID, &pm.MatchedName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find prior match")
	}
	return &pm, nil
}

func (s *SQLiteStore) InsertMatched(ctx context.Context, rows []model.MatchOutcome) error {
	return eris.Wrap(s.insertRows(ctx, TableMatched, matchedColumns, matchedRows(rows)), "sqlite: insert matched")
}

func (s *SQLiteStore) InsertUnmatched(ctx context.Context, rows []model.UnmatchOutcome) error {
	return eris.Wrap(s.insertRows(ctx, TableUnmatched, unmatchedColumns, unmatchedRows(rows)), "sqlite: insert unmatched")
}

// insertRows writes rows as one multi-row INSERT inside a transaction so a
// batch lands whole or not at all.
func (s *SQLiteStore) insertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	values := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(columns))
	for i, r := range rows {
		values[i] = placeholder
		args = append(args, r...)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(columns, ", "), strings.Join(values, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "insert into %s", table)
	}
	return eris.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteStore) InsertFailure(ctx context.Context, rec model.FailureRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dna_validation_errors (assessment_id, error_message, error_stack, created_at) VALUES (?, ?, ?, ?)`,
		rec.AssessmentID, rec.Message, rec.Stack, rec.CreatedAt.UTC().Format("2006-01-02 15:04:05.000"),
	)
	return eris.Wrap(err, "sqlite: insert failure")
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, assessmentID string) (*model.AnalysisRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM dna_analysis_results WHERE assessment_id = ? ORDER BY created_at DESC LIMIT 1`,
		assessmentID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: analysis for assessment %s", assessmentID)
		}
		return nil, eris.Wrap(err, "sqlite: get analysis")
	}

	var rec model.AnalysisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode analysis")
	}
	return &rec, nil
}

// SeedReference upserts catalog entries.
func (s *SQLiteStore) SeedReference(ctx context.Context, kind model.Kind, entities []model.ReferenceEntity) error {
	rt, err := tableFor(kind)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin seed")
	}
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, %s) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET %s = excluded.%s`,
			rt.table, rt.nameCol, rt.nameCol, rt.nameCol))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "sqlite: prepare seed %s", rt.table)
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entities {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Name); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrapf(err, "sqlite: seed %s %s", rt.table, e.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit seed")
}

// PutAnalysis stores rec as JSON, replacing any row with the same id.
func (s *SQLiteStore) PutAnalysis(ctx context.Context, rec model.AnalysisRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode analysis")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dna_analysis_results (id, assessment_id, record) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET assessment_id = excluded.assessment_id, record = excluded.record`,
		rec.ID, rec.AssessmentID, string(b),
	)
	return eris.Wrap(err, "sqlite: put analysis")
}
