// Package pipeline runs one validation of an analysis record: load the
// reference catalog, extract names, resolve each one and persist the
// outcomes.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexandria/dna-validator/internal/config"
	"github.com/alexandria/dna-validator/internal/cost"
	"github.com/alexandria/dna-validator/internal/extract"
	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/refcache"
	"github.com/alexandria/dna-validator/internal/resolve"
	"github.com/alexandria/dna-validator/internal/store"
)

// ErrDeadlineExceeded is returned when a run outlives its deadline.
var ErrDeadlineExceeded = eris.New("pipeline: deadline exceeded")

const failureWriteTimeout = 5 * time.Second

// Loader supplies the reference snapshot.
type Loader interface {
	Load(ctx context.Context) (*refcache.Snapshot, error)
}

// Resolver maps one name to an entity.
type Resolver interface {
	Resolve(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (resolve.Resolution, error)
}

// Writer persists run outcomes.
type Writer interface {
	InsertMatched(ctx context.Context, rows []model.MatchOutcome) error
	InsertUnmatched(ctx context.Context, rows []model.UnmatchOutcome) error
	InsertFailure(ctx context.Context, rec model.FailureRecord) error
}

var _ Writer = (store.Store)(nil)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Cache    Loader
	Resolver Resolver
	Writer   Writer
	Cost     *cost.Calculator
	// Model is the completion model id used to price token usage.
	Model string
}

// Pipeline orchestrates a validation run.
type Pipeline struct {
	cfg      config.MatchingConfig
	deps     Deps
	deadline time.Duration
	dryRun   bool
}

// New creates a Pipeline.
func New(cfg config.MatchingConfig, deps Deps) *Pipeline {
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = 50
	}
	if cfg.DeadlineSecs <= 0 {
		cfg.DeadlineSecs = 55
	}
	if deps.Cost == nil {
		deps.Cost = cost.NewCalculator(nil)
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		deadline: time.Duration(cfg.DeadlineSecs) * time.Second,
	}
}

// DryRun returns a copy of p that resolves names without writing anything.
func (p *Pipeline) DryRun() *Pipeline {
	cp := *p
	cp.dryRun = true
	return &cp
}

// Deadline is the maximum duration of one run.
func (p *Pipeline) Deadline() time.Duration {
	return p.deadline
}

// Run validates rec. It always returns a RunResult; the error is non-nil
// when the run failed, and a failure row has then been written.
func (p *Pipeline) Run(ctx context.Context, rec model.AnalysisRecord) (*model.RunResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("assessment_id", rec.AssessmentID),
	)

	runCtx, cancel := context.WithTimeout(ctx, p.Deadline())
	defer cancel()

	type outcome struct {
		res *model.RunResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res := newResult(runID, rec.AssessmentID)
		defer func() {
			if r := recover(); r != nil {
				log.Error("pipeline: run panicked", zap.Any("panic", r), zap.Stack("stack"))
				done <- outcome{res: res, err: eris.Errorf("pipeline: panic: %v", r)}
			}
		}()
		err := p.execute(runCtx, rec, res, log)
		done <- outcome{res: res, err: err}
	}()

	var (
		res *model.RunResult
		err error
	)
	select {
	case out := <-done:
		res, err = out.res, out.err
		if runCtx.Err() != nil {
			log.Debug("pipeline: run finished after context ended", zap.Error(err))
			err = p.interrupted(runCtx, runID)
		}
	case <-runCtx.Done():
		// The worker may still be running; its result is discarded.
		res = newResult(runID, rec.AssessmentID)
		err = p.interrupted(runCtx, runID)
	}

	res.Duration = time.Since(start)
	res.Usage = p.deps.Cost.Usage(p.deps.Model, res.Usage)

	if err != nil {
		p.fail(ctx, rec.AssessmentID, res, err, log)
		return res, err
	}

	setState(log, res, model.RunStateDone)
	log.Info("pipeline: run complete",
		zap.Int("matched", len(res.Matched)),
		zap.Int("unmatched", len(res.Unmatched)),
		zap.Int("aborted", res.Aborted),
		zap.Int("failed_batches", res.FailedBatches()),
		zap.Float64("cost_usd", res.Usage.Cost),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// interrupted converts the end of ctx into the run's error.
func (p *Pipeline) interrupted(ctx context.Context, runID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return eris.Wrapf(ErrDeadlineExceeded, "pipeline: run %s after %s", runID, p.Deadline())
	}
	return eris.Wrap(ctx.Err(), "pipeline: run cancelled")
}

func newResult(runID, assessmentID string) *model.RunResult {
	return &model.RunResult{
		RunID:        runID,
		AssessmentID: assessmentID,
		State:        model.RunStateLoading,
		Strategies:   make(map[model.Strategy]int),
	}
}

func setState(log *zap.Logger, res *model.RunResult, s model.RunState) {
	log.Info("pipeline: state", zap.String("from", string(res.State)), zap.String("to", string(s)))
	res.State = s
}

func (p *Pipeline) execute(ctx context.Context, rec model.AnalysisRecord, res *model.RunResult, log *zap.Logger) error {
	log.Info("pipeline: starting validation", zap.String("record_id", rec.ID))

	snap, err := p.deps.Cache.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: load reference data")
	}

	setState(log, res, model.RunStateExtracting)
	names := extract.Extract(rec)
	log.Info("pipeline: extracted names",
		zap.Int("thinkers", len(names.Thinkers)),
		zap.Int("works", len(names.Works)),
		zap.Int("total", names.Len()),
	)

	setState(log, res, model.RunStateResolving)
	p.resolveAll(ctx, snap, rec.AssessmentID, names.All(), res, log)
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: resolve names")
	}

	setState(log, res, model.RunStateWriting)
	if p.dryRun {
		log.Info("pipeline: dry run, skipping writes")
		return nil
	}
	res.Writes = p.write(ctx, res.Matched, res.Unmatched, log)
	return nil
}

type resolved struct {
	name model.ExtractedName
	res  resolve.Resolution
	err  error
}

// resolveAll resolves every name concurrently. A task never fails the run:
// errors and panics turn into an unmatched outcome.
func (p *Pipeline) resolveAll(ctx context.Context, snap *refcache.Snapshot, assessmentID string, names []model.ExtractedName, res *model.RunResult, log *zap.Logger) {
	out := make([]resolved, len(names))

	var g errgroup.Group
	if p.cfg.MaxConcurrency > 0 {
		g.SetLimit(p.cfg.MaxConcurrency)
	}
	for i, n := range names {
		g.Go(func() error {
			out[i] = p.resolveOne(ctx, snap, n, log)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out {
		res.Usage.Add(r.res.Usage)
		if r.err != nil {
			res.Aborted++
			log.Warn("pipeline: resolution failed",
				zap.String("kind", string(r.name.Kind)),
				zap.String("column", string(r.name.Column)),
				zap.String("name", r.name.RawValue),
				zap.Error(r.err),
			)
		}
		if r.res.Entity == nil {
			res.Strategies[model.StrategyNone]++
			res.Unmatched = append(res.Unmatched, model.UnmatchOutcome{
				AssessmentID: assessmentID,
				Kind:         r.name.Kind,
				Column:       r.name.Column,
				RawValue:     r.name.RawValue,
			})
			continue
		}
		res.Strategies[r.res.Strategy]++
		res.Matched = append(res.Matched, model.MatchOutcome{
			AssessmentID: assessmentID,
			Kind:         r.name.Kind,
			Column:       r.name.Column,
			RawValue:     r.name.RawValue,
			MatchedName:  r.res.Entity.Name,
			MatchedID:    r.res.Entity.ID,
		})
	}
}

func (p *Pipeline) resolveOne(ctx context.Context, snap *refcache.Snapshot, n model.ExtractedName, log *zap.Logger) (out resolved) {
	out.name = n
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: resolve panicked",
				zap.String("column", string(n.Column)),
				zap.Any("panic", r),
			)
			out.res = resolve.Resolution{Strategy: model.StrategyNone}
			out.err = eris.Errorf("pipeline: resolve %s panicked: %v", n.Column, r)
		}
	}()

	out.res, out.err = p.deps.Resolver.Resolve(ctx, snap, n.RawValue, n.Kind)
	if out.err != nil {
		out.res.Entity = nil
	}
	if out.res.Entity != nil {
		log.Debug("pipeline: resolved",
			zap.String("column", string(n.Column)),
			zap.String("strategy", string(out.res.Strategy)),
			zap.String("matched_id", out.res.Entity.ID),
		)
	}
	return out
}

// write sends both tables concurrently. Within a table, batches go out in
// order and a failed batch does not stop the rest.
func (p *Pipeline) write(ctx context.Context, matched []model.MatchOutcome, unmatched []model.UnmatchOutcome, log *zap.Logger) []model.BatchResult {
	var (
		mu     sync.Mutex
		byName = make(map[string][]model.BatchResult, 2)
	)
	record := func(table string, results []model.BatchResult) {
		mu.Lock()
		byName[table] = results
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		record(store.TableMatched, writeBatches(ctx, store.TableMatched, matched, p.cfg.WriteBatchSize, p.deps.Writer.InsertMatched, log))
		return nil
	})
	g.Go(func() error {
		record(store.TableUnmatched, writeBatches(ctx, store.TableUnmatched, unmatched, p.cfg.WriteBatchSize, p.deps.Writer.InsertUnmatched, log))
		return nil
	})
	_ = g.Wait()

	return append(byName[store.TableMatched], byName[store.TableUnmatched]...)
}

func writeBatches[T any](ctx context.Context, table string, rows []T, size int, insert func(context.Context, []T) error, log *zap.Logger) []model.BatchResult {
	var results []model.BatchResult
	for i := 0; i*size < len(rows); i++ {
		if ctx.Err() != nil {
			log.Warn("pipeline: context ended, skipping remaining batches",
				zap.String("table", table),
				zap.Int("from_batch", i),
			)
			break
		}
		batch := rows[i*size : min((i+1)*size, len(rows))]
		br := model.BatchResult{Table: table, Index: i, Rows: len(batch)}
		if err := insert(ctx, batch); err != nil {
			br.Err = err
			br.Error = err.Error()
			log.Error("pipeline: batch insert failed",
				zap.String("table", table),
				zap.Int("batch", i),
				zap.Int("rows", len(batch)),
				zap.Error(err),
			)
		}
		results = append(results, br)
	}
	return results
}

// fail marks res failed and records the failure. The write runs detached
// from ctx, which may already be past its deadline.
func (p *Pipeline) fail(ctx context.Context, assessmentID string, res *model.RunResult, err error, log *zap.Logger) {
	setState(log, res, model.RunStateFailed)
	res.Error = err.Error()
	log.Error("pipeline: run failed", zap.Duration("duration", res.Duration), zap.Error(err))

	if p.dryRun {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	rec := model.FailureRecord{
		AssessmentID: assessmentID,
		Message:      err.Error(),
		Stack:        eris.ToString(err, true),
		CreatedAt:    time.Now().UTC(),
	}
	if werr := p.deps.Writer.InsertFailure(wctx, rec); werr != nil {
		log.Error("pipeline: failed to record failure", zap.Error(werr))
	}
}
