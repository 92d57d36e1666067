package webhook

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/monitoring"
	"github.com/alexandria/dna-validator/internal/pipeline"
)

// Runner validates one record.
type Runner interface {
	Run(ctx context.Context, rec model.AnalysisRecord) (*model.RunResult, error)
}

// Dispatcher runs validations in the background after the request that
// triggered them has been answered.
type Dispatcher struct {
	runner  Runner
	metrics *monitoring.Collector
	base    context.Context
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Runs inherit values from base but not
// its cancellation, so a shutting-down server lets them finish. metrics may
// be nil.
func NewDispatcher(base context.Context, runner Runner, metrics *monitoring.Collector) *Dispatcher {
	return &Dispatcher{
		runner:  runner,
		metrics: metrics,
		base:    context.WithoutCancel(base),
	}
}

// Go starts a run for rec and returns immediately.
func (d *Dispatcher) Go(rec model.AnalysisRecord) {
	d.wg.Add(1)
	if d.metrics != nil {
		d.metrics.RunStarted()
	}

	go func() {
		defer d.wg.Done()

		var (
			res *model.RunResult
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("webhook: background run panicked",
					zap.String("assessment_id", rec.AssessmentID),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				err = eris.Errorf("webhook: panic: %v", r)
			}
			if d.metrics != nil {
				d.metrics.RunFinished(res, err, eris.Is(err, pipeline.ErrDeadlineExceeded))
			}
		}()

		res, err = d.runner.Run(d.base, rec)
		if err != nil {
			zap.L().Error("webhook: validation failed",
				zap.String("assessment_id", rec.AssessmentID),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("webhook: validation complete",
			zap.String("assessment_id", rec.AssessmentID),
			zap.String("run_id", res.RunID),
			zap.Int("matched", len(res.Matched)),
			zap.Int("unmatched", len(res.Unmatched)),
		)
	}()
}

// Wait blocks until every started run has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "webhook: drain background runs")
	}
}
