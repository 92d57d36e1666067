package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/completion"
	"github.com/alexandria/dna-validator/internal/config"
	"github.com/alexandria/dna-validator/internal/cost"
	"github.com/alexandria/dna-validator/internal/llmmatch"
	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/refcache"
	"github.com/alexandria/dna-validator/internal/resolve"
	"github.com/alexandria/dna-validator/internal/store"
)

const mistral = "mistralai/mistral-7b-instruct"

var (
	aristotle = model.ReferenceEntity{ID: "t1", Name: "Aristotle"}
	plato     = model.ReferenceEntity{ID: "t2", Name: "Plato"}
	ethics    = model.ReferenceEntity{ID: "w1", Name: "Nicomachean Ethics"}
)

func testConfig() config.MatchingConfig {
	return config.MatchingConfig{
		LLMBatchSize:   500,
		PageSize:       1000,
		WriteBatchSize: 50,
		DeadlineSecs:   55,
	}
}

func record(fields map[model.Column]string) model.AnalysisRecord {
	rec := model.NewAnalysisRecord("r1", "assess-1")
	for c, v := range fields {
		rec.Set(c, v)
	}
	return rec
}

// llmPipeline wires the real resolver and matcher over client, which may be
// nil for no LLM tier.
func llmPipeline(snap *refcache.Snapshot, client completion.Client, w Writer) *Pipeline {
	m := llmmatch.New(client, 500)
	return New(testConfig(), Deps{
		Cache:    staticLoader(snap),
		Resolver: resolve.New(nil, m),
		Writer:   w,
		Cost:     cost.NewCalculator(nil),
		Model:    m.Model(),
	})
}

// exactResolver matches every name to an entity with the name as id.
func exactResolver() resolverFunc {
	return func(_ context.Context, _ *refcache.Snapshot, name string, _ model.Kind) (resolve.Resolution, error) {
		return resolve.Resolution{
			Entity:   &model.ReferenceEntity{ID: name, Name: name},
			Strategy: model.StrategyExact,
		}, nil
	}
}

func TestPipeline_Run_ExactMatchesBothKinds(t *testing.T) {
	snap := refcache.NewSnapshot([]model.ReferenceEntity{aristotle, plato}, []model.ReferenceEntity{ethics})
	w := &mockWriter{}
	w.On("InsertMatched", mock.Anything, []model.MatchOutcome{
		{
			AssessmentID: "assess-1",
			Kind:         model.KindThinker,
			Column:       "ethics_kindred_spirit_1",
			RawValue:     "Aristotle",
			MatchedName:  "Aristotle",
			MatchedID:    "t1",
		},
		{
			AssessmentID: "assess-1",
			Kind:         model.KindWork,
			Column:       "ethics_kindred_spirit_1_classic",
			RawValue:     "Nicomachean Ethics (340 BC)",
			MatchedName:  "Nicomachean Ethics",
			MatchedID:    "w1",
		},
	}).Return(nil).Once()

	res, err := llmPipeline(snap, nil, w).Run(context.Background(), record(map[model.Column]string{
		"ethics_kindred_spirit_1":         "Aristotle",
		"ethics_kindred_spirit_1_classic": "Nicomachean Ethics (340 BC)",
	}))
	require.NoError(t, err)

	w.AssertExpectations(t)
	w.AssertNotCalled(t, "InsertUnmatched", mock.Anything, mock.Anything)

	assert.Equal(t, model.RunStateDone, res.State)
	assert.Equal(t, "assess-1", res.AssessmentID)
	_, perr := uuid.Parse(res.RunID)
	assert.NoError(t, perr)
	assert.Equal(t, 2, res.Strategies[model.StrategyExact])
	assert.Empty(t, res.Unmatched)
	require.Len(t, res.Writes, 1)
	assert.Equal(t, model.BatchResult{Table: store.TableMatched, Index: 0, Rows: 2}, res.Writes[0])
	assert.Zero(t, res.Usage.Calls)
	assert.Empty(t, res.Error)
}

func TestPipeline_Run_EmptyCatalogIsUnmatched(t *testing.T) {
	snap := refcache.NewSnapshot(nil, []model.ReferenceEntity{ethics})
	w := &mockWriter{}
	w.On("InsertUnmatched", mock.Anything, []model.UnmatchOutcome{{
		AssessmentID: "assess-1",
		Kind:         model.KindThinker,
		Column:       "most_kindred_spirit",
		RawValue:     "Aristotle",
	}}).Return(nil).Once()

	res, err := llmPipeline(snap, nil, w).Run(context.Background(), record(map[model.Column]string{
		"most_kindred_spirit": "Aristotle",
	}))
	require.NoError(t, err)
	w.AssertExpectations(t)

	assert.Equal(t, model.RunStateDone, res.State)
	assert.Equal(t, 1, res.Strategies[model.StrategyNone])
	assert.Zero(t, res.Aborted)
}

func TestPipeline_Run_LLMMatchIsPriced(t *testing.T) {
	snap := refcache.NewSnapshot([]model.ReferenceEntity{aristotle, plato}, nil)
	client := &replyClient{model: mistral, reply: func(prompt string) (*completion.Response, error) {
		assert.Contains(t, prompt, `"The Stagirite"`)
		return &completion.Response{Text: "Aristotle", InputTokens: 1000, OutputTokens: 10}, nil
	}}
	w := &mockWriter{}
	w.On("InsertMatched", mock.Anything, mock.MatchedBy(func(rows []model.MatchOutcome) bool {
		return len(rows) == 1 && rows[0].MatchedID == "t1" && rows[0].RawValue == "The Stagirite"
	})).Return(nil).Once()

	res, err := llmPipeline(snap, client, w).Run(context.Background(), record(map[model.Column]string{
		"most_kindred_spirit": "The Stagirite",
	}))
	require.NoError(t, err)
	w.AssertExpectations(t)

	assert.Equal(t, 1, res.Strategies[model.StrategyLLM])
	assert.Equal(t, 1, res.Usage.Calls)
	assert.Equal(t, int64(1000), res.Usage.InputTokens)
	assert.InDelta(t, 1000*0.03/1e6+10*0.055/1e6, res.Usage.Cost, 1e-12)
}

func TestPipeline_Run_AbortedSearchIsUnmatched(t *testing.T) {
	snap := refcache.NewSnapshot([]model.ReferenceEntity{aristotle}, nil)
	client := &replyClient{model: mistral, reply: func(string) (*completion.Response, error) {
		return nil, errors.New("openrouter: 503")
	}}
	w := &mockWriter{}
	w.On("InsertUnmatched", mock.Anything, mock.MatchedBy(func(rows []model.UnmatchOutcome) bool {
		return len(rows) == 1 && rows[0].RawValue == "Socrates"
	})).Return(nil).Once()

	res, err := llmPipeline(snap, client, w).Run(context.Background(), record(map[model.Column]string{
		"most_challenging_voice": "Socrates",
	}))
	require.NoError(t, err, "an aborted search does not fail the run")
	w.AssertExpectations(t)

	assert.Equal(t, model.RunStateDone, res.State)
	assert.Equal(t, 1, res.Aborted)
	assert.Equal(t, 1, res.Strategies[model.StrategyNone])
}

func TestPipeline_Run_PanicIsIsolated(t *testing.T) {
	resolver := func(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (resolve.Resolution, error) {
		if name == "Kant" {
			panic("boom")
		}
		return exactResolver()(ctx, snap, name, kind)
	}
	w := &mockWriter{}
	w.On("InsertMatched", mock.Anything, mock.Anything).Return(nil).Once()
	w.On("InsertUnmatched", mock.Anything, mock.Anything).Return(nil).Once()

	p := New(testConfig(), Deps{
		Cache:    staticLoader(refcache.NewSnapshot(nil, nil)),
		Resolver: resolverFunc(resolver),
		Writer:   w,
	})
	res, err := p.Run(context.Background(), record(map[model.Column]string{
		"most_kindred_spirit":    "Kant",
		"most_challenging_voice": "Hume",
	}))
	require.NoError(t, err)
	w.AssertExpectations(t)

	require.Len(t, res.Matched, 1)
	assert.Equal(t, "Hume", res.Matched[0].RawValue)
	require.Len(t, res.Unmatched, 1)
	assert.Equal(t, "Kant", res.Unmatched[0].RawValue)
	assert.Equal(t, 1, res.Aborted)
}

func TestPipeline_Run_FailedBatchDoesNotStopOthers(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBatchSize = 2
	w := &mockWriter{}
	w.On("InsertMatched", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()
	w.On("InsertMatched", mock.Anything, mock.Anything).Return(nil).Once()

	p := New(cfg, Deps{
		Cache:    staticLoader(refcache.NewSnapshot(nil, nil)),
		Resolver: exactResolver(),
		Writer:   w,
	})
	res, err := p.Run(context.Background(), record(map[model.Column]string{
		"most_kindred_spirit":       "Spinoza",
		"most_challenging_voice":    "Hobbes",
		"politics_kindred_spirit_1": "Locke",
	}))
	require.NoError(t, err)
	w.AssertExpectations(t)

	assert.Equal(t, model.RunStateDone, res.State)
	require.Len(t, res.Writes, 2)
	assert.Equal(t, 0, res.Writes[0].Index)
	assert.Equal(t, 2, res.Writes[0].Rows)
	assert.False(t, res.Writes[0].OK())
	assert.Equal(t, "connection reset", res.Writes[0].Error)
	assert.Equal(t, 1, res.Writes[1].Index)
	assert.Equal(t, 1, res.Writes[1].Rows)
	assert.True(t, res.Writes[1].OK())
	assert.Equal(t, 1, res.FailedBatches())
}

func TestPipeline_Run_DeadlineWritesFailure(t *testing.T) {
	blocking := loaderFunc(func(ctx context.Context) (*refcache.Snapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := &mockWriter{}
	w.On("InsertFailure",
		mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }),
		mock.MatchedBy(func(rec model.FailureRecord) bool {
			return rec.AssessmentID == "assess-1" &&
				strings.Contains(rec.Message, "deadline exceeded") &&
				rec.Stack != "" &&
				!rec.CreatedAt.IsZero()
		}),
	).Return(nil).Once()

	p := New(testConfig(), Deps{Cache: blocking, Resolver: exactResolver(), Writer: w})
	p.deadline = 50 * time.Millisecond

	start := time.Now()
	res, err := p.Run(context.Background(), record(map[model.Column]string{"most_kindred_spirit": "Kant"}))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, eris.Is(err, ErrDeadlineExceeded))
	w.AssertExpectations(t)

	assert.Equal(t, model.RunStateFailed, res.State)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.Empty(t, res.Matched)
}

func TestPipeline_Run_LoadFailure(t *testing.T) {
	failing := loaderFunc(func(context.Context) (*refcache.Snapshot, error) {
		return nil, errors.New("db down")
	})
	w := &mockWriter{}
	w.On("InsertFailure", mock.Anything, mock.MatchedBy(func(rec model.FailureRecord) bool {
		return strings.Contains(rec.Message, "db down")
	})).Return(errors.New("also down")).Once()

	res, err := New(testConfig(), Deps{Cache: failing, Resolver: exactResolver(), Writer: w}).
		Run(context.Background(), record(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: load reference data")
	assert.Equal(t, model.RunStateFailed, res.State)
	w.AssertExpectations(t)
}

func TestPipeline_Run_DryRunWritesNothing(t *testing.T) {
	w := &mockWriter{}
	p := New(testConfig(), Deps{
		Cache:    staticLoader(refcache.NewSnapshot(nil, nil)),
		Resolver: exactResolver(),
		Writer:   w,
	}).DryRun()

	res, err := p.Run(context.Background(), record(map[model.Column]string{"most_kindred_spirit": "Kant"}))
	require.NoError(t, err)
	assert.Len(t, res.Matched, 1)
	assert.Empty(t, res.Writes)
	w.AssertNotCalled(t, "InsertMatched", mock.Anything, mock.Anything)
}

func TestPipeline_Run_EmptyRecord(t *testing.T) {
	w := &mockWriter{}
	p := New(testConfig(), Deps{
		Cache:    staticLoader(refcache.NewSnapshot(nil, nil)),
		Resolver: exactResolver(),
		Writer:   w,
	})

	res, err := p.Run(context.Background(), record(nil))
	require.NoError(t, err)
	assert.Equal(t, model.RunStateDone, res.State)
	assert.Empty(t, res.Writes)
	w.AssertNotCalled(t, "InsertMatched", mock.Anything, mock.Anything)
	w.AssertNotCalled(t, "InsertUnmatched", mock.Anything, mock.Anything)
}

func TestPipeline_Run_ConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	resolver := func(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (resolve.Resolution, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return exactResolver()(ctx, snap, name, kind)
	}

	fields := make(map[model.Column]string)
	for i := range 6 {
		fields[model.ThinkerColumns[i]] = "Thinker " + string(rune('A'+i))
	}

	cfg := testConfig()
	cfg.MaxConcurrency = 2
	w := &mockWriter{}
	w.On("InsertMatched", mock.Anything, mock.Anything).Return(nil)

	res, err := New(cfg, Deps{
		Cache:    staticLoader(refcache.NewSnapshot(nil, nil)),
		Resolver: resolverFunc(resolver),
		Writer:   w,
	}).Run(context.Background(), record(fields))
	require.NoError(t, err)
	assert.Len(t, res.Matched, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNew_Defaults(t *testing.T) {
	p := New(config.MatchingConfig{}, Deps{})
	assert.Equal(t, 55*time.Second, p.Deadline())
	assert.Equal(t, 50, p.cfg.WriteBatchSize)
	assert.NotNil(t, p.deps.Cost)
	assert.False(t, p.dryRun)
	assert.True(t, p.DryRun().dryRun)
}

// countingWriter tolerates any context and counts every insert.
type countingWriter struct {
	matched, unmatched, failures atomic.Int32
}

func (w *countingWriter) InsertMatched(context.Context, []model.MatchOutcome) error {
	w.matched.Add(1)
	return nil
}

func (w *countingWriter) InsertUnmatched(context.Context, []model.UnmatchOutcome) error {
	w.unmatched.Add(1)
	return nil
}

func (w *countingWriter) InsertFailure(context.Context, model.FailureRecord) error {
	w.failures.Add(1)
	return nil
}

func TestPipeline_Run_DeadlineDuringResolvingSkipsWrites(t *testing.T) {
	returned := make(chan struct{})
	blocking := resolverFunc(func(ctx context.Context, _ *refcache.Snapshot, _ string, _ model.Kind) (resolve.Resolution, error) {
		defer close(returned)
		<-ctx.Done()
		return resolve.Resolution{Strategy: model.StrategyNone}, ctx.Err()
	})
	w := &countingWriter{}

	p := New(testConfig(), Deps{Cache: staticLoader(refcache.NewSnapshot(nil, nil)), Resolver: blocking, Writer: w})
	p.deadline = 50 * time.Millisecond

	res, err := p.Run(context.Background(), record(map[model.Column]string{"most_kindred_spirit": "Kant"}))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDeadlineExceeded))
	assert.Equal(t, model.RunStateFailed, res.State)

	<-returned
	assert.Never(t, func() bool {
		return w.matched.Load()+w.unmatched.Load() > 0
	}, 200*time.Millisecond, 10*time.Millisecond, "no outcome rows after the run failed")
	assert.Equal(t, int32(1), w.failures.Load())
}

func TestPipeline_Run_DeadlineDuringWritingFailsRun(t *testing.T) {
	w := &mockWriter{}
	w.On("InsertMatched", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil).Once()
	w.On("InsertFailure", mock.Anything, mock.Anything).Return(nil).Once()

	p := New(testConfig(), Deps{
		Cache:    staticLoader(refcache.NewSnapshot(nil, nil)),
		Resolver: exactResolver(),
		Writer:   w,
	})
	p.deadline = 50 * time.Millisecond

	res, err := p.Run(context.Background(), record(map[model.Column]string{"most_kindred_spirit": "Kant"}))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDeadlineExceeded))
	assert.Equal(t, model.RunStateFailed, res.State)
}

func TestWriteBatches_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	insert := func(context.Context, []int) error {
		calls++
		cancel()
		return nil
	}

	results := writeBatches(ctx, store.TableMatched, []int{1, 2, 3, 4, 5}, 2, insert, zap.NewNop())
	assert.Equal(t, 1, calls)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Rows)
}

func TestResolveOne_PanicCarriesStack(t *testing.T) {
	p := New(testConfig(), Deps{
		Resolver: resolverFunc(func(context.Context, *refcache.Snapshot, string, model.Kind) (resolve.Resolution, error) {
			panic("boom")
		}),
	})
	n := model.ExtractedName{Column: "most_kindred_spirit", RawValue: "Kant", Kind: model.KindThinker}

	out := p.resolveOne(context.Background(), refcache.NewSnapshot(nil, nil), n, zap.NewNop())
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "resolve most_kindred_spirit panicked: boom")
	assert.Nil(t, out.res.Entity)
	assert.NotEmpty(t, eris.Unpack(out.err).ErrRoot.Stack, "panic errors carry a stack trace")
}
