package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alexandria/dna-validator/internal/llmmatch"
	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/refcache"
)

type mockPrior struct {
	mock.Mock
}

func (m *mockPrior) FindPriorMatch(ctx context.Context, kind model.Kind, rawName string) (*model.PriorMatch, error) {
	args := m.Called(ctx, kind, rawName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PriorMatch), args.Error(1)
}

type mockMatcher struct {
	mock.Mock
}

func (m *mockMatcher) Match(ctx context.Context, name string, list []model.ReferenceEntity, kind model.Kind) (llmmatch.Result, error) {
	args := m.Called(ctx, name, list, kind)
	return args.Get(0).(llmmatch.Result), args.Error(1)
}

var (
	aristotle = model.ReferenceEntity{ID: "t1", Name: "Aristotle"}
	kant      = model.ReferenceEntity{ID: "t2", Name: "Immanuel Kant"}
	ethics    = model.ReferenceEntity{ID: "w1", Name: "Nicomachean Ethics"}
)

func snapshot() *refcache.Snapshot {
	return refcache.NewSnapshot([]model.ReferenceEntity{aristotle, kant}, []model.ReferenceEntity{ethics})
}

func TestResolve_ExactSkipsOtherTiers(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	r := New(prior, matcher)

	res, err := r.Resolve(context.Background(), snapshot(), "  aristotle ", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyExact, res.Strategy)
	assert.Equal(t, aristotle, *res.Entity)

	res, err = r.Resolve(context.Background(), snapshot(), "Nicomachean Ethics (340 BC)", model.KindWork)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyExact, res.Strategy)
	assert.Equal(t, ethics, *res.Entity)

	prior.AssertNotCalled(t, "FindPriorMatch", mock.Anything, mock.Anything, mock.Anything)
	matcher.AssertNotCalled(t, "Match", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_PriorMatchSkipsLLM(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	prior.On("FindPriorMatch", mock.Anything, model.KindThinker, "Kant").
		Return(&model.PriorMatch{Kind: model.KindThinker, RawValue: "kant", MatchedID: "t2", MatchedName: "Immanuel Kant"}, nil)

	res, err := New(prior, matcher).Resolve(context.Background(), snapshot(), "Kant", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyPrior, res.Strategy)
	assert.Equal(t, kant, *res.Entity)
	matcher.AssertNotCalled(t, "Match", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_DanglingPriorFallsThroughToLLM(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	prior.On("FindPriorMatch", mock.Anything, model.KindThinker, "Kant").
		Return(&model.PriorMatch{MatchedID: "deleted-id"}, nil)
	matcher.On("Match", mock.Anything, "Kant", mock.Anything, model.KindThinker).
		Return(llmmatch.Result{Entity: &kant, Usage: model.TokenUsage{Calls: 1}}, nil)

	res, err := New(prior, matcher).Resolve(context.Background(), snapshot(), "Kant", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyLLM, res.Strategy)
	assert.Equal(t, kant, *res.Entity)
	assert.Equal(t, 1, res.Usage.Calls)
}

func TestResolve_PriorErrorIsAMiss(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	prior.On("FindPriorMatch", mock.Anything, model.KindThinker, "Kant").Return(nil, errors.New("timeout"))
	matcher.On("Match", mock.Anything, "Kant", []model.ReferenceEntity{aristotle, kant}, model.KindThinker).
		Return(llmmatch.Result{}, nil)

	res, err := New(prior, matcher).Resolve(context.Background(), snapshot(), "Kant", model.KindThinker)
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Equal(t, model.StrategyNone, res.Strategy)
	matcher.AssertExpectations(t)
}

func TestResolve_MatcherAbortReturnsError(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	prior.On("FindPriorMatch", mock.Anything, model.KindWork, "Unknown Book").Return(nil, nil)
	abort := &llmmatch.AbortError{Name: "Unknown Book", Kind: model.KindWork, Batch: 1, Err: errors.New("503")}
	matcher.On("Match", mock.Anything, "Unknown Book", mock.Anything, model.KindWork).
		Return(llmmatch.Result{Usage: model.TokenUsage{Calls: 1}}, abort)

	res, err := New(prior, matcher).Resolve(context.Background(), snapshot(), "Unknown Book", model.KindWork)
	require.Error(t, err)
	assert.ErrorIs(t, err, llmmatch.ErrSearchAborted)
	assert.False(t, res.Matched())
	assert.Equal(t, model.StrategyNone, res.Strategy)
	assert.Equal(t, 1, res.Usage.Calls, "usage before the abort is kept")
}

func TestResolve_NothingFound(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	prior.On("FindPriorMatch", mock.Anything, model.KindThinker, "Zzyzx").Return(nil, nil)
	matcher.On("Match", mock.Anything, "Zzyzx", mock.Anything, model.KindThinker).Return(llmmatch.Result{}, nil)

	res, err := New(prior, matcher).Resolve(context.Background(), snapshot(), "Zzyzx", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, Resolution{Strategy: model.StrategyNone}, res)
}

func TestResolve_BlankNameTouchesNothing(t *testing.T) {
	prior, matcher := &mockPrior{}, &mockMatcher{}
	res, err := New(prior, matcher).Resolve(context.Background(), snapshot(), "   ", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyNone, res.Strategy)
	prior.AssertNotCalled(t, "FindPriorMatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_NilCollaborators(t *testing.T) {
	res, err := New(nil, nil).Resolve(context.Background(), snapshot(), "Spinoza", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyNone, res.Strategy)

	res, err = New(nil, nil).Resolve(context.Background(), snapshot(), "Immanuel Kant", model.KindThinker)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyExact, res.Strategy)
}

func TestResolve_RealMatcherWithEmptyList(t *testing.T) {
	snap := refcache.NewSnapshot(nil, []model.ReferenceEntity{ethics})
	res, err := New(nil, llmmatch.New(nil, 500)).Resolve(context.Background(), snap, "Aristotle", model.KindThinker)
	require.NoError(t, err, "an empty catalog exhausts the search without a completer")
	assert.False(t, res.Matched())
}
