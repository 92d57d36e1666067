package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/alexandria/dna-validator/internal/completion"
	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/refcache"
	"github.com/alexandria/dna-validator/internal/resolve"
)

// --- Writer Mock ---

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) InsertMatched(ctx context.Context, rows []model.MatchOutcome) error {
	return m.Called(ctx, rows).Error(0)
}

func (m *mockWriter) InsertUnmatched(ctx context.Context, rows []model.UnmatchOutcome) error {
	return m.Called(ctx, rows).Error(0)
}

func (m *mockWriter) InsertFailure(ctx context.Context, rec model.FailureRecord) error {
	return m.Called(ctx, rec).Error(0)
}

// --- Loader ---

type loaderFunc func(ctx context.Context) (*refcache.Snapshot, error)

func (f loaderFunc) Load(ctx context.Context) (*refcache.Snapshot, error) { return f(ctx) }

func staticLoader(snap *refcache.Snapshot) loaderFunc {
	return func(context.Context) (*refcache.Snapshot, error) { return snap, nil }
}

// --- Resolver ---

type resolverFunc func(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (resolve.Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (resolve.Resolution, error) {
	return f(ctx, snap, name, kind)
}

// --- Completion ---

type replyClient struct {
	mu      sync.Mutex
	model   string
	reply   func(prompt string) (*completion.Response, error)
	prompts []string
}

func (c *replyClient) Model() string { return c.model }

func (c *replyClient) Complete(_ context.Context, req completion.Request) (*completion.Response, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req.Prompt)
	c.mu.Unlock()
	return c.reply(req.Prompt)
}
