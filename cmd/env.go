package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/completion"
	"github.com/alexandria/dna-validator/internal/cost"
	"github.com/alexandria/dna-validator/internal/llmmatch"
	"github.com/alexandria/dna-validator/internal/monitoring"
	"github.com/alexandria/dna-validator/internal/pipeline"
	"github.com/alexandria/dna-validator/internal/refcache"
	"github.com/alexandria/dna-validator/internal/resilience"
	"github.com/alexandria/dna-validator/internal/resolve"
	"github.com/alexandria/dna-validator/internal/store"
	"github.com/alexandria/dna-validator/pkg/anthropic"
	"github.com/alexandria/dna-validator/pkg/openrouter"
)

const defaultAnthropicModel = "claude-haiku-4-5-20251001"

// validatorEnv holds everything the serve, validate and resolve commands
// share.
type validatorEnv struct {
	Store     store.Store
	Cache     *refcache.Cache
	Completer completion.Client // nil without a completion key
	Breaker   *resilience.Breaker
	Resolver  *resolve.Resolver
	Pipeline  *pipeline.Pipeline
	Metrics   *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *validatorEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initValidator validates the config for mode and wires the store, cache,
// completion client, resolver and pipeline. Callers should defer
// env.Close().
func initValidator(ctx context.Context, mode string) (*validatorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &validatorEnv{Store: st}

	// The production schema is managed upstream; a local file is created
	// on first use.
	if cfg.Store.Driver == "sqlite" {
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	env.Cache = refcache.New(st, refcache.Config{
		PageSize:    cfg.Matching.PageSize,
		LoadTimeout: time.Duration(cfg.Matching.LoadTimeoutSecs) * time.Second,
		Retry: resilience.RetryConfig{
			OnRetry: resilience.RetryLogger("refcache", "load page"),
		},
	})

	guarded, err := initCompletion()
	if err != nil {
		env.Close()
		return nil, err
	}
	if guarded != nil {
		env.Completer = guarded
		env.Breaker = guarded.Breaker()
	}

	// Without a client the matcher aborts every search it reaches, so
	// degraded runs show up in RunResult.Aborted.
	matcher := llmmatch.New(env.Completer, cfg.Matching.LLMBatchSize)
	modelID := matcher.Model()
	if env.Completer != nil {
		zap.L().Info("llm matching enabled",
			zap.String("provider", cfg.Completion.Provider),
			zap.String("model", modelID),
		)
	} else {
		zap.L().Warn("llm matching disabled, names without an exact or prior match are aborted")
	}
	env.Resolver = resolve.New(st, matcher)

	env.Pipeline = pipeline.New(cfg.Matching, pipeline.Deps{
		Cache:    env.Cache,
		Resolver: env.Resolver,
		Writer:   st,
		Cost:     cost.NewCalculator(pricingRates()),
		Model:    modelID,
	})

	env.Metrics = monitoring.NewCollector(env.referenceProbe, env.breakerProbe)
	return env, nil
}

func (e *validatorEnv) referenceProbe(s *monitoring.MetricsSnapshot) {
	ref := &monitoring.ReferenceStats{Loads: e.Cache.Loads()}
	if snap := e.Cache.Peek(); snap != nil {
		ref.Loaded = true
		ref.Thinkers = len(snap.Thinkers)
		ref.Works = len(snap.Works)
		ref.LoadedAt = snap.LoadedAt
	}
	s.Reference = ref
}

func (e *validatorEnv) breakerProbe(s *monitoring.MetricsSnapshot) {
	if e.Breaker != nil {
		s.Breaker = e.Breaker.State().String()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dna-validator.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCompletion builds the configured provider behind a circuit breaker.
// It returns nil when no key is configured.
func initCompletion() (*completion.Guarded, error) {
	key := cfg.CompletionKey()
	if key == "" {
		return nil, nil
	}

	provider, err := completion.ParseProvider(cfg.Completion.Provider)
	if err != nil {
		return nil, err
	}

	var client completion.Client
	switch provider {
	case completion.ProviderAnthropic:
		modelID := cfg.Completion.Model
		if modelID == "" || strings.Contains(modelID, "/") {
			modelID = defaultAnthropicModel
		}
		var opts []anthropic.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		client = completion.NewAnthropic(anthropic.NewClient(key, opts...), modelID, cfg.Completion.MaxTokens)
	default:
		opts := []openrouter.Option{
			openrouter.WithBaseURL(cfg.OpenRouter.BaseURL),
			openrouter.WithModel(cfg.Completion.Model),
			openrouter.WithReferer(cfg.OpenRouter.Referer),
			openrouter.WithTitle(cfg.OpenRouter.Title),
		}
		if rps := cfg.Completion.RequestsPerSecond; rps > 0 {
			opts = append(opts, openrouter.WithRateLimit(rps))
		}
		client = completion.NewOpenRouter(openrouter.NewClient(key, opts...), cfg.Completion.Model, cfg.Completion.MaxTokens)
	}

	breaker := resilience.NewBreaker("completion", resilience.BreakerConfig{
		FailureThreshold: cfg.Completion.BreakerFailures,
		ResetTimeout:     time.Duration(cfg.Completion.BreakerResetSecs) * time.Second,
		ShouldTrip:       countsAgainstProvider,
	})
	return completion.WithBreaker(client, breaker), nil
}

// countsAgainstProvider ignores failures caused by the caller giving up.
func countsAgainstProvider(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func pricingRates() cost.Rates {
	rates := make(cost.Rates, len(cfg.Pricing.Models))
	for _, m := range cfg.Pricing.Models {
		if m.Model == "" {
			continue
		}
		rates[m.Model] = cost.ModelRate{Input: m.Input, Output: m.Output}
	}
	return rates
}
