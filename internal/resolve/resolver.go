// Package resolve maps a raw name to a reference entity by trying, in
// order, an exact normalized lookup, a previously stored match, and the LLM
// matcher.
package resolve

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/llmmatch"
	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/refcache"
)

// PriorMatches finds earlier matches for a raw name.
type PriorMatches interface {
	FindPriorMatch(ctx context.Context, kind model.Kind, rawName string) (*model.PriorMatch, error)
}

// Matcher is the last-resort search.
type Matcher interface {
	Match(ctx context.Context, name string, list []model.ReferenceEntity, kind model.Kind) (llmmatch.Result, error)
}

// Resolution is the outcome for one name.
type Resolution struct {
	Entity   *model.ReferenceEntity
	Strategy model.Strategy
	Usage    model.TokenUsage
}

// Matched reports whether an entity was found.
func (r Resolution) Matched() bool { return r.Entity != nil }

// Resolver runs the three strategies.
type Resolver struct {
	prior   PriorMatches
	matcher Matcher
}

// New creates a Resolver. Either collaborator may be nil to skip its tier.
func New(prior PriorMatches, matcher Matcher) *Resolver {
	return &Resolver{prior: prior, matcher: matcher}
}

// Resolve returns the first strategy that finds an entity. A matcher error
// comes back with Strategy none so callers can count aborted searches.
func (r *Resolver) Resolve(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" || snap == nil {
		return Resolution{Strategy: model.StrategyNone}, nil
	}

	if e, ok := snap.Exact(kind, name); ok {
		return found(e, model.StrategyExact), nil
	}

	if e, ok := r.fromPrior(ctx, snap, name, kind); ok {
		return found(e, model.StrategyPrior), nil
	}

	if r.matcher == nil {
		return Resolution{Strategy: model.StrategyNone}, nil
	}
	res, err := r.matcher.Match(ctx, name, snap.List(kind), kind)
	out := Resolution{Strategy: model.StrategyNone, Usage: res.Usage}
	if err != nil {
		return out, err
	}
	if res.Entity != nil {
		out.Entity = res.Entity
		out.Strategy = model.StrategyLLM
	}
	return out, nil
}

// fromPrior looks up an earlier match and confirms its id still exists.
// Store errors count as a miss.
func (r *Resolver) fromPrior(ctx context.Context, snap *refcache.Snapshot, name string, kind model.Kind) (model.ReferenceEntity, bool) {
	if r.prior == nil {
		return model.ReferenceEntity{}, false
	}

	pm, err := r.prior.FindPriorMatch(ctx, kind, name)
	if err != nil {
		zap.L().Warn("prior match lookup failed",
			zap.String("kind", string(kind)),
			zap.String("name", name),
			zap.Error(err),
		)
		return model.ReferenceEntity{}, false
	}
	if pm == nil {
		return model.ReferenceEntity{}, false
	}

	e, ok := snap.Lookup(kind, pm.MatchedID)
	if !ok {
		zap.L().Debug("prior match points at a missing entity",
			zap.String("kind", string(kind)),
			zap.String("matched_id", pm.MatchedID),
		)
	}
	return e, ok
}

func found(e model.ReferenceEntity, s model.Strategy) Resolution {
	return Resolution{Entity: &e, Strategy: s}
}
