// Package refcache loads the thinker and work catalogs once per process and
// serves them as an indexed Snapshot.
package refcache

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/resilience"
)

// Source pages through a reference catalog. store.Store satisfies it.
type Source interface {
	ListReference(ctx context.Context, kind model.Kind, offset, limit int) ([]model.ReferenceEntity, error)
}

// Config tunes loading.
type Config struct {
	PageSize    int
	LoadTimeout time.Duration
	Retry       resilience.RetryConfig
}

const flightKey = "reference"

// Cache holds at most one Snapshot. Concurrent Load calls share a single
// fetch.
type Cache struct {
	src   Source
	cfg   Config
	group singleflight.Group

	mu    sync.RWMutex
	snap  *Snapshot
	gen   uint64
	loads int64
}

// New returns an empty cache over src.
func New(src Source, cfg Config) *Cache {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	return &Cache{src: src, cfg: cfg}
}

// Load returns the cached snapshot, fetching it first if needed. A failed
// fetch caches nothing, so the next Load starts over. When ctx ends before
// the shared fetch finishes, Load returns ctx's error while the fetch keeps
// running for other callers under its own timeout.
func (c *Cache) Load(ctx context.Context) (*Snapshot, error) {
	if s := c.Peek(); s != nil {
		return s, nil
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		c.mu.RLock()
		snap, gen := c.snap, c.gen
		c.mu.RUnlock()
		if snap != nil {
			return snap, nil
		}

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
		defer cancel()

		snap, err := c.fetch(lctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.loads++
		if c.gen == gen {
			c.snap = snap
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "refcache: wait for load")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Peek returns the current snapshot without loading.
func (c *Cache) Peek() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Invalidate drops the snapshot. A fetch already in flight still completes
// for its waiters but is not cached.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget(flightKey)
	zap.L().Info("reference cache invalidated")
}

// Loads is the number of completed fetches.
func (c *Cache) Loads() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loads
}

func (c *Cache) fetch(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	var thinkers, works []model.ReferenceEntity

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		thinkers, err = c.fetchAll(gctx, model.KindThinker)
		return err
	})
	g.Go(func() error {
		var err error
		works, err = c.fetchAll(gctx, model.KindWork)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Info("reference data loaded",
		zap.Int("thinkers", len(thinkers)),
		zap.Int("works", len(works)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return NewSnapshot(thinkers, works), nil
}

func (c *Cache) fetchAll(ctx context.Context, kind model.Kind) ([]model.ReferenceEntity, error) {
	retry := c.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("refcache", "list_reference", zap.String("kind", string(kind)))
	}

	var all []model.ReferenceEntity
	for offset := 0; ; offset += c.cfg.PageSize {
		page, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.ReferenceEntity, error) {
			return c.src.ListReference(ctx, kind, offset, c.cfg.PageSize)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "refcache: load %s at offset %d", kind, offset)
		}
		all = append(all, page...)
		if len(page) < c.cfg.PageSize {
			return all, nil
		}
	}
}
