// Package monitoring keeps in-process counters of validation runs for the
// /stats endpoint.
package monitoring

import (
	"sync"
	"time"

	"github.com/alexandria/dna-validator/internal/model"
)

// MetricsSnapshot is a point-in-time view of the service.
type MetricsSnapshot struct {
	RunsStarted   int     `json:"runs_started"`
	RunsInFlight  int     `json:"runs_in_flight"`
	RunsDone      int     `json:"runs_done"`
	RunsFailed    int     `json:"runs_failed"`
	RunsTimedOut  int     `json:"runs_timed_out"`
	FailRate      float64 `json:"fail_rate"`
	Matched       int     `json:"matched"`
	Unmatched     int     `json:"unmatched"`
	Aborted       int     `json:"aborted_searches"`
	FailedBatches int     `json:"failed_batches"`

	Strategies map[model.Strategy]int `json:"strategies"`
	Usage      model.TokenUsage       `json:"usage"`

	AvgDurationMS int64     `json:"avg_duration_ms"`
	LastRunAt     time.Time `json:"last_run_at,omitzero"`
	StartedAt     time.Time `json:"started_at"`
	CollectedAt   time.Time `json:"collected_at"`

	Reference *ReferenceStats `json:"reference,omitempty"`
	Breaker   string          `json:"completion_breaker,omitempty"`
}

// ReferenceStats describes the reference cache.
type ReferenceStats struct {
	Loaded   bool      `json:"loaded"`
	Thinkers int       `json:"thinkers"`
	Works    int       `json:"works"`
	Loads    int64     `json:"loads"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

// Probe adds live component state to a snapshot.
type Probe func(*MetricsSnapshot)

// Collector aggregates run outcomes. It is safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	snap      MetricsSnapshot
	totalTime time.Duration
	probes    []Probe
	now       func() time.Time
}

// NewCollector returns an empty collector.
func NewCollector(probes ...Probe) *Collector {
	c := &Collector{probes: probes, now: time.Now}
	c.snap.StartedAt = c.now().UTC()
	c.snap.Strategies = make(map[model.Strategy]int)
	return c
}

// RunStarted counts a run handed to the background runner.
func (c *Collector) RunStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.RunsStarted++
	c.snap.RunsInFlight++
}

// RunFinished records the outcome of a run. res may be nil when the run
// failed before producing a result. timedOut marks deadline failures.
func (c *Collector) RunFinished(res *model.RunResult, err error, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.RunsInFlight > 0 {
		c.snap.RunsInFlight--
	}
	c.snap.LastRunAt = c.now().UTC()

	if err != nil {
		c.snap.RunsFailed++
		if timedOut {
			c.snap.RunsTimedOut++
		}
	} else {
		c.snap.RunsDone++
	}

	if res == nil {
		return
	}
	c.snap.Matched += len(res.Matched)
	c.snap.Unmatched += len(res.Unmatched)
	c.snap.Aborted += res.Aborted
	c.snap.FailedBatches += res.FailedBatches()
	for s, n := range res.Strategies {
		c.snap.Strategies[s] += n
	}
	c.snap.Usage.Add(res.Usage)
	c.totalTime += res.Duration
}

// Snapshot returns a copy of the counters with probes applied.
func (c *Collector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	snap := c.snap
	snap.Strategies = make(map[model.Strategy]int, len(c.snap.Strategies))
	for s, n := range c.snap.Strategies {
		snap.Strategies[s] = n
	}
	finished := snap.RunsDone + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
		snap.AvgDurationMS = (c.totalTime / time.Duration(finished)).Milliseconds()
	}
	snap.CollectedAt = c.now().UTC()
	probes := c.probes
	c.mu.Unlock()

	for _, p := range probes {
		p(&snap)
	}
	return snap
}
