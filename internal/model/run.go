package model

import "time"

// RunState is the lifecycle state of a single validation run.
type RunState string

const (
	RunStateLoading    RunState = "loading"
	RunStateExtracting RunState = "extracting"
	RunStateResolving  RunState = "resolving"
	RunStateWriting    RunState = "writing"
	RunStateDone       RunState = "done"
	RunStateFailed     RunState = "failed"
)

// Strategy records which tier resolved a name.
type Strategy string

const (
	StrategyExact Strategy = "exact"
	StrategyPrior Strategy = "prior"
	StrategyLLM   Strategy = "llm"
	StrategyNone  Strategy = "none"
)

// TokenUsage tracks completion-service consumption.
type TokenUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.Calls += other.Calls
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}

// BatchResult is the outcome of one insert batch.
type BatchResult struct {
	Table string `json:"table"`
	Index int    `json:"index"`
	Rows  int    `json:"rows"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the batch was written.
func (b BatchResult) OK() bool {
	return b.Err == nil
}

// RunResult summarizes one pipeline invocation.
type RunResult struct {
	RunID        string           `json:"run_id"`
	AssessmentID string           `json:"assessment_id"`
	State        RunState         `json:"state"`
	Matched      []MatchOutcome   `json:"matched"`
	Unmatched    []UnmatchOutcome `json:"unmatched"`
	Writes       []BatchResult    `json:"writes"`
	Strategies   map[Strategy]int `json:"strategies"`
	Aborted      int              `json:"aborted"`
	Usage        TokenUsage       `json:"usage"`
	Duration     time.Duration    `json:"duration"`
	Error        string           `json:"error,omitempty"`
}

// FailedBatches counts batches that could not be written.
func (r *RunResult) FailedBatches() int {
	n := 0
	for _, w := range r.Writes {
		if !w.OK() {
			n++
		}
	}
	return n
}
