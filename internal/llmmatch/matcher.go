// Package llmmatch asks a completion model to pick a name from batches of
// reference entities.
package llmmatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/completion"
	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/normalize"
)

// DefaultBatchSize is the number of candidates shown per completion call.
const DefaultBatchSize = 500

var (
	// ErrSearchAborted matches every error Match returns.
	ErrSearchAborted = eris.New("llmmatch: search aborted")
	// ErrNoCompleter means no completion client is configured.
	ErrNoCompleter = eris.New("llmmatch: no completion client configured")
)

// AbortError reports why a search stopped before it scanned every batch.
type AbortError struct {
	Name  string
	Kind  model.Kind
	Batch int
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("llmmatch: search for %s %q aborted at batch %d: %v", e.Kind, e.Name, e.Batch, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSearchAborted) hold for every AbortError.
func (e *AbortError) Is(target error) bool { return target == ErrSearchAborted }

// Result is the outcome of one search. Entity is nil when every batch was
// scanned without a match.
type Result struct {
	Entity  *model.ReferenceEntity
	Batches int
	Usage   model.TokenUsage
}

// Matcher runs batched completion searches. A nil client is allowed; any
// search that reaches a non-empty batch then aborts with ErrNoCompleter.
type Matcher struct {
	client    completion.Client
	batchSize int
}

// New creates a Matcher.
func New(client completion.Client, batchSize int) *Matcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Matcher{client: client, batchSize: batchSize}
}

// Model names the completion model, or "" without a client.
func (m *Matcher) Model() string {
	if m.client == nil {
		return ""
	}
	return m.client.Model()
}

// Match scans list in batches and stops at the first batch whose reply names
// one of its candidates. A failed completion call ends the search with an
// *AbortError; usage up to that point is still returned.
func (m *Matcher) Match(ctx context.Context, name string, list []model.ReferenceEntity, kind model.Kind) (Result, error) {
	var res Result
	name = strings.TrimSpace(name)
	if name == "" || len(list) == 0 {
		return res, nil
	}

	target := normalize.Display(kind, name)
	log := zap.L().With(
		zap.String("component", "llmmatch"),
		zap.String("kind", string(kind)),
		zap.String("name", name),
	)

	for start := 0; start < len(list); start += m.batchSize {
		batch := list[start:min(start+m.batchSize, len(list))]
		batchNo := start/m.batchSize + 1

		candidates, owners := displayNames(kind, batch)
		if len(candidates) == 0 {
			continue
		}
		if m.client == nil {
			return res, &AbortError{Name: name, Kind: kind, Batch: batchNo, Err: ErrNoCompleter}
		}

		res.Batches++
		resp, err := m.client.Complete(ctx, completion.Request{
			System: systemPrompt,
			Prompt: buildPrompt(target, kind, candidates),
		})
		if err != nil {
			log.Warn("completion failed, stopping search", zap.Int("batch", batchNo), zap.Error(err))
			return res, &AbortError{Name: name, Kind: kind, Batch: batchNo, Err: err}
		}
		res.Usage.Add(model.TokenUsage{Calls: 1, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})

		reply := cleanReply(resp.Text)
		if isNoMatch(reply) {
			log.Debug("no match in batch", zap.Int("batch", batchNo), zap.Int("candidates", len(candidates)))
			continue
		}
		if i, ok := findCandidate(candidates, reply); ok {
			e := owners[i]
			res.Entity = &e
			log.Debug("matched", zap.Int("batch", batchNo), zap.String("matched_id", e.ID))
			return res, nil
		}
		log.Warn("reply is not in the candidate list", zap.Int("batch", batchNo), zap.String("reply", reply))
	}
	return res, nil
}

// displayNames returns the non-blank display names of batch with the entity
// each one came from.
func displayNames(kind model.Kind, batch []model.ReferenceEntity) ([]string, []model.ReferenceEntity) {
	names := make([]string, 0, len(batch))
	owners := make([]model.ReferenceEntity, 0, len(batch))
	for _, e := range batch {
		d := normalize.Display(kind, e.Name)
		if d == "" {
			continue
		}
		names = append(names, d)
		owners = append(owners, e)
	}
	return names, owners
}

func findCandidate(candidates []string, reply string) (int, bool) {
	for i, c := range candidates {
		if strings.EqualFold(c, reply) {
			return i, true
		}
	}
	return 0, false
}
