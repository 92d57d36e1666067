// Package completion puts the chat completion providers behind one
// interface used by the LLM matcher.
package completion

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/alexandria/dna-validator/internal/resilience"
	"github.com/alexandria/dna-validator/pkg/anthropic"
	"github.com/alexandria/dna-validator/pkg/openrouter"
)

// ErrEmptyResponse is returned when a provider answers without any choice.
var ErrEmptyResponse = eris.New("completion: response has no choices")

// Request is a single-turn prompt.
type Request struct {
	System string
	Prompt string
}

// Response is the model's text reply with its token counts.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Model names the model used, for cost attribution.
	Model() string
}

// OpenRouter adapts an openrouter.Client.
type OpenRouter struct {
	client    openrouter.Client
	model     string
	maxTokens int
}

// NewOpenRouter returns a Client over c. A zero maxTokens leaves the limit
// to the provider.
func NewOpenRouter(c openrouter.Client, model string, maxTokens int) *OpenRouter {
	return &OpenRouter{client: c, model: model, maxTokens: maxTokens}
}

func (o *OpenRouter) Model() string { return o.model }

func (o *OpenRouter) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]openrouter.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openrouter.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openrouter.Message{Role: "user", Content: req.Prompt})

	cr := openrouter.ChatCompletionRequest{Model: o.model, Messages: msgs}
	if o.maxTokens > 0 {
		cr.MaxTokens = &o.maxTokens
	}

	resp, err := o.client.ChatCompletion(ctx, cr)
	if err != nil {
		return nil, err
	}
	text, ok := resp.Content()
	if !ok {
		return nil, ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = o.model
	}
	return &Response{
		Text:         text,
		Model:        model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// Anthropic adapts an anthropic.Client.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic returns a Client over c. The Messages API requires a token
// limit, so a zero maxTokens becomes 256.
func NewAnthropic(c anthropic.Client, model string, maxTokens int) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Anthropic{client: c, model: model, maxTokens: int64(maxTokens)}
}

func (a *Anthropic) Model() string { return a.model }

func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    req.System,
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Content) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Text:         resp.Text(),
		Model:        a.model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Guarded fails fast through a circuit breaker while the provider is down.
type Guarded struct {
	next    Client
	breaker *resilience.Breaker
}

// WithBreaker wraps c with b.
func WithBreaker(c Client, b *resilience.Breaker) *Guarded {
	return &Guarded{next: c, breaker: b}
}

func (g *Guarded) Model() string { return g.next.Model() }

func (g *Guarded) Complete(ctx context.Context, req Request) (*Response, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Response, error) {
		return g.next.Complete(ctx, req)
	})
}

// Breaker exposes the breaker for monitoring.
func (g *Guarded) Breaker() *resilience.Breaker { return g.breaker }

// Provider names a supported completion backend.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderAnthropic  Provider = "anthropic"
)

// ParseProvider validates a configured provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOpenRouter, ProviderAnthropic:
		return p, nil
	case "":
		return ProviderOpenRouter, nil
	}
	return "", eris.Errorf("completion: unknown provider %q", s)
}
