// Package cost prices completion usage per model.
package cost

import "github.com/alexandria/dna-validator/internal/model"

// ModelRate is USD per million tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps a model id to its pricing.
type Rates map[string]ModelRate

// Calculator prices token usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator. Configured rates override the
// defaults model by model.
func NewCalculator(rates Rates) *Calculator {
	merged := DefaultRates()
	for m, r := range rates {
		merged[m] = r
	}
	return &Calculator{rates: merged}
}

// Tokens returns the cost of input and output tokens on model, or 0 when
// the model has no configured rate.
func (c *Calculator) Tokens(modelID string, input, output int64) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	return float64(input)/1e6*rate.Input + float64(output)/1e6*rate.Output
}

// Usage fills u.Cost from its token counts.
func (c *Calculator) Usage(modelID string, u model.TokenUsage) model.TokenUsage {
	u.Cost = c.Tokens(modelID, u.InputTokens, u.OutputTokens)
	return u
}

// Known reports whether modelID has a rate.
func (c *Calculator) Known(modelID string) bool {
	_, ok := c.rates[modelID]
	return ok
}

// DefaultRates covers the models the validator is usually pointed at.
func DefaultRates() Rates {
	return Rates{
		"mistralai/mistral-7b-instruct": {Input: 0.03, Output: 0.055},
		"google/gemini-flash-1.5":       {Input: 0.075, Output: 0.30},
		"claude-haiku-4-5-20251001":     {Input: 1.00, Output: 5.00},
		"claude-sonnet-4-5-20250929":    {Input: 3.00, Output: 15.00},
	}
}
