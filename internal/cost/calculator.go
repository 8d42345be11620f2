// Package cost prices language model usage and meters it per call.
package cost

import "strings"

// Rates holds per-provider, per-model token pricing.
type Rates struct {
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Chat computes the cost of one completion. Unknown providers or models
// cost 0.
func (c *Calculator) Chat(provider, model string, input, output int64) float64 {
	rate, ok := c.rate(provider, model)
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// rate looks the model up exactly, then by the longest configured prefix so
// dated snapshots ("gpt-4o-mini-2024-07-18") price like their family.
func (c *Calculator) rate(provider, model string) (ModelRate, bool) {
	var table map[string]ModelRate
	switch provider {
	case "openai":
		table = c.rates.OpenAI
	case "anthropic":
		table = c.rates.Anthropic
	}
	if r, ok := table[model]; ok {
		return r, true
	}
	best, found := "", false
	for name := range table {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, found = name, true
		}
	}
	if !found {
		return ModelRate{}, false
	}
	return table[best], true
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		OpenAI: map[string]ModelRate{
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4.1":     {Input: 2.00, Output: 8.00},
		},
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
		},
	}
}
