// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import "fmt"

// Model pricing as of mid 2025, in cents per 1M tokens. Integer microcent
// arithmetic keeps per-request costs exact even though a single request
// usually costs a fraction of a cent.

// ModelPricing contains pricing for a specific model.
type ModelPricing struct {
	PromptCentsPer1M     int // cents per 1M prompt tokens
	CompletionCentsPer1M int // cents per 1M completion tokens
}

// modelPricing maps model names to pricing.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {250, 1000}, // $2.50/$10 per 1M tokens
	"gpt-4o-mini":   {15, 60},    // $0.15/$0.60 per 1M tokens
	"gpt-4-turbo":   {1000, 3000},
	"gpt-3.5-turbo": {50, 150},

	// Anthropic
	"claude-sonnet-4":   {300, 1500}, // $3/$15 per 1M tokens
	"claude-3-5-sonnet": {300, 1500},
	"claude-3-5-haiku":  {80, 400},

	// Self-hosted models are billed at a flat conservative rate.
	"default": {100, 300}, // $1/$3 per 1M tokens
}

// CostMicroCents estimates the cost of a request in millionths of a cent.
// Unknown models fall back to the default rate.
func CostMicroCents(model string, promptTokens, completionTokens int) int64 {
	pricing, ok := modelPricing[model]
	if !ok {
		pricing = modelPricing["default"]
	}
	return int64(promptTokens)*int64(pricing.PromptCentsPer1M) +
		int64(completionTokens)*int64(pricing.CompletionCentsPer1M)
}

// ModelPricingFor returns the pricing for a model and whether it was an
// exact match.
func ModelPricingFor(model string) (ModelPricing, bool) {
	pricing, ok := modelPricing[model]
	return pricing, ok
}

// FormatCostDollars converts microcents to a dollar string
// (e.g. 250000 microcents -> "$0.0025").
func FormatCostDollars(microCents int64) string {
	dollars := float64(microCents) / 1e8
	return fmt.Sprintf("$%.4f", dollars)
}
