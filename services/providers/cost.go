// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import "math"

// perMTokPricing is USD cost per million prompt/completion tokens.
type perMTokPricing struct {
	prompt     float64
	completion float64
}

// pricingTable holds the per-model cost table used by Cost. Models not
// listed fall back to the provider's defaultPricing entry.
var pricingTable = map[string]perMTokPricing{
	"deepseek-chat":          {prompt: 0.27, completion: 1.10},
	"deepseek-reasoner":      {prompt: 0.55, completion: 2.19},
	"gpt-4o":                 {prompt: 2.50, completion: 10.00},
	"gpt-4o-mini":            {prompt: 0.15, completion: 0.60},
	"gpt-4-turbo":            {prompt: 10.00, completion: 30.00},
	"claude-3-5-sonnet":      {prompt: 3.00, completion: 15.00},
	"claude-3-5-sonnet-20241022": {prompt: 3.00, completion: 15.00},
	"claude-3-opus":          {prompt: 15.00, completion: 75.00},
	"claude-3-haiku":         {prompt: 0.25, completion: 1.25},
}

// defaultTokenEstimate is the conservative token count assumed when a
// provider response carries no usage block (spec §4.3 cost note).
const defaultTokenEstimate = 1000

// costForModel computes USD cost at 4-decimal precision. When usage is the
// zero value, it applies defaultTokenEstimate split evenly across prompt and
// completion rather than reporting a zero cost.
func costForModel(usage Usage, model string) float64 {
	pricing, ok := pricingTable[model]
	if !ok {
		pricing = perMTokPricing{prompt: 3.00, completion: 15.00}
	}

	promptTokens, completionTokens := usage.PromptTokens, usage.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = defaultTokenEstimate / 2
		completionTokens = defaultTokenEstimate / 2
	}

	cost := (float64(promptTokens)/1_000_000)*pricing.prompt + (float64(completionTokens)/1_000_000)*pricing.completion
	return math.Round(cost*10000) / 10000
}
