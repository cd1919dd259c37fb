// Package costing turns token counts and effective pricing into a vendor
// cost breakdown. All arithmetic is decimal; totals are aggregated across
// millions of requests and binary float drift is not acceptable.
package costing

import (
	"errors"

	"github.com/rephlo/metering/internal/currency"
	"github.com/rephlo/metering/internal/pricing"
	"github.com/rephlo/metering/internal/tokencount"
)

// ErrInvalidTokenCount indicates a negative token count reached the
// calculator. That is an integration bug, never clamped or absorbed.
var ErrInvalidTokenCount = errors.New("costing: negative token count")

// Breakdown is the vendor cost of one request in USD.
type Breakdown struct {
	Input         currency.Amount
	Cached        currency.Amount
	CacheCreation currency.Amount
	Output        currency.Amount
	Total         currency.Amount
}

// Calculate prices counts against p.
//
// Cached input tokens are a subset of input tokens in every provider usage
// format handled here, so they are billed once at the cache-read rate and
// subtracted from the full-rate input. Counts where that subset relation
// does not hold bill the full input instead of going negative.
func Calculate(counts tokencount.Counts, p pricing.Pricing) (Breakdown, error) {
	if counts.Input < 0 || counts.Output < 0 || counts.CachedInput < 0 || counts.CacheCreation < 0 {
		return Breakdown{}, ErrInvalidTokenCount
	}

	billableInput := counts.Input
	if counts.CachedInput > 0 && counts.CachedInput <= counts.Input {
		billableInput -= counts.CachedInput
	}

	b := Breakdown{
		Input:         p.InputPer1K.MulTokens(billableInput),
		Cached:        p.CacheReadPer1K.MulTokens(counts.CachedInput),
		CacheCreation: p.CacheWritePer1K.MulTokens(counts.CacheCreation),
		Output:        p.OutputPer1K.MulTokens(counts.Output),
	}
	b.Total = b.Input.Add(b.Cached).Add(b.CacheCreation).Add(b.Output)
	return b, nil
}
