// Package pricing resolves the effective vendor price set for a request.
package pricing

import (
	"errors"
	"time"

	"github.com/rephlo/metering/internal/currency"
	"github.com/rephlo/metering/internal/models"
)

// ErrNotFound indicates no active vendor price covers the request. The
// request cannot be costed and must be flagged for manual billing review.
var ErrNotFound = errors.New("pricing: no active vendor price")

// Pricing is the effective price set for one request, already narrowed to
// the base or high-context tier.
type Pricing struct {
	Provider string
	Model    string

	InputPer1K      currency.Amount
	OutputPer1K     currency.Amount
	CacheReadPer1K  currency.Amount // zero when the model has no cache pricing
	CacheWritePer1K currency.Amount // zero when the model has no cache pricing

	// HighContext is true when the input token count exceeded the row's
	// context threshold and the high-context price set was selected.
	HighContext bool

	EffectiveFrom time.Time
}

// fromRow narrows a vendor price row to the tier matching inputTokens.
// The threshold itself bills at base prices; only threshold+1 and above
// moves to the high-context set.
func fromRow(row *models.VendorPrice, inputTokens int64) Pricing {
	p := Pricing{
		Provider:      row.Provider,
		Model:         row.Model,
		InputPer1K:    currency.FromFloat(row.InputPer1K),
		OutputPer1K:   currency.FromFloat(row.OutputPer1K),
		EffectiveFrom: row.EffectiveFrom,
	}
	if row.CacheReadPer1K != nil {
		p.CacheReadPer1K = currency.FromFloat(*row.CacheReadPer1K)
	}
	if row.CacheWritePer1K != nil {
		p.CacheWritePer1K = currency.FromFloat(*row.CacheWritePer1K)
	}

	if row.HasHighContext() && inputTokens > *row.ContextThresholdTokens {
		p.HighContext = true
		p.InputPer1K = currency.FromFloat(*row.HighContextInputPer1K)
		p.OutputPer1K = currency.FromFloat(*row.HighContextOutputPer1K)
		p.CacheReadPer1K = currency.Zero()
		p.CacheWritePer1K = currency.Zero()
		if row.HighContextCacheReadPer1K != nil {
			p.CacheReadPer1K = currency.FromFloat(*row.HighContextCacheReadPer1K)
		}
		if row.HighContextCacheWritePer1K != nil {
			p.CacheWritePer1K = currency.FromFloat(*row.HighContextCacheWritePer1K)
		}
	}
	return p
}
