// Package tier models subscription tiers and the rates that convert vendor
// cost into credits. The rate table is enum-keyed and exhaustive; the
// subscription system that decides which tier a user holds is an external
// collaborator behind the Resolver interface.
package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a subscription tier.
type Tier int

// Tiers, lowest to highest. Unknown or lapsed subscriptions resolve to Free.
const (
	Free Tier = iota
	Basic
	Pro
	Enterprise
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case Free:
		return "free"
	case Basic:
		return "basic"
	case Pro:
		return "pro"
	case Enterprise:
		return "enterprise"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Parse converts a tier name into a Tier.
func Parse(s string) (Tier, error) {
	switch s {
	case "free":
		return Free, nil
	case "basic":
		return Basic, nil
	case "pro":
		return Pro, nil
	case "enterprise":
		return Enterprise, nil
	default:
		return Free, fmt.Errorf("tier: unknown tier %q", s)
	}
}

// Rates converts vendor cost into credits for one tier.
type Rates struct {
	// MarginMultiplier marks vendor cost up to the USD value billed in
	// credits.
	MarginMultiplier decimal.Decimal
	// CreditsPerUSD converts billed USD value into whole credits.
	CreditsPerUSD decimal.Decimal
}

// Rates returns the conversion rates for the tier. The switch is exhaustive
// over the Tier constants; anything else falls back to Free.
func (t Tier) Rates() Rates {
	switch t {
	case Basic:
		return Rates{MarginMultiplier: decimal.NewFromFloat(2.0), CreditsPerUSD: decimal.NewFromInt(100)}
	case Pro:
		return Rates{MarginMultiplier: decimal.NewFromFloat(1.5), CreditsPerUSD: decimal.NewFromInt(100)}
	case Enterprise:
		return Rates{MarginMultiplier: decimal.NewFromFloat(1.2), CreditsPerUSD: decimal.NewFromInt(100)}
	case Free:
		fallthrough
	default:
		return Rates{MarginMultiplier: decimal.NewFromFloat(3.0), CreditsPerUSD: decimal.NewFromInt(100)}
	}
}

// Context is the billing context the subscription collaborator supplies for
// one request.
type Context struct {
	Tier           Tier
	Rates          Rates
	SubscriptionID *uint64
}

// Resolver resolves the active tier for a user. Implemented by the
// subscription subsystem; a lapsed or missing subscription resolves to Free
// and multiple active subscriptions resolve to the highest tier.
type Resolver interface {
	ActiveTier(ctx context.Context, userID uint64, now time.Time) (Context, error)
}

// StaticResolver maps fixed users to fixed tiers. Test and embedded use.
type StaticResolver struct {
	Tiers map[uint64]Tier
}

// ActiveTier implements Resolver, defaulting to Free.
func (r *StaticResolver) ActiveTier(_ context.Context, userID uint64, _ time.Time) (Context, error) {
	t := Free
	if r != nil && r.Tiers != nil {
		if found, ok := r.Tiers[userID]; ok {
			t = found
		}
	}
	return Context{Tier: t, Rates: t.Rates()}, nil
}
