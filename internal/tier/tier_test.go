package tier

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseRoundTrip(t *testing.T) {
	for _, tr := range []Tier{Free, Basic, Pro, Enterprise} {
		parsed, err := Parse(tr.String())
		if err != nil {
			t.Fatalf("parse %s: %v", tr, err)
		}
		if parsed != tr {
			t.Fatalf("expected %v, got %v", tr, parsed)
		}
	}
}

func TestParseUnknownDefaultsFreeWithError(t *testing.T) {
	parsed, err := Parse("platinum")
	if err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if parsed != Free {
		t.Fatalf("expected Free fallback, got %v", parsed)
	}
}

func TestRatesOrdering(t *testing.T) {
	// Margins decrease as tiers rise; every tier converts at the same
	// credits-per-USD rate.
	margins := []decimal.Decimal{
		Free.Rates().MarginMultiplier,
		Basic.Rates().MarginMultiplier,
		Pro.Rates().MarginMultiplier,
		Enterprise.Rates().MarginMultiplier,
	}
	for i := 1; i < len(margins); i++ {
		if margins[i].GreaterThanOrEqual(margins[i-1]) {
			t.Fatalf("margin at index %d (%s) not below %s", i, margins[i], margins[i-1])
		}
	}

	hundred := decimal.NewFromInt(100)
	for _, tr := range []Tier{Free, Basic, Pro, Enterprise} {
		if !tr.Rates().CreditsPerUSD.Equal(hundred) {
			t.Fatalf("%s: expected 100 credits/USD, got %s", tr, tr.Rates().CreditsPerUSD)
		}
	}
}

func TestStaticResolverDefaultsFree(t *testing.T) {
	r := &StaticResolver{Tiers: map[uint64]Tier{7: Pro}}
	now := time.Now()

	known, err := r.ActiveTier(context.Background(), 7, now)
	if err != nil || known.Tier != Pro {
		t.Fatalf("expected Pro, got %v (%v)", known.Tier, err)
	}

	unknown, err := r.ActiveTier(context.Background(), 8, now)
	if err != nil || unknown.Tier != Free {
		t.Fatalf("expected Free fallback, got %v (%v)", unknown.Tier, err)
	}
}
