package credit

import (
	"testing"

	"github.com/rephlo/metering/internal/currency"
	"github.com/rephlo/metering/internal/tier"
	"github.com/shopspring/decimal"
)

func TestToCreditsProTierExactMultiple(t *testing.T) {
	// $0.025 at 1.5x margin and 100 credits/USD is exactly 4 credits.
	rates := tier.Pro.Rates()
	conv := ToCredits(currency.MustParse("0.025"), rates.MarginMultiplier, rates.CreditsPerUSD)
	if conv.Credits != 4 {
		t.Fatalf("expected 4 credits, got %d", conv.Credits)
	}
	if want := currency.MustParse("0.0375"); !conv.CreditValue.Equal(want) {
		t.Fatalf("expected credit value %s, got %s", want, conv.CreditValue)
	}
}

func TestToCreditsBasicTierRoundsUp(t *testing.T) {
	// $0.02346 at 2.0x margin is 4.692 credits, deducted as 5.
	rates := tier.Basic.Rates()
	conv := ToCredits(currency.MustParse("0.02346"), rates.MarginMultiplier, rates.CreditsPerUSD)
	if conv.Credits != 5 {
		t.Fatalf("expected 5 credits, got %d", conv.Credits)
	}
	if want := currency.MustParse("0.04692"); !conv.CreditValue.Equal(want) {
		t.Fatalf("expected credit value %s, got %s", want, conv.CreditValue)
	}
}

func TestToCreditsTinyCostDeductsMinimumOne(t *testing.T) {
	rates := tier.Free.Rates()
	conv := ToCredits(currency.MustParse("0.0000001"), rates.MarginMultiplier, rates.CreditsPerUSD)
	if conv.Credits != 1 {
		t.Fatalf("expected minimum 1 credit for positive cost, got %d", conv.Credits)
	}
}

func TestToCreditsZeroCostDeductsNothing(t *testing.T) {
	rates := tier.Enterprise.Rates()
	conv := ToCredits(currency.Zero(), rates.MarginMultiplier, rates.CreditsPerUSD)
	if conv.Credits != 0 {
		t.Fatalf("expected 0 credits for zero cost, got %d", conv.Credits)
	}
	if !conv.CreditValue.IsZero() {
		t.Fatalf("expected zero credit value, got %s", conv.CreditValue)
	}
}

func TestToCreditsCustomRates(t *testing.T) {
	conv := ToCredits(
		currency.MustParse("0.10"),
		decimal.RequireFromString("1.2"),
		decimal.RequireFromString("50"),
	)
	if conv.Credits != 6 {
		t.Fatalf("expected 6 credits, got %d", conv.Credits)
	}
}
