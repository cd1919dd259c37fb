package credit

import (
	"github.com/rephlo/metering/internal/currency"
	"github.com/shopspring/decimal"
)

// Conversion is the credit pricing of one request.
type Conversion struct {
	// CreditValue is the USD-equivalent value billed in credits:
	// vendor cost times the tier margin multiplier.
	CreditValue currency.Amount
	// Credits is the whole-credit amount to deduct.
	Credits int64
}

// ToCredits converts vendor cost into credits.
//
// Credits are rounded up, and a request with any positive cost deducts at
// least one credit; only genuinely zero-cost requests deduct zero. The
// caller supplies the tier rates; the converter never looks them up.
func ToCredits(vendorCost currency.Amount, marginMultiplier, creditsPerUSD decimal.Decimal) Conversion {
	value := vendorCost.Mul(marginMultiplier)
	if !value.IsPositive() {
		return Conversion{CreditValue: value}
	}

	credits := value.Mul(creditsPerUSD).CeilInt64()
	if credits < 1 {
		credits = 1
	}
	return Conversion{CreditValue: value, Credits: credits}
}
