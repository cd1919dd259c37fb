package models

import (
	"time"

	"gorm.io/datatypes"
)

// CreditType splits a user's balance into monthly (free) and purchased pools.
type CreditType string

// Credit types. Deductions drain free credits before purchased ones.
const (
	CreditTypeFree      CreditType = "free"
	CreditTypePurchased CreditType = "purchased"
)

// EntryKind classifies a ledger entry.
type EntryKind string

// Ledger entry kinds.
const (
	EntryKindDeduct   EntryKind = "deduct"
	EntryKindAllocate EntryKind = "allocate"
	EntryKindReverse  EntryKind = "reverse"
)

// AllocationSource records where allocated credits came from.
type AllocationSource string

// Allocation sources.
const (
	AllocationSourceSubscription AllocationSource = "subscription"
	AllocationSourceCoupon       AllocationSource = "coupon"
	AllocationSourceAdmin        AllocationSource = "admin"
	AllocationSourceReferral     AllocationSource = "referral"
)

// CreditBalance is one billing-period balance row per (user, credit type).
// Exactly one row per pair has IsCurrent set; period rollover flips the flag
// and opens a new row, keeping history for reporting.
type CreditBalance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID     uint64     `gorm:"not null;index:idx_credit_balances_user_type"` // Owning user.
	CreditType CreditType `gorm:"type:text;not null;index:idx_credit_balances_user_type"` // Balance pool.

	TotalCredits      int64 `gorm:"not null;default:0"` // Credits available this period.
	UsedCredits       int64 `gorm:"not null;default:0"` // Credits consumed this period.
	MonthlyAllocation int64 `gorm:"not null;default:0"` // Credits granted at each rollover.

	PeriodStart time.Time `gorm:"not null"`       // Billing period start.
	PeriodEnd   time.Time `gorm:"not null;index"` // Billing period end.
	ResetDay    int       `gorm:"not null;default:1"` // Day of month the period resets.

	IsCurrent bool `gorm:"not null;index"` // Marks the active period row.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Remaining returns the credits left in this balance row.
func (b *CreditBalance) Remaining() int64 { return b.TotalCredits - b.UsedCredits }

// CreditEntry is the atomic audit unit of balance mutation. The ledger never
// touches a CreditBalance without writing exactly one entry in the same
// transaction.
type CreditEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EntryID string `gorm:"type:text;not null;uniqueIndex"` // External UUID for the entry.

	UserID     uint64     `gorm:"not null;index"`     // Affected user.
	CreditType CreditType `gorm:"type:text;not null"` // Affected balance pool.
	Kind       EntryKind  `gorm:"type:text;not null"` // deduct, allocate or reverse.

	Source AllocationSource `gorm:"type:text"` // Allocation source; empty for deductions.

	Amount       int64 `gorm:"not null"` // Credits moved; always positive.
	BalanceAfter int64 `gorm:"not null"` // Remaining balance after the mutation.

	UsageRecordID   *uint64 `gorm:"index"` // Usage record this deduction paid for.
	ReversesEntryID *uint64 `gorm:"index"` // Original entry, for reversal rows.

	ReversedAt *time.Time // Set on the original entry once reversed.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Free-form context (reason, operator).

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
