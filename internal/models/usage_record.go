package models

import (
	"time"

	"gorm.io/datatypes"
)

// RequestKind identifies the shape of the metered request.
type RequestKind string

// Request kinds.
const (
	RequestKindCompletion RequestKind = "completion"
	RequestKindChat       RequestKind = "chat"
	RequestKindStream     RequestKind = "stream"
)

// UsageStatus is the terminal state of a metered request.
type UsageStatus string

// Usage statuses. Flagged rows need manual billing review.
const (
	UsageStatusSuccess   UsageStatus = "success"
	UsageStatusError     UsageStatus = "error"
	UsageStatusFlagged   UsageStatus = "flagged"
	UsageStatusShortfall UsageStatus = "shortfall"
)

// UsageRecord is one immutable metering row per completed request.
// Corrections are written as new compensating rows, never as updates.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;uniqueIndex"` // Provider request id; idempotency key.

	UserID         uint64  `gorm:"not null;index"` // Billed user.
	SubscriptionID *uint64 `gorm:"index"`          // Active subscription, when any.

	Provider string `gorm:"type:text;not null;index"` // Provider name.
	Model    string `gorm:"type:text;not null;index"` // Model name.

	InputTokens         int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens        int64 `gorm:"not null;default:0"` // Output token count.
	CachedInputTokens   int64 `gorm:"not null;default:0"` // Cache-read input token count.
	CacheCreationTokens int64 `gorm:"not null;default:0"` // Cache-write token count.
	ImageTokens         int64 `gorm:"not null;default:0"` // Image token count, when applicable.

	Estimated bool `gorm:"not null;default:false"` // True when counts came from the tokenizer, not the provider.

	Kind           RequestKind `gorm:"type:text;not null"`     // completion, chat or stream.
	StreamComplete bool        `gorm:"not null"`               // False when the stream was cancelled mid-flight.
	Status         UsageStatus `gorm:"type:text;not null"`     // Terminal status.
	LatencyMS      int64       `gorm:"not null;default:0"`     // Provider call latency in milliseconds.
	Failed         bool        `gorm:"not null;default:false"` // Provider-level failure flag.

	VendorCostMicros  int64   `gorm:"not null;default:0"`           // Vendor cost in USD micros.
	MarginMultiplier  float64 `gorm:"type:decimal(20,10);not null"` // Tier margin multiplier applied.
	CreditValueMicros int64   `gorm:"not null;default:0"`           // Credit value in USD micros.
	CreditsDeducted   int64   `gorm:"not null;default:0"`           // Whole credits deducted.

	Tier string `gorm:"type:text;not null"` // User tier at request time.

	CreditEntryID *uint64 `gorm:"index"` // Ledger entry produced by this request, if any.

	ErrorDetail datatypes.JSON `gorm:"type:jsonb"` // Structured error detail JSON.

	RequestedAt time.Time `gorm:"not null;index"`          // Request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
