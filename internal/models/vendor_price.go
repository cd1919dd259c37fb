package models

import "time"

// VendorPrice is one vendor price row for a (provider, model) pair over an
// effective-date range. Prices are USD per 1K tokens. Historical rows are
// never deleted; superseding a price closes the old row's effective range.
type VendorPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:text;not null;index:idx_vendor_prices_provider_model"` // Provider name.
	Model    string `gorm:"type:text;not null;index:idx_vendor_prices_provider_model"` // Model name.

	InputPer1K      float64  `gorm:"type:decimal(20,10);not null"` // Input token price per 1K.
	OutputPer1K     float64  `gorm:"type:decimal(20,10);not null"` // Output token price per 1K.
	CacheReadPer1K  *float64 `gorm:"type:decimal(20,10)"`          // Cache-read price per 1K, if supported.
	CacheWritePer1K *float64 `gorm:"type:decimal(20,10)"`          // Cache-write price per 1K, if supported.

	// High-context price set, used when the request's input token count
	// exceeds ContextThresholdTokens. All four prices are present together
	// or absent together.
	ContextThresholdTokens     *int64   // Context pricing threshold, e.g. 128000 or 200000.
	HighContextInputPer1K      *float64 `gorm:"type:decimal(20,10)"` // High-context input price per 1K.
	HighContextOutputPer1K     *float64 `gorm:"type:decimal(20,10)"` // High-context output price per 1K.
	HighContextCacheReadPer1K  *float64 `gorm:"type:decimal(20,10)"` // High-context cache-read price per 1K.
	HighContextCacheWritePer1K *float64 `gorm:"type:decimal(20,10)"` // High-context cache-write price per 1K.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Start of the effective range.
	EffectiveUntil *time.Time // End of the effective range; nil means open-ended.

	IsActive bool `gorm:"not null"` // Whether the row may be resolved.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// HasHighContext reports whether the row carries a complete high-context
// price set.
func (p *VendorPrice) HasHighContext() bool {
	return p.ContextThresholdTokens != nil &&
		p.HighContextInputPer1K != nil &&
		p.HighContextOutputPer1K != nil
}
