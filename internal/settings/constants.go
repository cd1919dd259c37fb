package settings

// DB config keys and defaults for runtime-tunable metering settings.
const (
	// UsageRetentionDaysKey controls how long usage records are kept.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"
	// DefaultUsageRetentionDays is the fallback retention window.
	DefaultUsageRetentionDays = 90
	// BalanceFloorKey overrides the configured ledger balance floor.
	BalanceFloorKey = "BALANCE_FLOOR_CREDITS"
	// AllowNegativeBalanceKey toggles negative balances at runtime.
	AllowNegativeBalanceKey = "ALLOW_NEGATIVE_BALANCE"
)
