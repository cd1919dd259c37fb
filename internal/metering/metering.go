// Package metering sequences pricing, token accounting, cost and credit
// conversion, ledger deduction, and usage recording for one LLM request
// lifecycle. It is the single entry point the inference-serving layer calls
// after a provider call returns or a stream terminates.
package metering

import (
	"time"

	"github.com/rephlo/metering/internal/tokencount"
)

// ProviderResult is everything the provider-call collaborator hands over
// once a completion/chat call returns or a stream ends.
type ProviderResult struct {
	// RequestID is the provider request id, the metering idempotency key.
	RequestID string

	Provider string
	Model    string

	Messages []tokencount.Message // chat-style prompt
	Prompt   string               // non-chat prompt

	ResponseText string
	StreamChunks []tokencount.Chunk
	Usage        *tokencount.ReportedUsage

	Streaming    bool
	FinishReason string

	// Failed marks a provider-level failure. Failed requests are recorded
	// but never billed.
	Failed          bool
	ErrorStatusCode int
	ErrorBody       []byte

	// Cancelled marks a stream the client abandoned mid-flight. Whatever
	// tokens were produced before cancellation are still billable.
	Cancelled bool

	RequestedAt time.Time
	Latency     time.Duration
}

// Status is the terminal state of one metering run.
type Status string

// Metering outcomes.
const (
	// StatusRecorded: deducted and recorded, the success path.
	StatusRecorded Status = "recorded"
	// StatusZeroCost: recorded with nothing to deduct (zero-cost or
	// failed request).
	StatusZeroCost Status = "zero_cost"
	// StatusShortfall: the balance floor blocked the deduction; routed to
	// dunning, not retried. The response was already delivered.
	StatusShortfall Status = "shortfall"
	// StatusFlagged: the request could not be costed or billed and is
	// flagged for manual reconciliation.
	StatusFlagged Status = "flagged"
)

// Outcome reports what metering did for one request.
type Outcome struct {
	Status          Status
	CreditsDeducted int64
	NewBalance      int64
	UsageRecordID   uint64
	EntryID         uint64

	// Estimated mirrors the usage record's tokenizer-estimate flag.
	Estimated bool
}
