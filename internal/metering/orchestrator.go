package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rephlo/metering/internal/costing"
	"github.com/rephlo/metering/internal/credit"
	"github.com/rephlo/metering/internal/models"
	"github.com/rephlo/metering/internal/pricing"
	"github.com/rephlo/metering/internal/tier"
	"github.com/rephlo/metering/internal/tokencount"
	"github.com/rephlo/metering/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// defaultStepTimeout bounds each database or cache step so one slow
// dependency cannot hold the request-completion path open.
const defaultStepTimeout = 5 * time.Second

// Orchestrator drives the metering sequence for one completed request:
// count tokens, resolve pricing, compute cost, convert to credits, deduct,
// record. Derivations are pure; only deduction and recording touch state,
// and a crash between the two leaves an unlinked ledger entry that the
// audit trail exposes rather than losing either side.
type Orchestrator struct {
	prices     *pricing.Resolver
	accountant *tokencount.Accountant
	ledger     *credit.Ledger
	recorder   *usage.Recorder
	tiers      tier.Resolver

	stepTimeout time.Duration
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(prices *pricing.Resolver, accountant *tokencount.Accountant, ledger *credit.Ledger, recorder *usage.Recorder, tiers tier.Resolver) *Orchestrator {
	return &Orchestrator{
		prices:      prices,
		accountant:  accountant,
		ledger:      ledger,
		recorder:    recorder,
		tiers:       tiers,
		stepTimeout: defaultStepTimeout,
	}
}

// SetStepTimeout overrides the per-step timeout.
func (o *Orchestrator) SetStepTimeout(d time.Duration) {
	if d > 0 {
		o.stepTimeout = d
	}
}

// Preflight reports whether the user has any credit headroom before a
// provider call is made. It is advisory: the race between preflight and the
// post-response deduction is closed by the ledger, not here.
func (o *Orchestrator) Preflight(ctx context.Context, userID uint64) error {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	balances, err := o.ledger.Balances(ctx, userID)
	if err != nil {
		return err
	}
	var remaining int64
	current := false
	for i := range balances {
		if !balances[i].IsCurrent {
			continue
		}
		current = true
		remaining += balances[i].Remaining()
	}
	if !current {
		return credit.ErrNoCurrentBalance
	}
	if remaining <= 0 {
		return credit.ErrInsufficientFloor
	}
	return nil
}

// OnRequestComplete meters one finished provider call. The provider response
// was already delivered to the client, so every failure mode still leaves a
// usage record behind: unbillable requests are recorded as flagged instead
// of silently dropped.
func (o *Orchestrator) OnRequestComplete(ctx context.Context, userID uint64, res ProviderResult) (Outcome, error) {
	if res.RequestID == "" {
		res.RequestID = uuid.NewString()
	}
	if res.RequestedAt.IsZero() {
		res.RequestedAt = time.Now().UTC()
	}

	tc := o.resolveTier(ctx, userID, res.RequestedAt)

	counts, err := o.accountant.Count(tokencount.Request{
		Model:    res.Model,
		Messages: res.Messages,
		Prompt:   res.Prompt,
	}, tokencount.Response{
		Text:      res.ResponseText,
		Usage:     res.Usage,
		Streaming: res.Streaming,
		Chunks:    res.StreamChunks,
	})
	if err != nil {
		if res.Failed {
			// A failed call with no usable usage is still a free error row.
			rec := o.buildRecord(userID, tc, res, tokencount.Counts{}, models.UsageStatusError)
			rec.ErrorDetail = errorDetail("provider call failed", nil, res)
			if errRec := o.record(ctx, rec); errRec != nil {
				return Outcome{Status: StatusFlagged}, errRec
			}
			return Outcome{Status: StatusZeroCost, UsageRecordID: rec.ID}, nil
		}
		rec := o.buildRecord(userID, tc, res, counts, models.UsageStatusFlagged)
		rec.ErrorDetail = errorDetail("token accounting failed", err, res)
		o.recordBestEffort(ctx, rec)
		return Outcome{Status: StatusFlagged, UsageRecordID: rec.ID}, fmt.Errorf("metering: count tokens for request %s: %w", res.RequestID, err)
	}

	if res.Failed {
		// Failed provider calls cost the user nothing but are kept for
		// the error-rate view.
		rec := o.buildRecord(userID, tc, res, counts, models.UsageStatusError)
		rec.ErrorDetail = errorDetail("provider call failed", nil, res)
		if errRec := o.record(ctx, rec); errRec != nil {
			return Outcome{Status: StatusFlagged}, errRec
		}
		return Outcome{Status: StatusZeroCost, UsageRecordID: rec.ID, Estimated: counts.Estimated}, nil
	}

	price, err := o.resolvePricing(ctx, res, counts.Input)
	if err != nil {
		rec := o.buildRecord(userID, tc, res, counts, models.UsageStatusFlagged)
		rec.ErrorDetail = errorDetail("pricing unavailable", err, res)
		o.recordBestEffort(ctx, rec)
		return Outcome{Status: StatusFlagged, UsageRecordID: rec.ID, Estimated: counts.Estimated},
			fmt.Errorf("metering: resolve pricing for %s/%s: %w", res.Provider, res.Model, err)
	}

	breakdown, err := costing.Calculate(counts, price)
	if err != nil {
		rec := o.buildRecord(userID, tc, res, counts, models.UsageStatusFlagged)
		rec.ErrorDetail = errorDetail("cost calculation failed", err, res)
		o.recordBestEffort(ctx, rec)
		return Outcome{Status: StatusFlagged, UsageRecordID: rec.ID, Estimated: counts.Estimated},
			fmt.Errorf("metering: cost request %s: %w", res.RequestID, err)
	}

	conv := credit.ToCredits(breakdown.Total, tc.Rates.MarginMultiplier, tc.Rates.CreditsPerUSD)

	rec := o.buildRecord(userID, tc, res, counts, models.UsageStatusSuccess)
	rec.VendorCostMicros = breakdown.Total.Micros()
	rec.CreditValueMicros = conv.CreditValue.Micros()
	rec.CreditsDeducted = conv.Credits

	if conv.Credits == 0 {
		if errRec := o.record(ctx, rec); errRec != nil {
			return Outcome{Status: StatusFlagged}, errRec
		}
		return Outcome{Status: StatusZeroCost, UsageRecordID: rec.ID, Estimated: counts.Estimated}, nil
	}

	mutation, err := o.deduct(ctx, userID, conv.Credits)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrInsufficientFloor):
			rec.Status = models.UsageStatusShortfall
			rec.CreditsDeducted = 0
			if errRec := o.record(ctx, rec); errRec != nil {
				return Outcome{Status: StatusFlagged}, errRec
			}
			log.WithFields(log.Fields{
				"user_id":    userID,
				"request_id": res.RequestID,
				"credits":    conv.Credits,
			}).Warn("credit shortfall after delivered response")
			return Outcome{Status: StatusShortfall, UsageRecordID: rec.ID, Estimated: counts.Estimated}, nil
		default:
			rec.Status = models.UsageStatusFlagged
			rec.CreditsDeducted = 0
			rec.ErrorDetail = errorDetail("deduction failed", err, res)
			o.recordBestEffort(ctx, rec)
			return Outcome{Status: StatusFlagged, UsageRecordID: rec.ID, Estimated: counts.Estimated},
				fmt.Errorf("metering: deduct %d credits for request %s: %w", conv.Credits, res.RequestID, err)
		}
	}

	rec.CreditEntryID = &mutation.EntryID
	if errRec := o.record(ctx, rec); errRec != nil {
		// The deduction is committed. Surface the error so the caller can
		// retry recording; Record is idempotent on the request id, and the
		// entry id in the outcome lets an operator reconcile by hand.
		log.WithError(errRec).WithFields(log.Fields{
			"request_id": res.RequestID,
			"entry_id":   mutation.EntryID,
		}).Error("usage recording failed after deduction")
		return Outcome{
			Status:          StatusFlagged,
			CreditsDeducted: conv.Credits,
			NewBalance:      mutation.NewBalance,
			EntryID:         mutation.EntryID,
			Estimated:       counts.Estimated,
		}, fmt.Errorf("metering: record usage for request %s: %w", res.RequestID, errRec)
	}

	if errLink := o.link(ctx, mutation.EntryID, rec.ID); errLink != nil {
		log.WithError(errLink).WithFields(log.Fields{
			"entry_id":  mutation.EntryID,
			"record_id": rec.ID,
		}).Warn("failed to link usage record to ledger entry")
	}

	return Outcome{
		Status:          StatusRecorded,
		CreditsDeducted: conv.Credits,
		NewBalance:      mutation.NewBalance,
		UsageRecordID:   rec.ID,
		EntryID:         mutation.EntryID,
		Estimated:       counts.Estimated,
	}, nil
}

// resolveTier looks up the active tier, defaulting to Free when the
// subscription subsystem is unavailable. Undercharging a request beats
// blocking the metering path.
func (o *Orchestrator) resolveTier(ctx context.Context, userID uint64, at time.Time) tier.Context {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	tc, err := o.tiers.ActiveTier(ctx, userID, at)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("tier resolution failed, defaulting to free")
		return tier.Context{Tier: tier.Free, Rates: tier.Free.Rates()}
	}
	return tc
}

// resolvePricing resolves pricing with one bounded retry for transient
// failures. A missing price row is terminal, not transient.
func (o *Orchestrator) resolvePricing(ctx context.Context, res ProviderResult, inputTokens int64) (pricing.Pricing, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		p, err := o.prices.Resolve(stepCtx, res.Provider, res.Model, res.RequestedAt, inputTokens)
		cancel()
		if err == nil {
			return p, nil
		}
		if errors.Is(err, pricing.ErrNotFound) || ctx.Err() != nil {
			return pricing.Pricing{}, err
		}
		lastErr = err
	}
	return pricing.Pricing{}, lastErr
}

// deduct applies the deduction with one bounded retry on a write conflict.
func (o *Orchestrator) deduct(ctx context.Context, userID uint64, amount int64) (credit.MutationResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		mutation, err := o.ledger.Deduct(stepCtx, userID, amount, nil)
		cancel()
		if err == nil {
			return mutation, nil
		}
		if !errors.Is(err, credit.ErrWriteConflict) || ctx.Err() != nil {
			return credit.MutationResult{}, err
		}
		lastErr = err
	}
	return credit.MutationResult{}, lastErr
}

// record persists the usage record with one bounded retry. Recording is
// idempotent on the request id, so the retry cannot double-write.
func (o *Orchestrator) record(ctx context.Context, rec *models.UsageRecord) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		err := o.recorder.Record(stepCtx, rec)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, usage.ErrMissingRequestID) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// recordBestEffort records a flagged row without masking the error already
// being returned to the caller.
func (o *Orchestrator) recordBestEffort(ctx context.Context, rec *models.UsageRecord) {
	if err := o.record(ctx, rec); err != nil {
		log.WithError(err).WithField("request_id", rec.RequestID).Error("failed to record flagged usage")
	}
}

// link attaches the usage record to its ledger entry.
func (o *Orchestrator) link(ctx context.Context, entryID, recordID uint64) error {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	return o.ledger.LinkUsageRecord(ctx, entryID, recordID)
}

// buildRecord assembles the usage row shared by every outcome path.
func (o *Orchestrator) buildRecord(userID uint64, tc tier.Context, res ProviderResult, counts tokencount.Counts, status models.UsageStatus) *models.UsageRecord {
	margin, _ := tc.Rates.MarginMultiplier.Float64()
	return &models.UsageRecord{
		RequestID:           res.RequestID,
		UserID:              userID,
		SubscriptionID:      tc.SubscriptionID,
		Provider:            res.Provider,
		Model:               res.Model,
		InputTokens:         counts.Input,
		OutputTokens:        counts.Output,
		CachedInputTokens:   counts.CachedInput,
		CacheCreationTokens: counts.CacheCreation,
		ImageTokens:         counts.Image,
		Estimated:           counts.Estimated,
		Kind:                requestKind(res),
		StreamComplete:      !res.Streaming || !res.Cancelled,
		Status:              status,
		LatencyMS:           res.Latency.Milliseconds(),
		Failed:              res.Failed,
		MarginMultiplier:    margin,
		Tier:                tc.Tier.String(),
		RequestedAt:         res.RequestedAt,
	}
}

// requestKind classifies the request shape for the usage row.
func requestKind(res ProviderResult) models.RequestKind {
	if res.Streaming {
		return models.RequestKindStream
	}
	if len(res.Messages) > 0 {
		return models.RequestKindChat
	}
	return models.RequestKindCompletion
}

// errorDetail builds the structured error blob stored on unbillable rows.
func errorDetail(message string, err error, res ProviderResult) datatypes.JSON {
	detail := map[string]any{"message": message}
	if err != nil {
		detail["error"] = err.Error()
	}
	if res.ErrorStatusCode != 0 {
		detail["status_code"] = res.ErrorStatusCode
	}
	if len(res.ErrorBody) > 0 {
		body := res.ErrorBody
		if len(body) > 2048 {
			body = body[:2048]
		}
		if json.Valid(body) {
			detail["body"] = json.RawMessage(body)
		} else {
			detail["body"] = string(body)
		}
	}
	if res.FinishReason != "" {
		detail["finish_reason"] = res.FinishReason
	}
	raw, _ := json.Marshal(detail)
	return datatypes.JSON(raw)
}
