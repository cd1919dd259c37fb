package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rephlo/metering/internal/credit"
	"github.com/rephlo/metering/internal/db"
	"github.com/rephlo/metering/internal/models"
	"github.com/rephlo/metering/internal/pricing"
	"github.com/rephlo/metering/internal/tier"
	"github.com/rephlo/metering/internal/tokencount"
	"github.com/rephlo/metering/internal/usage"
	"gorm.io/gorm"
)

type fixture struct {
	conn     *gorm.DB
	ledger   *credit.Ledger
	recorder *usage.Recorder
	orch     *Orchestrator
}

func newFixture(t *testing.T, tiers map[uint64]tier.Tier, cfg credit.Config) *fixture {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	ledger := credit.NewLedger(conn, cfg)
	recorder := usage.NewRecorder(conn)
	resolver := pricing.NewResolver(pricing.NewGormRepository(conn), pricing.NewMemoryCache(), time.Minute)
	orch := NewOrchestrator(resolver, tokencount.NewAccountant(), ledger, recorder, &tier.StaticResolver{Tiers: tiers})

	return &fixture{conn: conn, ledger: ledger, recorder: recorder, orch: orch}
}

func (f *fixture) seedPrice(t *testing.T, row models.VendorPrice) {
	t.Helper()
	if errCreate := f.conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed price: %v", errCreate)
	}
}

func (f *fixture) openBalance(t *testing.T, userID uint64, credits int64) {
	t.Helper()
	if _, err := f.ledger.OpenPeriod(context.Background(), userID, models.CreditTypeFree, credits, 1, time.Now().UTC()); err != nil {
		t.Fatalf("open period: %v", err)
	}
}

func gpt4oPrice() models.VendorPrice {
	return models.VendorPrice{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    0.01,
		OutputPer1K:   0.03,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
	}
}

func TestOnRequestCompleteDeductsAndRecords(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Pro}, credit.Config{})
	f.seedPrice(t, gpt4oPrice())
	f.openBalance(t, 1, 100)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		RequestID: "req-a",
		Provider:  "openai",
		Model:     "gpt-4o",
		Usage:     &tokencount.ReportedUsage{InputTokens: 1000, OutputTokens: 500, ImageTokens: 85},
	})
	if err != nil {
		t.Fatalf("on request complete: %v", err)
	}
	if outcome.Status != StatusRecorded {
		t.Fatalf("expected StatusRecorded, got %s", outcome.Status)
	}
	// $0.025 at 1.5x margin and 100 credits/USD.
	if outcome.CreditsDeducted != 4 {
		t.Fatalf("expected 4 credits deducted, got %d", outcome.CreditsDeducted)
	}
	if outcome.NewBalance != 96 {
		t.Fatalf("expected balance 96, got %d", outcome.NewBalance)
	}

	rec, errLoad := f.recorder.ByRequestID(context.Background(), "req-a")
	if errLoad != nil || rec == nil {
		t.Fatalf("load record: %v %+v", errLoad, rec)
	}
	if rec.Status != models.UsageStatusSuccess || rec.CreditsDeducted != 4 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.VendorCostMicros != 25000 {
		t.Fatalf("expected 25000 cost micros, got %d", rec.VendorCostMicros)
	}
	if rec.Estimated {
		t.Fatal("provider-reported usage must not be estimated")
	}
	if rec.ImageTokens != 85 {
		t.Fatalf("expected 85 image tokens on record, got %d", rec.ImageTokens)
	}
	if rec.CreditEntryID == nil || *rec.CreditEntryID != outcome.EntryID {
		t.Fatalf("record must reference ledger entry %d: %+v", outcome.EntryID, rec.CreditEntryID)
	}

	var entry models.CreditEntry
	if errTake := f.conn.Take(&entry, outcome.EntryID).Error; errTake != nil {
		t.Fatalf("load entry: %v", errTake)
	}
	if entry.UsageRecordID == nil || *entry.UsageRecordID != rec.ID {
		t.Fatalf("entry must link back to usage record %d: %+v", rec.ID, entry.UsageRecordID)
	}
}

func TestOnRequestCompleteShortfallRecordsWithoutDeducting(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Pro}, credit.Config{})
	f.seedPrice(t, gpt4oPrice())
	f.openBalance(t, 1, 2)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		RequestID: "req-short",
		Provider:  "openai",
		Model:     "gpt-4o",
		Usage:     &tokencount.ReportedUsage{InputTokens: 1000, OutputTokens: 500},
	})
	if err != nil {
		t.Fatalf("shortfall is a business outcome, not an error: %v", err)
	}
	if outcome.Status != StatusShortfall {
		t.Fatalf("expected StatusShortfall, got %s", outcome.Status)
	}
	if outcome.CreditsDeducted != 0 {
		t.Fatalf("expected no deduction, got %d", outcome.CreditsDeducted)
	}

	rec, _ := f.recorder.ByRequestID(context.Background(), "req-short")
	if rec == nil || rec.Status != models.UsageStatusShortfall {
		t.Fatalf("expected shortfall record, got %+v", rec)
	}
	if rec.CreditsDeducted != 0 {
		t.Fatalf("shortfall record must show zero credits, got %d", rec.CreditsDeducted)
	}

	balances, errBalances := f.ledger.Balances(context.Background(), 1)
	if errBalances != nil || len(balances) == 0 {
		t.Fatalf("load balances: %v", errBalances)
	}
	if balances[0].Remaining() != 2 {
		t.Fatalf("balance must be untouched, got %d", balances[0].Remaining())
	}
}

func TestOnRequestCompleteMissingPricingFlags(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Basic}, credit.Config{})
	f.openBalance(t, 1, 100)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		RequestID: "req-nopricing",
		Provider:  "openai",
		Model:     "unpriced-model",
		Usage:     &tokencount.ReportedUsage{InputTokens: 10, OutputTokens: 10},
	})
	if !errors.Is(err, pricing.ErrNotFound) {
		t.Fatalf("expected pricing.ErrNotFound, got %v", err)
	}
	if outcome.Status != StatusFlagged {
		t.Fatalf("expected StatusFlagged, got %s", outcome.Status)
	}

	rec, _ := f.recorder.ByRequestID(context.Background(), "req-nopricing")
	if rec == nil || rec.Status != models.UsageStatusFlagged {
		t.Fatalf("expected flagged record, got %+v", rec)
	}
	if rec.InputTokens != 10 || rec.OutputTokens != 10 {
		t.Fatalf("flagged record must keep token counts, got %+v", rec)
	}
	if len(rec.ErrorDetail) == 0 {
		t.Fatal("flagged record must carry error detail")
	}
}

func TestOnRequestCompleteZeroUsageCostsNothing(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Pro}, credit.Config{})
	f.seedPrice(t, gpt4oPrice())
	f.openBalance(t, 1, 100)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		RequestID: "req-zero",
		Provider:  "openai",
		Model:     "gpt-4o",
		Usage:     &tokencount.ReportedUsage{},
	})
	if err != nil {
		t.Fatalf("on request complete: %v", err)
	}
	if outcome.Status != StatusZeroCost {
		t.Fatalf("expected StatusZeroCost, got %s", outcome.Status)
	}

	rec, _ := f.recorder.ByRequestID(context.Background(), "req-zero")
	if rec == nil || rec.Status != models.UsageStatusSuccess || rec.CreditsDeducted != 0 {
		t.Fatalf("expected zero-cost success record, got %+v", rec)
	}

	var entryCount int64
	if errCount := f.conn.Model(&models.CreditEntry{}).Count(&entryCount).Error; errCount != nil {
		t.Fatalf("count entries: %v", errCount)
	}
	if entryCount != 0 {
		t.Fatalf("zero-cost request must not touch the ledger, got %d entries", entryCount)
	}
}

func TestOnRequestCompleteFailedProviderCallIsFree(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Pro}, credit.Config{})
	f.seedPrice(t, gpt4oPrice())
	f.openBalance(t, 1, 100)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		RequestID:       "req-failed",
		Provider:        "openai",
		Model:           "gpt-4o",
		Usage:           &tokencount.ReportedUsage{InputTokens: 500},
		Failed:          true,
		ErrorStatusCode: 500,
		ErrorBody:       []byte(`{"error":"upstream exploded"}`),
	})
	if err != nil {
		t.Fatalf("on request complete: %v", err)
	}
	if outcome.Status != StatusZeroCost {
		t.Fatalf("expected StatusZeroCost, got %s", outcome.Status)
	}

	rec, _ := f.recorder.ByRequestID(context.Background(), "req-failed")
	if rec == nil || rec.Status != models.UsageStatusError || !rec.Failed {
		t.Fatalf("expected error record, got %+v", rec)
	}
	if rec.CreditsDeducted != 0 {
		t.Fatalf("failed request must not bill, got %d", rec.CreditsDeducted)
	}
	if len(rec.ErrorDetail) == 0 {
		t.Fatal("error record must carry error detail")
	}
}

func TestOnRequestCompleteCancelledStreamIsEstimatedAndBilled(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Pro}, credit.Config{})
	f.seedPrice(t, gpt4oPrice())
	f.openBalance(t, 1, 100)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		RequestID: "req-cancel",
		Provider:  "openai",
		Model:     "gpt-4o",
		Messages: []tokencount.Message{
			{Role: "user", Content: "Draft an email to the vendor about the late shipment."},
		},
		Streaming: true,
		Cancelled: true,
		StreamChunks: []tokencount.Chunk{
			{Text: "Dear vendor, I am writing about"},
		},
	})
	if err != nil {
		t.Fatalf("on request complete: %v", err)
	}
	if outcome.Status != StatusRecorded {
		t.Fatalf("expected cancelled stream to be billed, got %s", outcome.Status)
	}
	if !outcome.Estimated {
		t.Fatal("cancelled stream without usage must be estimated")
	}
	if outcome.CreditsDeducted < 1 {
		t.Fatalf("expected at least 1 credit deducted, got %d", outcome.CreditsDeducted)
	}

	rec, _ := f.recorder.ByRequestID(context.Background(), "req-cancel")
	if rec == nil || !rec.Estimated || rec.StreamComplete {
		t.Fatalf("expected estimated incomplete-stream record, got %+v", rec)
	}
	if rec.Kind != models.RequestKindStream {
		t.Fatalf("expected stream kind, got %s", rec.Kind)
	}
}

func TestOnRequestCompleteGeneratesRequestID(t *testing.T) {
	f := newFixture(t, map[uint64]tier.Tier{1: tier.Pro}, credit.Config{})
	f.seedPrice(t, gpt4oPrice())
	f.openBalance(t, 1, 100)

	outcome, err := f.orch.OnRequestComplete(context.Background(), 1, ProviderResult{
		Provider: "openai",
		Model:    "gpt-4o",
		Usage:    &tokencount.ReportedUsage{InputTokens: 100, OutputTokens: 100},
	})
	if err != nil {
		t.Fatalf("on request complete: %v", err)
	}
	if outcome.UsageRecordID == 0 {
		t.Fatal("expected usage record to be created")
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, nil, credit.Config{})

	if err := f.orch.Preflight(context.Background(), 9); !errors.Is(err, credit.ErrNoCurrentBalance) {
		t.Fatalf("expected ErrNoCurrentBalance, got %v", err)
	}

	f.openBalance(t, 9, 5)
	if err := f.orch.Preflight(context.Background(), 9); err != nil {
		t.Fatalf("preflight with credits: %v", err)
	}

	if _, err := f.ledger.Deduct(context.Background(), 9, 5, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if err := f.orch.Preflight(context.Background(), 9); !errors.Is(err, credit.ErrInsufficientFloor) {
		t.Fatalf("expected ErrInsufficientFloor at zero balance, got %v", err)
	}
}
