package credit

import (
	"context"
	"testing"
	"time"

	"github.com/rephlo/metering/internal/models"
)

func TestOpenPeriodSupersedesCurrentRow(t *testing.T) {
	ledger, conn := newTestLedger(t, Config{})
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	first, err := ledger.OpenPeriod(context.Background(), 1, models.CreditTypeFree, 100, 5, start)
	if err != nil {
		t.Fatalf("open first period: %v", err)
	}
	second, err := ledger.OpenPeriod(context.Background(), 1, models.CreditTypeFree, 200, 5, start.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("open second period: %v", err)
	}

	var old models.CreditBalance
	if errTake := conn.Take(&old, first.ID).Error; errTake != nil {
		t.Fatalf("load first row: %v", errTake)
	}
	if old.IsCurrent {
		t.Fatal("expected first row to be superseded")
	}

	var currentCount int64
	if errCount := conn.Model(&models.CreditBalance{}).
		Where("user_id = ? AND credit_type = ? AND is_current = ?", 1, models.CreditTypeFree, true).
		Count(&currentCount).Error; errCount != nil {
		t.Fatalf("count current rows: %v", errCount)
	}
	if currentCount != 1 {
		t.Fatalf("expected exactly one current row, got %d", currentCount)
	}
	if second.TotalCredits != 200 {
		t.Fatalf("expected new allocation 200, got %d", second.TotalCredits)
	}
}

func TestRolloverResetsFreeCredits(t *testing.T) {
	ledger, _ := newTestLedger(t, Config{})
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	openFreeBalance(t, ledger, 1, 100)

	if _, err := ledger.Deduct(context.Background(), 1, 80, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	next, err := ledger.Rollover(context.Background(), 1, models.CreditTypeFree, start.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	// Unused free credits do not accumulate.
	if next.TotalCredits != 100 || next.UsedCredits != 0 {
		t.Fatalf("expected fresh 100-credit period, got %+v", next)
	}
}

func TestRolloverCarriesPurchasedCredits(t *testing.T) {
	ledger, _ := newTestLedger(t, Config{})
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if _, err := ledger.OpenPeriod(context.Background(), 1, models.CreditTypePurchased, 0, 1, start); err != nil {
		t.Fatalf("open purchased period: %v", err)
	}
	if _, err := ledger.Allocate(context.Background(), 1, models.CreditTypePurchased, 500, models.AllocationSourceSubscription); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := ledger.Deduct(context.Background(), 1, 120, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	next, err := ledger.Rollover(context.Background(), 1, models.CreditTypePurchased, start.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if next.Remaining() != 380 {
		t.Fatalf("expected 380 purchased credits carried forward, got %d", next.Remaining())
	}
}

func TestNextResetClampsDayAndAdvancesMonth(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	got := nextReset(start, 5)
	if want := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	got = nextReset(start, 15)
	if want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	// Day 31 clamps to 1 so February still has a reset.
	got = nextReset(start, 31)
	if want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
