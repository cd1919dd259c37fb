package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rephlo/metering/internal/db"
	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

func openUsageDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func sampleRecord(requestID string) *models.UsageRecord {
	return &models.UsageRecord{
		RequestID:        requestID,
		UserID:           1,
		Provider:         "openai",
		Model:            "gpt-4o",
		InputTokens:      1000,
		OutputTokens:     500,
		Kind:             models.RequestKindChat,
		StreamComplete:   true,
		Status:           models.UsageStatusSuccess,
		MarginMultiplier: 1.5,
		Tier:             "pro",
		VendorCostMicros: 25000,
		CreditsDeducted:  4,
		RequestedAt:      time.Now().UTC(),
	}
}

func TestRecordPersistsRow(t *testing.T) {
	conn := openUsageDB(t)
	recorder := NewRecorder(conn)

	rec := sampleRecord("req-1")
	if err := recorder.Record(context.Background(), rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("expected assigned primary key")
	}

	loaded, err := recorder.ByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.CreditsDeducted != 4 || loaded.Provider != "openai" {
		t.Fatalf("unexpected loaded record: %+v", loaded)
	}
}

func TestRecordKeepsFalseStreamComplete(t *testing.T) {
	conn := openUsageDB(t)
	recorder := NewRecorder(conn)

	// A cancelled stream writes StreamComplete=false; the flag must survive
	// the insert instead of collapsing to a column default.
	rec := sampleRecord("req-cancelled")
	rec.Kind = models.RequestKindStream
	rec.StreamComplete = false
	rec.Estimated = true
	if err := recorder.Record(context.Background(), rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	loaded, err := recorder.ByRequestID(context.Background(), "req-cancelled")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected persisted record")
	}
	if loaded.StreamComplete {
		t.Fatal("expected StreamComplete=false to be persisted")
	}
	if !loaded.Estimated {
		t.Fatal("expected estimated flag to be persisted")
	}
}

func TestRecordIsIdempotentOnRequestID(t *testing.T) {
	conn := openUsageDB(t)
	recorder := NewRecorder(conn)

	first := sampleRecord("req-dup")
	if err := recorder.Record(context.Background(), first); err != nil {
		t.Fatalf("first record: %v", err)
	}

	// A retry with different numbers must not create a second row or
	// mutate the first.
	second := sampleRecord("req-dup")
	second.CreditsDeducted = 99
	if err := recorder.Record(context.Background(), second); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected retry to return existing row %d, got %d", first.ID, second.ID)
	}
	if second.CreditsDeducted != 4 {
		t.Fatalf("expected persisted values, got credits %d", second.CreditsDeducted)
	}

	var count int64
	if errCount := conn.Model(&models.UsageRecord{}).
		Where("request_id = ?", "req-dup").
		Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}

func TestRecordRequiresRequestID(t *testing.T) {
	recorder := NewRecorder(openUsageDB(t))
	rec := sampleRecord("  ")
	if err := recorder.Record(context.Background(), rec); !errors.Is(err, ErrMissingRequestID) {
		t.Fatalf("expected ErrMissingRequestID, got %v", err)
	}
}

func TestByRequestIDMissingReturnsNil(t *testing.T) {
	recorder := NewRecorder(openUsageDB(t))
	rec, err := recorder.ByRequestID(context.Background(), "absent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for missing record, got %+v", rec)
	}
}
