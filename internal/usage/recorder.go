// Package usage persists immutable usage records, one per completed request.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMissingRequestID indicates a record without its idempotency key.
var ErrMissingRequestID = errors.New("usage: missing request id")

// Recorder appends usage records. Records are never updated; corrections are
// new compensating records.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder.
func NewRecorder(db *gorm.DB) *Recorder { return &Recorder{db: db} }

// Record persists rec, keyed on the provider request id. Recording the same
// request id again is a no-op that returns the already-persisted row, so a
// retried recording step can never double-write.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) error {
	if r == nil || r.db == nil {
		return errors.New("usage: nil recorder")
	}
	if rec == nil {
		return errors.New("usage: nil record")
	}
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return ErrMissingRequestID
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return fmt.Errorf("usage: create record: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Conflict: the record already exists from an earlier attempt.
	var existing models.UsageRecord
	if errTake := r.db.WithContext(ctx).
		Where("request_id = ?", rec.RequestID).
		Take(&existing).Error; errTake != nil {
		return fmt.Errorf("usage: load existing record: %w", errTake)
	}
	*rec = existing
	return nil
}

// ByRequestID returns the record for a provider request id, if present.
func (r *Recorder) ByRequestID(ctx context.Context, requestID string) (*models.UsageRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("usage: nil recorder")
	}
	var rec models.UsageRecord
	errTake := r.db.WithContext(ctx).
		Where("request_id = ?", strings.TrimSpace(requestID)).
		Take(&rec).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("usage: load record: %w", errTake)
	}
	return &rec, nil
}
