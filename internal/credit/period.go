package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

// OpenPeriod creates the current balance row for (user, credit type),
// superseding any existing current row. Used at subscription start and by
// Rollover; historical rows are kept for reporting.
func (l *Ledger) OpenPeriod(ctx context.Context, userID uint64, creditType models.CreditType, allocation int64, resetDay int, start time.Time) (models.CreditBalance, error) {
	if l == nil || l.db == nil {
		return models.CreditBalance{}, errors.New("credit: nil ledger")
	}
	if allocation < 0 {
		return models.CreditBalance{}, fmt.Errorf("credit: allocation must not be negative, got %d", allocation)
	}
	if resetDay < 1 || resetDay > 28 {
		resetDay = 1
	}
	start = start.UTC()

	var out models.CreditBalance
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errClose := tx.Model(&models.CreditBalance{}).
			Where("user_id = ? AND credit_type = ? AND is_current = ?", userID, creditType, true).
			Update("is_current", false).Error; errClose != nil {
			return errClose
		}

		row := models.CreditBalance{
			UserID:            userID,
			CreditType:        creditType,
			TotalCredits:      allocation,
			MonthlyAllocation: allocation,
			PeriodStart:       start,
			PeriodEnd:         nextReset(start, resetDay),
			ResetDay:          resetDay,
			IsCurrent:         true,
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}
		out = row
		return nil
	})
	if errTx != nil {
		return models.CreditBalance{}, errTx
	}
	return out, nil
}

// Rollover closes the user's current row of the given type and opens the
// next period. Free credits reset to the monthly allocation; purchased
// credits carry their remaining balance forward.
func (l *Ledger) Rollover(ctx context.Context, userID uint64, creditType models.CreditType, now time.Time) (models.CreditBalance, error) {
	if l == nil || l.db == nil {
		return models.CreditBalance{}, errors.New("credit: nil ledger")
	}
	now = now.UTC()

	var out models.CreditBalance
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, errRows := currentBalances(tx, userID, creditType)
		if errRows != nil {
			return errRows
		}
		if len(rows) == 0 {
			return ErrNoCurrentBalance
		}
		old := &rows[0]

		if errClose := tx.Model(&models.CreditBalance{}).
			Where("id = ?", old.ID).
			Update("is_current", false).Error; errClose != nil {
			return errClose
		}

		total := old.MonthlyAllocation
		if creditType == models.CreditTypePurchased && old.Remaining() > 0 {
			total += old.Remaining()
		}

		row := models.CreditBalance{
			UserID:            userID,
			CreditType:        creditType,
			TotalCredits:      total,
			MonthlyAllocation: old.MonthlyAllocation,
			PeriodStart:       now,
			PeriodEnd:         nextReset(now, old.ResetDay),
			ResetDay:          old.ResetDay,
			IsCurrent:         true,
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}
		out = row
		return nil
	})
	if errTx != nil {
		return models.CreditBalance{}, errTx
	}
	return out, nil
}

// nextReset returns the first occurrence of resetDay strictly after start.
// Reset days are capped at 28 so every month has one.
func nextReset(start time.Time, resetDay int) time.Time {
	if resetDay < 1 || resetDay > 28 {
		resetDay = 1
	}
	candidate := time.Date(start.Year(), start.Month(), resetDay, 0, 0, 0, 0, time.UTC)
	if !candidate.After(start) {
		candidate = candidate.AddDate(0, 1, 0)
	}
	return candidate
}
