// Package credit owns the authoritative credit balances. Every balance
// mutation happens inside one database transaction together with exactly one
// CreditEntry audit row; the ledger never applies one without the other.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	dbutil "github.com/rephlo/metering/internal/db"
	"github.com/rephlo/metering/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger errors.
var (
	// ErrInsufficientFloor indicates the deduction would drive the balance
	// below the configured floor. A business condition, not a fault.
	ErrInsufficientFloor = errors.New("credit: deduction below balance floor")
	// ErrNoCurrentBalance indicates no current-period balance row exists,
	// which means a period rollover is missing.
	ErrNoCurrentBalance = errors.New("credit: no current balance row")
	// ErrWriteConflict indicates the conditional balance update lost a
	// race. Transient; retry bounded, never in a loop.
	ErrWriteConflict = errors.New("credit: balance write conflict")
	// ErrEntryNotFound indicates the referenced ledger entry does not exist.
	ErrEntryNotFound = errors.New("credit: ledger entry not found")
	// ErrNotReversible indicates the entry is not a deduction.
	ErrNotReversible = errors.New("credit: entry is not a deduction")
)

// Config is the balance floor policy.
type Config struct {
	// AllowNegative permits balances below zero down to FloorCredits.
	AllowNegative bool
	// FloorCredits is the lowest balance a deduction may leave. Ignored
	// (treated as zero) unless AllowNegative is set or the value is
	// positive.
	FloorCredits int64
}

// Floor returns the effective balance floor.
func (c Config) Floor() int64 {
	if c.AllowNegative {
		return c.FloorCredits
	}
	if c.FloorCredits > 0 {
		return c.FloorCredits
	}
	return 0
}

// Ledger performs atomic deduction, allocation and reversal.
type Ledger struct {
	db  *gorm.DB
	cfg Config
}

// NewLedger constructs a Ledger.
func NewLedger(db *gorm.DB, cfg Config) *Ledger {
	return &Ledger{db: db, cfg: cfg}
}

// MutationResult describes one applied balance mutation.
type MutationResult struct {
	EntryID    uint64
	EntryUUID  string
	CreditType models.CreditType
	NewBalance int64
}

// ReverseResult describes a reversal attempt.
type ReverseResult struct {
	// Reversed is false when the entry was already reversed; the call is
	// then a reported no-op, not an error.
	Reversed   bool
	EntryID    uint64
	NewBalance int64
}

// lockForUpdate applies a row lock where the dialect supports one. SQLite
// runs on a single write connection instead.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if dbutil.SupportsRowLocking(tx) {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// Deduct atomically deducts amount credits from the user's current balance,
// draining free credits before purchased ones. A single balance row absorbs
// the whole deduction so the audit trail stays one entry per mutation.
func (l *Ledger) Deduct(ctx context.Context, userID uint64, amount int64, usageRecordID *uint64) (MutationResult, error) {
	return l.deduct(ctx, userID, "", amount, usageRecordID)
}

// DeductFrom is Deduct restricted to one credit type.
func (l *Ledger) DeductFrom(ctx context.Context, userID uint64, creditType models.CreditType, amount int64, usageRecordID *uint64) (MutationResult, error) {
	return l.deduct(ctx, userID, creditType, amount, usageRecordID)
}

func (l *Ledger) deduct(ctx context.Context, userID uint64, creditType models.CreditType, amount int64, usageRecordID *uint64) (MutationResult, error) {
	if l == nil || l.db == nil {
		return MutationResult{}, errors.New("credit: nil ledger")
	}
	if amount <= 0 {
		return MutationResult{}, fmt.Errorf("credit: deduction amount must be positive, got %d", amount)
	}

	floor := l.cfg.Floor()
	var out MutationResult
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, errRows := currentBalances(tx, userID, creditType)
		if errRows != nil {
			return errRows
		}
		if len(rows) == 0 {
			return ErrNoCurrentBalance
		}

		var target *models.CreditBalance
		for i := range rows {
			if rows[i].Remaining()-amount >= floor {
				target = &rows[i]
				break
			}
		}
		if target == nil {
			return ErrInsufficientFloor
		}

		now := time.Now().UTC()
		res := tx.Model(&models.CreditBalance{}).
			Where("id = ? AND is_current = ?", target.ID, true).
			Where("total_credits - used_credits - ? >= ?", amount, floor).
			Updates(map[string]any{
				"used_credits": gorm.Expr("used_credits + ?", amount),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrWriteConflict
		}

		newBalance, errBalance := reloadRemaining(tx, target.ID)
		if errBalance != nil {
			return errBalance
		}

		entry := models.CreditEntry{
			EntryID:       uuid.NewString(),
			UserID:        userID,
			CreditType:    target.CreditType,
			Kind:          models.EntryKindDeduct,
			Amount:        amount,
			BalanceAfter:  newBalance,
			UsageRecordID: usageRecordID,
			CreatedAt:     now,
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return errCreate
		}

		out = MutationResult{
			EntryID:    entry.ID,
			EntryUUID:  entry.EntryID,
			CreditType: target.CreditType,
			NewBalance: newBalance,
		}
		return nil
	})
	if errTx != nil {
		return MutationResult{}, errTx
	}
	return out, nil
}

// Allocate atomically adds credits to the user's current balance row of the
// given type, recording the allocation source.
func (l *Ledger) Allocate(ctx context.Context, userID uint64, creditType models.CreditType, amount int64, source models.AllocationSource) (MutationResult, error) {
	if l == nil || l.db == nil {
		return MutationResult{}, errors.New("credit: nil ledger")
	}
	if amount <= 0 {
		return MutationResult{}, fmt.Errorf("credit: allocation amount must be positive, got %d", amount)
	}

	var out MutationResult
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, errRows := currentBalances(tx, userID, creditType)
		if errRows != nil {
			return errRows
		}
		if len(rows) == 0 {
			return ErrNoCurrentBalance
		}
		target := &rows[0]

		now := time.Now().UTC()
		res := tx.Model(&models.CreditBalance{}).
			Where("id = ? AND is_current = ?", target.ID, true).
			Updates(map[string]any{
				"total_credits": gorm.Expr("total_credits + ?", amount),
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrWriteConflict
		}

		newBalance, errBalance := reloadRemaining(tx, target.ID)
		if errBalance != nil {
			return errBalance
		}

		entry := models.CreditEntry{
			EntryID:      uuid.NewString(),
			UserID:       userID,
			CreditType:   creditType,
			Kind:         models.EntryKindAllocate,
			Source:       source,
			Amount:       amount,
			BalanceAfter: newBalance,
			CreatedAt:    now,
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return errCreate
		}

		out = MutationResult{
			EntryID:    entry.ID,
			EntryUUID:  entry.EntryID,
			CreditType: creditType,
			NewBalance: newBalance,
		}
		return nil
	})
	if errTx != nil {
		return MutationResult{}, errTx
	}
	return out, nil
}

// Reverse refunds a deduction entry. The refund restores exactly the
// original entry's amount, fixed at deduction time, never recomputed against
// current pricing. Reversing an already-reversed entry is a no-op reported
// through ReverseResult.Reversed.
func (l *Ledger) Reverse(ctx context.Context, entryID uint64, reason string) (ReverseResult, error) {
	if l == nil || l.db == nil {
		return ReverseResult{}, errors.New("credit: nil ledger")
	}

	var out ReverseResult
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.CreditEntry
		errFirst := lockForUpdate(tx).First(&entry, entryID).Error
		if errFirst != nil {
			if errors.Is(errFirst, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return errFirst
		}
		if entry.Kind != models.EntryKindDeduct {
			return ErrNotReversible
		}
		if entry.ReversedAt != nil {
			balance, errBalance := currentRemaining(tx, entry.UserID, entry.CreditType)
			if errBalance != nil {
				return errBalance
			}
			out = ReverseResult{Reversed: false, NewBalance: balance}
			return nil
		}

		now := time.Now().UTC()
		marked := tx.Model(&models.CreditEntry{}).
			Where("id = ? AND reversed_at IS NULL", entry.ID).
			Update("reversed_at", now)
		if marked.Error != nil {
			return marked.Error
		}
		if marked.RowsAffected == 0 {
			// Lost the race to a concurrent reversal; still a no-op.
			balance, errBalance := currentRemaining(tx, entry.UserID, entry.CreditType)
			if errBalance != nil {
				return errBalance
			}
			out = ReverseResult{Reversed: false, NewBalance: balance}
			return nil
		}

		rows, errRows := currentBalances(tx, entry.UserID, entry.CreditType)
		if errRows != nil {
			return errRows
		}
		if len(rows) == 0 {
			return ErrNoCurrentBalance
		}
		target := &rows[0]

		res := tx.Model(&models.CreditBalance{}).
			Where("id = ? AND is_current = ?", target.ID, true).
			Updates(map[string]any{
				"used_credits": gorm.Expr("used_credits - ?", entry.Amount),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrWriteConflict
		}

		newBalance, errBalance := reloadRemaining(tx, target.ID)
		if errBalance != nil {
			return errBalance
		}

		metadata, _ := json.Marshal(map[string]string{"reason": reason})
		reversal := models.CreditEntry{
			EntryID:         uuid.NewString(),
			UserID:          entry.UserID,
			CreditType:      entry.CreditType,
			Kind:            models.EntryKindReverse,
			Amount:          entry.Amount,
			BalanceAfter:    newBalance,
			ReversesEntryID: &entry.ID,
			Metadata:        datatypes.JSON(metadata),
			CreatedAt:       now,
		}
		if errCreate := tx.Create(&reversal).Error; errCreate != nil {
			return errCreate
		}

		out = ReverseResult{Reversed: true, EntryID: reversal.ID, NewBalance: newBalance}
		return nil
	})
	if errTx != nil {
		return ReverseResult{}, errTx
	}
	return out, nil
}

// LinkUsageRecord attaches the usage record produced after a deduction to
// its ledger entry, completing the bidirectional audit link.
func (l *Ledger) LinkUsageRecord(ctx context.Context, entryID, usageRecordID uint64) error {
	if l == nil || l.db == nil {
		return errors.New("credit: nil ledger")
	}
	return l.db.WithContext(ctx).
		Model(&models.CreditEntry{}).
		Where("id = ? AND usage_record_id IS NULL", entryID).
		Update("usage_record_id", usageRecordID).Error
}

// Balances returns every balance row for a user, current first.
func (l *Ledger) Balances(ctx context.Context, userID uint64) ([]models.CreditBalance, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("credit: nil ledger")
	}
	var rows []models.CreditBalance
	errFind := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_current DESC, period_start DESC, credit_type ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("credit: load balances: %w", errFind)
	}
	return rows, nil
}

// currentBalances loads the user's current balance rows, free type first so
// deductions drain monthly credits before purchased ones. creditType narrows
// the lookup when non-empty.
func currentBalances(tx *gorm.DB, userID uint64, creditType models.CreditType) ([]models.CreditBalance, error) {
	q := lockForUpdate(tx).
		Where("user_id = ? AND is_current = ?", userID, true).
		Order("credit_type ASC, id ASC")
	if creditType != "" {
		q = q.Where("credit_type = ?", creditType)
	}
	var rows []models.CreditBalance
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// reloadRemaining re-reads a balance row inside the transaction.
func reloadRemaining(tx *gorm.DB, balanceID uint64) (int64, error) {
	var row models.CreditBalance
	if errTake := tx.Select("total_credits", "used_credits").Take(&row, balanceID).Error; errTake != nil {
		return 0, errTake
	}
	return row.Remaining(), nil
}

// currentRemaining returns the remaining credits on the user's current row
// of the given type.
func currentRemaining(tx *gorm.DB, userID uint64, creditType models.CreditType) (int64, error) {
	rows, err := currentBalances(tx, userID, creditType)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrNoCurrentBalance
	}
	return rows[0].Remaining(), nil
}
