package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

// Repository loads candidate vendor price rows.
type Repository interface {
	// ActivePrices returns every active row for (provider, model) whose
	// effective range covers asOf.
	ActivePrices(ctx context.Context, provider, model string, asOf time.Time) ([]models.VendorPrice, error)
}

// GormRepository reads vendor prices through GORM.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository constructs a GormRepository.
func NewGormRepository(db *gorm.DB) *GormRepository { return &GormRepository{db: db} }

// ActivePrices implements Repository.
func (r *GormRepository) ActivePrices(ctx context.Context, provider, model string, asOf time.Time) ([]models.VendorPrice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("pricing: nil repository")
	}
	var rows []models.VendorPrice
	errFind := r.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND is_active = ?", provider, model, true).
		Where("effective_from <= ?", asOf).
		Where("effective_until IS NULL OR effective_until > ?", asOf).
		Order("effective_from DESC, id DESC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("pricing: load prices: %w", errFind)
	}
	return rows, nil
}

// Resolver resolves effective pricing with a bounded TTL cache in front of
// the repository. Pricing updates are out-of-band; reads tolerate a cache
// entry that lags the table by up to one TTL.
type Resolver struct {
	repo  Repository
	cache Cache
	ttl   time.Duration
}

// NewResolver constructs a Resolver. cache may be nil to disable caching.
func NewResolver(repo Repository, cache Cache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{repo: repo, cache: cache, ttl: ttl}
}

// Resolve returns the effective price set for (provider, model) at asOf,
// narrowed to base or high-context prices by inputTokens. Returns
// ErrNotFound when no active row covers asOf.
func (r *Resolver) Resolve(ctx context.Context, provider, model string, asOf time.Time, inputTokens int64) (Pricing, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return Pricing{}, ErrNotFound
	}

	key := cacheKey(provider, model, asOf)
	if r.cache != nil {
		if row, ok := r.cache.Get(ctx, key); ok {
			if row == nil {
				return Pricing{}, ErrNotFound
			}
			return fromRow(row, inputTokens), nil
		}
	}

	rows, err := r.repo.ActivePrices(ctx, provider, model, asOf)
	if err != nil {
		return Pricing{}, err
	}
	row := pickRow(rows)
	if r.cache != nil {
		r.cache.Set(ctx, key, row, r.ttl)
	}
	if row == nil {
		return Pricing{}, ErrNotFound
	}
	return fromRow(row, inputTokens), nil
}

// pickRow selects the winning row. At most one row should match the date
// range, but overlapping ranges resolve to the latest effective_from.
func pickRow(rows []models.VendorPrice) *models.VendorPrice {
	var best *models.VendorPrice
	for i := range rows {
		row := &rows[i]
		if best == nil {
			best = row
			continue
		}
		if row.EffectiveFrom.After(best.EffectiveFrom) {
			best = row
			continue
		}
		if row.EffectiveFrom.Equal(best.EffectiveFrom) && row.ID > best.ID {
			best = row
		}
	}
	return best
}

// cacheKey buckets asOf to the hour so a cached row ages out even when the
// price table changes under it.
func cacheKey(provider, model string, asOf time.Time) string {
	return provider + "|" + model + "|" + asOf.UTC().Format("2006010215")
}
