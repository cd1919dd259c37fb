// Package app wires the metering service together and runs it.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/credit"
	"github.com/rephlo/metering/internal/db"
	"github.com/rephlo/metering/internal/http/api"
	"github.com/rephlo/metering/internal/logging"
	"github.com/rephlo/metering/internal/metering"
	"github.com/rephlo/metering/internal/pricing"
	"github.com/rephlo/metering/internal/settings"
	"github.com/rephlo/metering/internal/tier"
	"github.com/rephlo/metering/internal/tokencount"
	"github.com/rephlo/metering/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations.
func Migrate(_ context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// Run boots the metering service: database, settings snapshot, retention
// cleaner, and the reporting API. It blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logging.Setup(cfg.Logging)

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if errSnapshot := settings.RefreshDBConfigSnapshot(ctx, conn); errSnapshot != nil {
		log.WithError(errSnapshot).Warn("failed to load settings snapshot, using defaults")
	}

	cleaner := usage.NewRetentionCleaner(conn)
	cleaner.Start(ctx)

	ledger := credit.NewLedger(conn, ledgerConfig(cfg))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.RegisterRoutes(engine, conn, ledger, cfg.API.JWT)

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", cfg.API.Listen).Info("metering api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// BuildOrchestrator assembles the metering orchestrator from configuration.
// The inference-serving layer calls this once at startup and hands the
// orchestrator each completed request.
func BuildOrchestrator(cfg *config.Config, conn *gorm.DB, tiers tier.Resolver) *metering.Orchestrator {
	var cache pricing.Cache = pricing.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = pricing.NewRedisCache(client)
	}

	resolver := pricing.NewResolver(pricing.NewGormRepository(conn), cache, cfg.Pricing.CacheTTL.Std())
	ledger := credit.NewLedger(conn, ledgerConfig(cfg))
	recorder := usage.NewRecorder(conn)
	if tiers == nil {
		tiers = &tier.StaticResolver{}
	}
	return metering.NewOrchestrator(resolver, tokencount.NewAccountant(), ledger, recorder, tiers)
}

// ledgerConfig merges the static floor policy with database overrides.
func ledgerConfig(cfg *config.Config) credit.Config {
	out := credit.Config{
		AllowNegative: cfg.Ledger.AllowNegative,
		FloorCredits:  cfg.Ledger.FloorCredits,
	}
	if v, ok := settings.DBConfigInt(settings.BalanceFloorKey); ok {
		out.FloorCredits = int64(v)
	}
	if v, ok := settings.DBConfigInt(settings.AllowNegativeBalanceKey); ok {
		out.AllowNegative = v != 0
	}
	return out
}
