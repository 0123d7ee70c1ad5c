// Package app wires configuration into the repository, cache, engines and
// service shared by the server and the scan command.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fuelpos/backend/internal/anomaly"
	"fuelpos/backend/internal/cache"
	"fuelpos/backend/internal/config"
	"fuelpos/backend/internal/lock"
	"fuelpos/backend/internal/pricing"
	"fuelpos/backend/internal/reconciliation"
	"fuelpos/backend/internal/service"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/store/memory"
	pgstore "fuelpos/backend/internal/store/postgres"
	"fuelpos/backend/internal/variance"
)

type App struct {
	Repo     store.Repository
	Engine   *reconciliation.Engine
	Detector *anomaly.Detector
	Service  *service.Service

	closers []func() error
}

// Build connects to Postgres when DATABASE_URL is set and to Redis when
// REDIS_ADDR is set. A configured database that cannot be reached is fatal;
// an unreachable Redis degrades to the noop cache and in-process locking.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("business timezone %q: %w", cfg.BusinessTimezone, err)
	}

	a := &App{}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		a.Repo = pg
		logger.WithField("repository", "postgres").Info("repository ready")
	} else {
		a.Repo = memory.NewSeeded(logger)
		logger.WithField("repository", "memory").Info("repository ready")
	}

	var (
		priceCache cache.PriceCache = cache.NoopPriceCache{}
		locker     lock.Locker      = lock.Noop{}
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			logger.WithError(err).Warn("redis unavailable, using noop cache")
		} else {
			priceCache = cache.NewRedisPriceCache(client)
			locker = lock.NewRedisLocker(client)
			a.closers = append(a.closers, client.Close)
			logger.WithField("cache", "redis").Info("cache ready")
		}
	}

	resolver := pricing.NewResolver(a.Repo, priceCache, time.Duration(cfg.PriceCacheTTLSeconds)*time.Second, logger)

	a.Engine = reconciliation.NewEngine(a.Repo, resolver,
		reconciliation.WithPolicy(variance.ReconciliationPolicy(
			decimal.NewFromFloat(cfg.VarianceGreenMax),
			decimal.NewFromFloat(cfg.VarianceYellowMax),
		)),
		reconciliation.WithScope(reconciliation.ParseScope(cfg.TransactionScope)),
		reconciliation.WithLogger(logger),
	)

	a.Detector = anomaly.NewDetector(a.Repo,
		anomaly.WithLocation(loc),
		anomaly.WithPolicy(variance.AnomalyPolicy(
			decimal.NewFromFloat(cfg.AnomalyWarningLiters),
			decimal.NewFromFloat(cfg.AnomalyCriticalLiters),
		)),
		anomaly.WithLocker(locker),
		anomaly.WithLogger(logger),
	)

	a.Service = service.New(a.Repo, a.Engine, a.Detector,
		service.WithLocker(locker),
		service.WithLogger(logger),
		service.WithAutoLockAfter(time.Duration(cfg.ShiftAutoLockHours)*time.Hour),
	)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
