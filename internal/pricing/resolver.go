// Package pricing resolves the unit price of a product at a station on a
// given day from the price book.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fuelpos/backend/internal/cache"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

type Resolver struct {
	repo   store.Repository
	cache  cache.PriceCache
	ttl    time.Duration
	logger *logrus.Entry
}

func NewResolver(repo store.Repository, priceCache cache.PriceCache, ttl time.Duration, logger *logrus.Logger) *Resolver {
	if priceCache == nil {
		priceCache = cache.NoopPriceCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		repo:   repo,
		cache:  priceCache,
		ttl:    ttl,
		logger: logger.WithField("component", "pricing"),
	}
}

// ResolvePrice returns the price-book price for productID at stationID on the
// civil date day. found is false when no active entry applies.
func (r *Resolver) ResolvePrice(ctx context.Context, productID string, stationID string, day time.Time) (decimal.Decimal, bool, error) {
	if productID == "" {
		return decimal.Zero, false, nil
	}

	key := fmt.Sprintf("%s|%s|%s", productID, stationID, day.Format(domain.DateLayout))
	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("price cache read failed")
	} else if ok {
		return cached.Price, cached.Found, nil
	}

	entries, err := r.repo.ListPriceBookEntries(ctx, productID)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("list price book for %s: %w", productID, err)
	}
	entry, found := Select(entries, stationID, day)

	value := cache.CachedPrice{Found: found}
	if found {
		value.Price = entry.Price
	}
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("price cache write failed")
	}
	return value.Price, found, nil
}

// Select picks the entry that applies on day. Active entries effective on or
// before day qualify; a station-specific entry beats a global one and the
// newest effective date wins within each group.
func Select(entries []domain.PriceBookEntry, stationID string, day time.Time) (domain.PriceBookEntry, bool) {
	cutoff := day.AddDate(0, 0, 1)

	var station, global *domain.PriceBookEntry
	for i := range entries {
		entry := &entries[i]
		if !entry.Active || !entry.EffectiveFrom.Before(cutoff) {
			continue
		}
		switch entry.StationID {
		case stationID:
			if station == nil || entry.EffectiveFrom.After(station.EffectiveFrom) {
				station = entry
			}
		case "":
			if global == nil || entry.EffectiveFrom.After(global.EffectiveFrom) {
				global = entry
			}
		}
	}
	if station != nil {
		return *station, true
	}
	if global != nil {
		return *global, true
	}
	return domain.PriceBookEntry{}, false
}
