package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CachedPrice is a memoized price-book lookup. Found is false when no entry
// matched, so misses are cached too.
type CachedPrice struct {
	Price decimal.Decimal `json:"price"`
	Found bool            `json:"found"`
}

type PriceCache interface {
	Get(ctx context.Context, key string) (CachedPrice, bool, error)
	Set(ctx context.Context, key string, value CachedPrice, ttl time.Duration) error
}

type NoopPriceCache struct{}

func (NoopPriceCache) Get(_ context.Context, _ string) (CachedPrice, bool, error) {
	return CachedPrice{}, false, nil
}

func (NoopPriceCache) Set(_ context.Context, _ string, _ CachedPrice, _ time.Duration) error {
	return nil
}
