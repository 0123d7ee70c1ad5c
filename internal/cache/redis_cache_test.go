package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNoopPriceCacheNeverHits(t *testing.T) {
	var c PriceCache = NoopPriceCache{}
	if err := c.Set(context.Background(), "k", CachedPrice{Price: decimal.NewFromInt(30), Found: true}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := c.Get(context.Background(), "k"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisPriceCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("FUELPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set FUELPOS_TEST_REDIS_ADDR to run redis cache test")
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisPriceCache(client)

	key := "test:" + time.Now().Format("150405.000000")
	if _, ok, err := c.Get(context.Background(), key); err != nil || ok {
		t.Fatalf("expected cold miss, got ok=%v err=%v", ok, err)
	}

	want := CachedPrice{Price: decimal.RequireFromString("35.45"), Found: true}
	if err := c.Set(context.Background(), key, want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !got.Price.Equal(want.Price) || !got.Found {
		t.Fatalf("unexpected cached price %+v", got)
	}
}
