package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestNoopAlwaysGrants(t *testing.T) {
	release, err := Noop{}.Obtain(context.Background(), ShiftKey("shift-1"), time.Second)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	release()
}

func TestKeysAreScopedByEntity(t *testing.T) {
	if got := ShiftKey("shift-9"); got != "shift:shift-9" {
		t.Fatalf("unexpected shift key %q", got)
	}
	day := time.Date(2024, 6, 3, 23, 30, 0, 0, time.UTC)
	if got := AnomalyKey("st-1", day); got != "anomaly:st-1:2024-06-03" {
		t.Fatalf("unexpected anomaly key %q", got)
	}
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	addr := os.Getenv("FUELPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set FUELPOS_TEST_REDIS_ADDR to run redis lock test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client)
	locker.retry = nil
	key := ShiftKey("lock-test-" + time.Now().Format("150405.000000"))

	release, err := locker.Obtain(context.Background(), key, 5*time.Second)
	if err != nil {
		t.Fatalf("first obtain: %v", err)
	}
	if _, err := locker.Obtain(context.Background(), key, 5*time.Second); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected second obtain to fail, got %v", err)
	}
	release()

	again, err := locker.Obtain(context.Background(), key, 5*time.Second)
	if err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
	again()
}
