package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const priceKeyPrefix = "fuelpos:price:"

type RedisPriceCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisPriceCache(client *redis.Client) *RedisPriceCache {
	return &RedisPriceCache{client: client}
}

func (c *RedisPriceCache) Get(ctx context.Context, key string) (CachedPrice, bool, error) {
	val, err := c.client.Get(ctx, priceKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return CachedPrice{}, false, nil
	}
	if err != nil {
		return CachedPrice{}, false, err
	}

	var cached CachedPrice
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return CachedPrice{}, false, err
	}
	return cached, true, nil
}

func (c *RedisPriceCache) Set(ctx context.Context, key string, value CachedPrice, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, priceKeyPrefix+key, payload, ttl).Err()
}
