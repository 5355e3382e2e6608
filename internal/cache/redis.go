package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fjod/tienda-cart/internal/cart"
	"github.com/redis/go-redis/v9"
)

// maxJitter spreads expirations so carts cached together do not expire together.
const maxJitter = 5 * time.Minute

func NewRedisCache(client *redis.Client, baseTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: baseTTL,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, sessionID string) (cart.View, error) {
	data, err := r.client.Get(ctx, cacheKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cart.View{}, ErrCacheMiss
	}
	if err != nil {
		return cart.View{}, fmt.Errorf("redis get failed: %w", err)
	}

	var view cart.View
	if err := json.Unmarshal(data, &view); err != nil {
		return cart.View{}, fmt.Errorf("unmarshal cart failed: %w", err)
	}

	return view, nil
}

func (r *RedisCache) Set(ctx context.Context, sessionID string, view cart.View) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	jitter := time.Duration(rand.Int64N(int64(maxJitter)))
	if err := r.client.Set(ctx, cacheKey(sessionID), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, cacheKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(sessionID string) string {
	return fmt.Sprintf("tienda:cart:%s", sessionID)
}
