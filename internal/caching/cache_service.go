package caching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// CacheService is the shared Redis-backed store for transient OAuth state:
// authorization sessions, rate-limit counters and cool-down blocks.
type CacheService interface {
	// Generic string operations
	SetString(ctx context.Context, key string, value string, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	// GetDelString atomically reads and deletes a key. OAuth state sessions
	// are consumed through this so two racing callbacks cannot both validate
	// against the same session.
	GetDelString(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Rate limiting
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)
}

type redisCacheService struct {
	client *redis.Client
}

func NewRedisCacheService(addr, password string, db int) CacheService {
	// Accept redis://host:port style addresses as well as plain host:port
	parsedAddr := addr
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		if hostPort := strings.TrimPrefix(strings.TrimPrefix(addr, "redis://"), "rediss://"); hostPort != addr {
			parsedAddr = hostPort
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     parsedAddr,
		Password: password,
		DB:       db,
	})

	if pingErr := client.Ping(context.Background()).Err(); pingErr != nil {
		log.Printf("WARN: Redis ping failed on initialization: %v (address: %s)", pingErr, parsedAddr)
	}

	return &redisCacheService{client: client}
}

func (r *redisCacheService) SetString(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefixed(key), value, ttl).Err()
}

func (r *redisCacheService) GetString(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.prefixed(key)).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *redisCacheService) GetDelString(ctx context.Context, key string) (string, error) {
	val, err := r.client.GetDel(ctx, r.prefixed(key)).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *redisCacheService) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefixed(key)).Err()
}

func (r *redisCacheService) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, r.prefixed(key)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, ErrCacheMiss
	}
	return ttl, nil
}

func (r *redisCacheService) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	cacheKey := r.prefixed(key)
	count, err := r.client.Incr(ctx, cacheKey).Result()
	if err != nil {
		return 0, err
	}
	// Set expiry on first increment so the window is rolling
	if count == 1 {
		r.client.Expire(ctx, cacheKey, window)
	}
	return count, nil
}

func (r *redisCacheService) prefixed(key string) string {
	return fmt.Sprintf("arbion:%s", key)
}
