package caching

import (
	"context"
	"sync"
	"time"
)

// memoryCacheService is an in-process CacheService used in development mode
// and in tests. Single-instance only; production deployments use Redis.
type memoryCacheService struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	counter   int64
	expiresAt time.Time
}

func NewMemoryCacheService() CacheService {
	return &memoryCacheService{entries: make(map[string]memoryEntry)}
}

func (m *memoryCacheService) SetString(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *memoryCacheService) GetString(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (m *memoryCacheService) GetDelString(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return "", ErrCacheMiss
	}
	delete(m.entries, key)
	return entry.value, nil
}

func (m *memoryCacheService) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryCacheService) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return 0, ErrCacheMiss
	}
	if entry.expiresAt.IsZero() {
		return 0, ErrCacheMiss
	}
	return time.Until(entry.expiresAt), nil
}

func (m *memoryCacheService) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		entry = memoryEntry{expiresAt: expiry(window)}
	}
	entry.counter++
	m.entries[key] = entry
	return entry.counter, nil
}

// live returns the entry for key if it exists and has not expired.
// Caller must hold the lock.
func (m *memoryCacheService) live(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
