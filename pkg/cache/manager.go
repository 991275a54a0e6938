package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/congress-harvest/pkg/partition"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a new cache manager with Redis backend. ttl <= 0
// uses DefaultTTL.
func NewManager(redisClient *redis.Client, ttl time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		ttl:    ttl,
		logger: log.With().Str("component", "cache").Logger(),
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		if err := m.Delete(ctx, key); err != nil {
			m.logger.Debug().Err(err).Str("key", cacheKey).Msg("Failed to delete expired cache entry")
		}
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
// A zero Expires is filled from the manager's TTL.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	now := time.Now()
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}
	if entry.Expires.IsZero() {
		entry.Expires = now.Add(m.ttl)
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheBytesWritten.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// RangeKey returns the key of a bill list call over r with the given limit.
func RangeKey(r partition.TimeRange, limit int) CacheKey {
	return CacheKey{
		Resource: "bill",
		Start:    r.Start,
		End:      r.End,
		Params:   map[string]string{"limit": strconv.Itoa(limit)},
	}
}

// GetRange implements partition.Cache.
func (m *Manager) GetRange(ctx context.Context, r partition.TimeRange, limit int) (*partition.PageResult, error) {
	entry, err := m.Get(ctx, RangeKey(r, limit))
	if err != nil {
		return nil, err
	}
	return &partition.PageResult{Records: entry.Records, Count: entry.Count}, nil
}

// SetRange implements partition.Cache.
func (m *Manager) SetRange(ctx context.Context, r partition.TimeRange, limit int, res partition.PageResult) error {
	return m.Set(ctx, RangeKey(r, limit), &CacheEntry{
		Records: res.Records,
		Count:   res.Count,
	})
}

var _ partition.Cache = (*Manager)(nil)
