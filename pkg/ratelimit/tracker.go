package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoState is returned by GetState when a group has not been observed.
var ErrNoState = errors.New("no quota state for group")

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_quota_remaining",
		Help: "Requests remaining in the current quota window by credential group",
	}, []string{"group"})

	quotaWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_quota_warnings_total",
		Help: "Responses observed with remaining quota below the warning threshold",
	}, []string{"group"})
)

// Tracker records quota headers. With a Redis client the state is shared
// across processes; without one it is kept in memory only.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	local map[string]QuotaState
}

// NewTracker creates a tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		local:  make(map[string]QuotaState),
	}
}

// UpdateFromHeaders parses the quota headers of one response for group.
// Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, group string, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	limit := 0
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	state := QuotaState{
		Group:      group,
		Limit:      limit,
		Remaining:  remain,
		LastUpdate: time.Now(),
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.local[group] = state
	t.mu.Unlock()

	quotaRemaining.WithLabelValues(group).Set(float64(remain))

	if state.NeedsAttention() {
		quotaWarningsTotal.WithLabelValues(group).Inc()
		t.logger.Warn().
			Str("group", group).
			Int("remaining", remain).
			Int("limit", limit).
			Msg("Credential group quota running low")
	}

	if t.redis == nil {
		return nil
	}

	key := RedisKeyPrefix + group
	pipe := t.redis.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"limit":       limit,
		"remaining":   remain,
		"last_update": state.LastUpdate.UnixNano(),
	})
	pipe.Expire(ctx, key, StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}

	return nil
}

// GetState returns the last observed state for group, preferring Redis when
// configured so observations from other processes are visible.
func (t *Tracker) GetState(ctx context.Context, group string) (*QuotaState, error) {
	if t.redis != nil {
		values, err := t.redis.HGetAll(ctx, RedisKeyPrefix+group).Result()
		if err != nil {
			return nil, fmt.Errorf("get quota state: %w", err)
		}
		if len(values) > 0 {
			return parseState(group, values)
		}
	}

	t.mu.RLock()
	state, ok := t.local[group]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoState, group)
	}
	return &state, nil
}

func parseState(group string, values map[string]string) (*QuotaState, error) {
	limit, err := strconv.Atoi(values["limit"])
	if err != nil {
		return nil, fmt.Errorf("parse limit: %w", err)
	}
	remain, err := strconv.Atoi(values["remaining"])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	nanos, err := strconv.ParseInt(values["last_update"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}

	state := &QuotaState{
		Group:      group,
		Limit:      limit,
		Remaining:  remain,
		LastUpdate: time.Unix(0, nanos),
	}
	state.UpdateHealth()
	return state, nil
}
