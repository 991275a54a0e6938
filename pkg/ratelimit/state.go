// Package ratelimit tracks the request quota the API advertises through the
// X-RateLimit-Limit and X-RateLimit-Remaining headers, per credential group.
// The tracker is advisory: it feeds logs and metrics and never blocks a
// request.
package ratelimit

import (
	"time"
)

// Response headers carrying the quota.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
)

// RedisKeyPrefix prefixes the per-group Redis hash holding QuotaState.
const RedisKeyPrefix = "harvest:quota:"

// StateTTL bounds how long a group's state lives in Redis. The API's quota
// window is one hour.
const StateTTL = time.Hour

// Thresholds for quota health, as remaining requests in the window.
const (
	// QuotaThresholdWarning triggers a warn log when remaining falls below it.
	QuotaThresholdWarning = 100

	// QuotaThresholdHealthy indicates normal operation at or above it.
	QuotaThresholdHealthy = 500
)

// QuotaState is the last observed quota for one credential group.
type QuotaState struct {
	// Group is the credential group the observation belongs to.
	Group string `json:"group"`

	// Limit is the request allowance per window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the requests left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// LastUpdate is when the headers were observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= QuotaThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *QuotaState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsAttention returns true when the remaining quota is below the warning threshold.
func (s *QuotaState) NeedsAttention() bool {
	return s.Remaining < QuotaThresholdWarning
}

// UsedFraction returns the consumed share of the window, 0 when Limit is unknown.
func (s *QuotaState) UsedFraction() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Limit-s.Remaining) / float64(s.Limit)
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= QuotaThresholdHealthy
}
