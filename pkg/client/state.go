package client

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Retry policy defaults.
const (
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = 5 * time.Second
)

var runErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvest_run_errors_total",
	Help: "Failed attempts and exhausted retries across all runs",
})

// Policy is the retry policy shared by every fetch of one run.
type Policy struct {
	// MaxRetries is the number of rounds; each round tries every credential
	// of the endpoint's group once.
	MaxRetries int

	// BackoffFactor scales the linear pause between rounds: round n is
	// followed by BackoffFactor * n.
	BackoffFactor time.Duration

	// RetryStatuses rotate to the next credential instead of ending the round.
	RetryStatuses []int
}

// DefaultPolicy returns 3 rounds, a 5s backoff factor and {429}.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BackoffFactor: DefaultBackoffFactor,
		RetryStatuses: []int{http.StatusTooManyRequests},
	}
}

func (p Policy) isRetryStatus(status int) bool {
	for _, s := range p.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Backoff returns the pause after a failed round.
func (p Policy) Backoff(round int) time.Duration {
	return p.BackoffFactor * time.Duration(round)
}

// RunState is the state shared by the concurrent fetches of one run. It
// is created per run and passed explicitly; separate runs never share one.
type RunState struct {
	ID     string
	policy Policy
	logger zerolog.Logger

	mu     sync.Mutex
	errors int
}

// NewRunState creates the state for one run. Unset policy fields take
// their defaults. The logger is tagged with the run ID.
func NewRunState(policy Policy, logger zerolog.Logger) *RunState {
	def := DefaultPolicy()
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = def.MaxRetries
	}
	if policy.BackoffFactor < 0 {
		policy.BackoffFactor = 0
	}
	if policy.RetryStatuses == nil {
		policy.RetryStatuses = def.RetryStatuses
	}

	id := uuid.NewString()
	return &RunState{
		ID:     id,
		policy: policy,
		logger: logger.With().Str("run_id", id).Logger(),
	}
}

// IncError increments the run's error count and returns the new value.
func (s *RunState) IncError() int {
	s.mu.Lock()
	s.errors++
	n := s.errors
	s.mu.Unlock()

	runErrorsTotal.Inc()
	return n
}

// ErrorCount returns the run's error count.
func (s *RunState) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Policy returns the run's retry policy.
func (s *RunState) Policy() Policy {
	return s.policy
}

// Logger returns the run-scoped logger.
func (s *RunState) Logger() *zerolog.Logger {
	return &s.logger
}
