// Package limiter provides a process-wide counting admission gate that caps
// the number of in-flight network operations.
package limiter

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCapacity matches the API's tolerated parallelism.
const DefaultCapacity = 100

var (
	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_inflight_requests",
		Help: "Network operations currently holding a concurrency slot",
	})

	waitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_limiter_wait_seconds",
		Help:    "Time spent waiting for a concurrency slot",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
)

// Limiter is a counting semaphore. Every successful Acquire must be paired
// with exactly one Release.
type Limiter struct {
	slots    chan struct{}
	inFlight atomic.Int64
}

// New creates a limiter admitting at most capacity holders.
// capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	timer := prometheus.NewTimer(waitSeconds)
	defer timer.ObserveDuration()

	select {
	case l.slots <- struct{}{}:
		l.inFlight.Add(1)
		inFlightGauge.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	// The counter drops before the slot frees, so InFlight never reads
	// above Capacity.
	if l.inFlight.Add(-1) < 0 {
		l.inFlight.Add(1)
		panic("limiter: release without acquire")
	}
	inFlightGauge.Dec()
	<-l.slots
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including panics in fn.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	return fn(ctx)
}

// InFlight returns the number of slots currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Capacity returns the configured ceiling.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
