// Package partition implements the adaptive range partitioner: a time
// window is queried bucket by bucket, and any bucket whose result count
// reaches the per-call cap is re-queried at the next finer granularity.
package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLimit is the API's maximum result count per call.
const DefaultLimit = 250

// DefaultDelay is the pause after every network call.
const DefaultDelay = 750 * time.Millisecond

// OpenRangeBuffer is how far in the past a range must end before its
// result is cached. Later ranges can still gain records.
const OpenRangeBuffer = time.Hour

var (
	rangeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_range_calls_total",
		Help: "Single-range calls issued by the partitioner by granularity",
	}, []string{"granularity"})

	rangeDrillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_range_drilldowns_total",
		Help: "Ranges re-queried at a finer granularity, by the coarse granularity",
	}, []string{"granularity"})

	rangeTruncatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_range_truncated_total",
		Help: "Ranges accepted at the finest granularity while still at the cap",
	})

	rangeCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_range_cache_hits_total",
		Help: "Single-range results served from the range cache",
	})
)

// PageResult is the response of one single-range call. Count is the
// API's total for the range and decides drill-down, independent of
// len(Records).
type PageResult struct {
	Records []json.RawMessage `json:"records"`
	Count   int               `json:"count"`
}

// FetchFunc performs one single-range call.
type FetchFunc func(ctx context.Context, r TimeRange) (PageResult, error)

// Cache stores single-range results so repeated runs can skip calls.
type Cache interface {
	GetRange(ctx context.Context, r TimeRange, limit int) (*PageResult, error)
	SetRange(ctx context.Context, r TimeRange, limit int, res PageResult) error
}

// Options configures a Partitioner.
type Options struct {
	// Limit is the per-call result cap. <= 0 uses DefaultLimit.
	Limit int

	// Delay is waited after every network call. Zero disables pacing.
	Delay time.Duration

	// Levels is the granularity ordering, coarsest first. Empty uses Levels().
	Levels []Granularity

	// Cache is optional. A cached range costs no call and no delay.
	Cache Cache

	// Logger defaults to a "partitioner" component logger.
	Logger *zerolog.Logger
}

// Item is one accepted record with the query that produced it.
type Item struct {
	Record      json.RawMessage
	Range       TimeRange
	Granularity Granularity
}

// Span is a queried range with its granularity and reported count.
type Span struct {
	Range       TimeRange
	Granularity Granularity
	Count       int
}

// Failure is a range whose call failed; its records are missing.
type Failure struct {
	Range       TimeRange
	Granularity Granularity
	Err         error
}

// Result is the outcome of a partitioned crawl.
type Result struct {
	// Items are the accepted records in range order.
	Items []Item

	// Calls is the number of network calls made.
	Calls int

	// CacheHits is the number of ranges served from the cache.
	CacheHits int

	// Truncated lists ranges accepted at the finest level with count >= Limit.
	// Records beyond the cap in these ranges were not retrieved.
	Truncated []Span

	// Failed lists ranges whose call returned an error.
	Failed []Failure
}

// Complete reports whether no range was truncated or failed.
func (r *Result) Complete() bool {
	return len(r.Truncated) == 0 && len(r.Failed) == 0
}

// Partitioner drives FetchFunc over a time range. Calls are sequential:
// whether a bucket is drilled depends on its own call's count.
type Partitioner struct {
	fetch  FetchFunc
	limit  int
	delay  time.Duration
	levels []Granularity
	cache  Cache
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates a Partitioner.
func New(fetch FetchFunc, opts Options) (*Partitioner, error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if len(opts.Levels) == 0 {
		opts.Levels = Levels()
	}
	for i, g := range opts.Levels {
		if !g.Valid() {
			return nil, fmt.Errorf("undefined granularity at level %d: %s", i, g)
		}
		if i > 0 && g <= opts.Levels[i-1] {
			return nil, fmt.Errorf("levels must be strictly coarse to fine: %s after %s", g, opts.Levels[i-1])
		}
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("delay must be >= 0 (got %s)", opts.Delay)
	}

	logger := log.With().Str("component", "partitioner").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Partitioner{
		fetch:  fetch,
		limit:  opts.Limit,
		delay:  opts.Delay,
		levels: opts.Levels,
		cache:  opts.Cache,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}, nil
}

// Run crawls r starting at the coarsest level. On context cancellation
// the partial result gathered so far is returned with the context error.
func (p *Partitioner) Run(ctx context.Context, r TimeRange) (*Result, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{}
	err := p.walk(ctx, r, 0, res)

	event := p.logger.Info()
	if !res.Complete() {
		event = p.logger.Warn()
	}
	event.
		Str("range_start", r.Start.Format(time.RFC3339)).
		Str("range_end", r.End.Format(time.RFC3339)).
		Int("records", len(res.Items)).
		Int("calls", res.Calls).
		Int("cache_hits", res.CacheHits).
		Int("truncated", len(res.Truncated)).
		Int("failed", len(res.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Partitioned crawl finished")

	return res, err
}

// walk covers r at p.levels[level], appending accepted items to res in
// bucket order. Depth is bounded by len(p.levels).
func (p *Partitioner) walk(ctx context.Context, r TimeRange, level int, res *Result) error {
	g := p.levels[level]
	indent := strings.Repeat("  ", level)
	before := len(res.Items)

	for _, sub := range Split(r, g) {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := p.query(ctx, sub, g, res)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed = append(res.Failed, Failure{Range: sub, Granularity: g, Err: err})
			p.logger.Error().
				Err(err).
				Str("granularity", g.String()).
				Str("range_start", sub.Start.Format(time.RFC3339)).
				Str("range_end", sub.End.Format(time.RFC3339)).
				Msg(indent + "Range call failed; records for this range are missing")
			continue
		}

		p.logger.Info().
			Str("granularity", g.String()).
			Str("range_start", sub.Start.Format(time.RFC3339)).
			Int("count", page.Count).
			Int("records", len(page.Records)).
			Msg(indent + "Range queried")

		if page.Count >= p.limit {
			if level+1 < len(p.levels) {
				// The coarse page is truncated; only the finer crawl's records are kept.
				rangeDrillsTotal.WithLabelValues(g.String()).Inc()
				p.logger.Info().
					Str("granularity", g.String()).
					Str("next", p.levels[level+1].String()).
					Msg(indent + "Limit reached, drilling down")
				if err := p.walk(ctx, sub, level+1, res); err != nil {
					return err
				}
				continue
			}

			rangeTruncatedTotal.Inc()
			res.Truncated = append(res.Truncated, Span{Range: sub, Granularity: g, Count: page.Count})
			p.logger.Warn().
				Str("granularity", g.String()).
				Str("range_start", sub.Start.Format(time.RFC3339)).
				Str("range_end", sub.End.Format(time.RFC3339)).
				Int("count", page.Count).
				Int("limit", p.limit).
				Msg(indent + "Limit reached at finest granularity; accepting possibly incomplete range")
		}

		for _, rec := range page.Records {
			res.Items = append(res.Items, Item{Record: rec, Range: sub, Granularity: g})
		}
	}

	p.logger.Info().
		Str("granularity", g.String()).
		Int("records", len(res.Items)-before).
		Msg(indent + "Level total")

	return nil
}

// query returns the page for r, from the cache when possible.
func (p *Partitioner) query(ctx context.Context, r TimeRange, g Granularity, res *Result) (PageResult, error) {
	if p.cache != nil {
		cached, err := p.cache.GetRange(ctx, r, p.limit)
		if err != nil {
			p.logger.Debug().Err(err).Str("range_start", r.Start.Format(time.RFC3339)).Msg("Range cache miss")
		} else if cached != nil {
			res.CacheHits++
			rangeCacheHitsTotal.Inc()
			return *cached, nil
		}
	}

	res.Calls++
	rangeCallsTotal.WithLabelValues(g.String()).Inc()
	page, err := p.fetch(ctx, r)

	// The pause follows every call, failed or not.
	if p.delay > 0 {
		if serr := p.sleep(ctx, p.delay); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return PageResult{}, err
	}

	if p.cache != nil && p.closed(r) {
		if err := p.cache.SetRange(ctx, r, p.limit, page); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to cache range result")
		}
	}
	return page, nil
}

// closed reports whether r ended at least OpenRangeBuffer ago.
func (p *Partitioner) closed(r TimeRange) bool {
	return !r.End.After(p.now().Add(-OpenRangeBuffer))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
