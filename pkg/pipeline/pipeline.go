// Package pipeline runs bill enrichment in fixed-size batches. Batches run
// one after another; the records of a batch are fanned out concurrently.
// Each batch is appended to the store before the next one starts, so an
// interrupted run resumes after its last completed batch.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/congress-harvest/pkg/bills"
	"github.com/Sternrassler/congress-harvest/pkg/client"
	"github.com/Sternrassler/congress-harvest/pkg/store"
)

// DefaultBatchSize is the number of records per batch.
const DefaultBatchSize = 16

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_pipeline_batches_total",
		Help: "Batches completed and appended to the store",
	})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pipeline_records_total",
		Help: "Records processed by result (written, failed, skipped)",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_pipeline_batch_duration_seconds",
		Help:    "Wall time per batch including the store append",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Fetcher fans one record out across the endpoints.
type Fetcher interface {
	FetchRecord(ctx context.Context, id bills.Identity, specs []bills.EndpointSpec, state *client.RunState) (map[string]client.FetchOutcome, error)
}

// Store is the append-only output.
type Store interface {
	ExistingIndices(ctx context.Context) (store.IndexSet, error)
	Append(ctx context.Context, columns []string, rows []bills.OutputRow) error
}

// Config holds pipeline configuration.
type Config struct {
	// Columns are the input columns, written ahead of the endpoint columns.
	Columns []string

	// Endpoints defaults to bills.DefaultEndpoints().
	Endpoints []bills.EndpointSpec

	// BatchSize defaults to DefaultBatchSize.
	BatchSize int

	// Policy is the retry policy of each run's RunState.
	Policy client.Policy

	// Logger defaults to a "pipeline" component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration for columns.
func DefaultConfig(columns []string) Config {
	return Config{
		Columns:   columns,
		Endpoints: bills.DefaultEndpoints(),
		BatchSize: DefaultBatchSize,
		Policy:    client.DefaultPolicy(),
	}
}

// Summary reports one run.
type Summary struct {
	RunID string

	// Input is the number of records passed to Run.
	Input int

	// Skipped records were already in the store.
	Skipped int

	// Written records were appended to the store.
	Written int

	// Failed records raised during fan-out and were not written. Each one
	// also counts toward Errors unless the run was interrupted.
	Failed int

	Batches int

	// Errors is the run's error count: failed attempts and exhausted retries.
	Errors int

	// EndpointFailures counts written records whose endpoint failed, by endpoint.
	EndpointFailures map[string]int

	Duration time.Duration
}

// Pipeline is the batch checkpoint pipeline.
type Pipeline struct {
	fetcher Fetcher
	store   Store
	config  Config
	header  []string
	logger  zerolog.Logger
}

// New creates a pipeline.
func New(cfg Config, fetcher Fetcher, st Store) (*Pipeline, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("input columns are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = bills.DefaultEndpoints()
	}

	logger := log.With().Str("component", "pipeline").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Pipeline{
		fetcher: fetcher,
		store:   st,
		config:  cfg,
		header:  store.Header(cfg.Columns, cfg.Endpoints),
		logger:  logger,
	}, nil
}

// SplitBatches partitions records into consecutive batches of size, the
// last one possibly shorter.
func SplitBatches(records []bills.Record, size int) [][]bills.Record {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([][]bills.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

// Run processes the records not yet in the store. It returns an error
// only when the store cannot be read or written, or ctx ends; completed
// batches stay durable in both cases.
func (p *Pipeline) Run(ctx context.Context, records []bills.Record) (*Summary, error) {
	start := time.Now()
	state := client.NewRunState(p.config.Policy, p.logger)
	logger := state.Logger()

	summary := &Summary{
		RunID:            state.ID,
		Input:            len(records),
		EndpointFailures: make(map[string]int),
	}
	finish := func() *Summary {
		summary.Errors = state.ErrorCount()
		summary.Duration = time.Since(start)
		return summary
	}

	done, err := p.store.ExistingIndices(ctx)
	if err != nil {
		return finish(), fmt.Errorf("read existing output: %w", err)
	}

	pending := make([]bills.Record, 0, len(records))
	for _, rec := range records {
		if done.Has(rec.ID.RowIndex) {
			summary.Skipped++
			continue
		}
		pending = append(pending, rec)
	}
	recordsTotal.WithLabelValues("skipped").Add(float64(summary.Skipped))

	batches := SplitBatches(pending, p.config.BatchSize)
	logger.Info().
		Int("rows", len(records)).
		Int("skipped", summary.Skipped).
		Int("pending", len(pending)).
		Int("batches", len(batches)).
		Int("batch_size", p.config.BatchSize).
		Msg("Starting enrichment run")

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			logger.Warn().Int("batch", i+1).Msg("Run interrupted before batch")
			return finish(), err
		}

		batchStart := time.Now()
		rows, failed := p.runBatch(ctx, batch, state)
		summary.Failed += failed

		for _, row := range rows {
			for name, payload := range row.Payloads {
				if payload == nil {
					summary.EndpointFailures[name]++
				}
			}
		}

		// Rows completed before a cancellation are still appended.
		if err := p.store.Append(context.WithoutCancel(ctx), p.header, rows); err != nil {
			return finish(), fmt.Errorf("append batch %d: %w", i+1, err)
		}
		summary.Written += len(rows)
		summary.Batches++

		batchesTotal.Inc()
		recordsTotal.WithLabelValues("written").Add(float64(len(rows)))
		recordsTotal.WithLabelValues("failed").Add(float64(failed))
		batchDuration.Observe(time.Since(batchStart).Seconds())

		logger.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("rows", len(rows)).
			Int("failed", failed).
			Int("errors", state.ErrorCount()).
			Dur("duration", time.Since(batchStart)).
			Msg("Batch appended")
	}

	finish()
	logger.Info().
		Int("written", summary.Written).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Dur("duration", summary.Duration).
		Msg("Enrichment run finished")

	return summary, ctx.Err()
}

// runBatch fans out every record of batch concurrently and returns the
// completed rows in row order with the number of failed records.
func (p *Pipeline) runBatch(ctx context.Context, batch []bills.Record, state *client.RunState) ([]bills.OutputRow, int) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		rows   = make([]bills.OutputRow, 0, len(batch))
		failed int
	)

	for _, rec := range batch {
		wg.Add(1)
		go func(rec bills.Record) {
			defer wg.Done()

			row, err := p.processRecord(ctx, rec, state)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if ctx.Err() == nil {
					state.IncError()
				}
				state.Logger().Error().
					Err(err).
					Int("congress", rec.ID.Congress).
					Str("bill_type", rec.ID.Type).
					Int("bill_number", rec.ID.Number).
					Int("row_index", rec.ID.RowIndex).
					Msg("Record failed; excluded from output")
				return
			}
			rows = append(rows, row)
		}(rec)
	}
	wg.Wait()

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Record.ID.RowIndex < rows[j].Record.ID.RowIndex
	})
	return rows, failed
}

// processRecord fetches one record. A panic in the fetcher fails only
// this record.
func (p *Pipeline) processRecord(ctx context.Context, rec bills.Record, state *client.RunState) (row bills.OutputRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fan-out panic: %v", r)
		}
	}()

	outcomes, err := p.fetcher.FetchRecord(ctx, rec.ID, p.config.Endpoints, state)
	if err != nil {
		return bills.OutputRow{}, err
	}
	return bills.OutputRow{Record: rec, Payloads: client.Payloads(outcomes)}, nil
}
