// Command harvester lists Congress.gov bills over a date range (discover)
// and enriches a bill table with every per-bill endpoint (enrich).
//
//	harvester discover --credentials keys.yaml --start 2020-01-01 --end 2021-01-01 -o bills.csv
//	harvester enrich --credentials keys.yaml -i bills.csv -o enriched.csv
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/congress-harvest/internal/config"
	"github.com/Sternrassler/congress-harvest/pkg/bills"
	"github.com/Sternrassler/congress-harvest/pkg/cache"
	"github.com/Sternrassler/congress-harvest/pkg/client"
	"github.com/Sternrassler/congress-harvest/pkg/credentials"
	"github.com/Sternrassler/congress-harvest/pkg/limiter"
	"github.com/Sternrassler/congress-harvest/pkg/logging"
	"github.com/Sternrassler/congress-harvest/pkg/metrics"
	"github.com/Sternrassler/congress-harvest/pkg/partition"
	"github.com/Sternrassler/congress-harvest/pkg/pipeline"
	"github.com/Sternrassler/congress-harvest/pkg/ratelimit"
	"github.com/Sternrassler/congress-harvest/pkg/store"
)

const usage = `usage: harvester <discover|enrich> [flags]

Run "harvester <command> --help" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Getenv, os.Stderr)
	stop()

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

// run executes one subcommand. Logs go to logOut.
func run(ctx context.Context, args []string, getenv func(string) string, logOut io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(logOut, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load(args[0], args[1:], getenv)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logCfg.Output = logOut
	if cfg.Log.ErrorLog != "" {
		f, err := os.OpenFile(cfg.Log.ErrorLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open error log: %w", err)
		}
		defer f.Close()
		logCfg.ErrorOutput = f
	}
	logger := logging.Setup(logCfg).With().Str("command", cfg.Command).Logger()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newMux(redisClient)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving /health and /metrics")
	}

	tokens, err := credentials.LoadFile(cfg.Client.CredentialsFile)
	if err != nil {
		return err
	}
	pool, err := credentials.NewPool(tokens)
	if err != nil {
		return err
	}

	clientLogger := logging.NewLogger("congress-client")
	c, err := client.New(client.Config{
		BaseURL:           cfg.Client.BaseURL,
		Pool:              pool,
		Limiter:           limiter.New(cfg.Client.MaxConcurrency),
		Tracker:           ratelimit.NewTracker(redisClient, logging.NewLogger("ratelimit")),
		Timeout:           cfg.Client.Timeout,
		UserAgent:         cfg.Client.UserAgent,
		RequestsPerSecond: cfg.Client.RequestsPerSecond,
		ListGroup:         cfg.Client.ListGroup,
		Logger:            &clientLogger,
	})
	if err != nil {
		return err
	}

	switch cfg.Command {
	case config.CommandDiscover:
		return discover(ctx, cfg, c, pool, redisClient, logger)
	default:
		return enrich(ctx, cfg, c, pool, logger)
	}
}

func discover(ctx context.Context, cfg *config.Config, c *client.Client, pool *credentials.Pool, redisClient *redis.Client, logger zerolog.Logger) error {
	if err := pool.Require(cfg.Client.ListGroup); err != nil {
		return err
	}

	r, err := partition.NewTimeRange(cfg.Discover.Start, cfg.Discover.End)
	if err != nil {
		return err
	}

	state := client.NewRunState(cfg.Client.Policy(), logger)
	opts := partition.Options{
		Limit: cfg.Discover.Limit,
		Delay: cfg.Discover.Delay,
	}
	if redisClient != nil {
		opts.Cache = cache.NewManager(redisClient, cfg.Discover.CacheTTL)
	}
	partLogger := state.Logger().With().Str("component", "partitioner").Logger()
	opts.Logger = &partLogger

	p, err := partition.New(c.RangeFetcher(cfg.Discover.Limit, state), opts)
	if err != nil {
		return err
	}

	res, runErr := p.Run(ctx, r)
	if res == nil {
		return runErr
	}

	// A partial crawl is still written so the covered ranges are kept.
	if err := store.WriteDiscoveryFile(cfg.Discover.Output, res.Items); err != nil {
		return err
	}

	logger.Info().
		Str("output", cfg.Discover.Output).
		Int("bills", len(res.Items)).
		Int("calls", res.Calls).
		Int("truncated", len(res.Truncated)).
		Int("failed_ranges", len(res.Failed)).
		Int("errors", state.ErrorCount()).
		Msg("Discovery written")

	return runErr
}

func enrich(ctx context.Context, cfg *config.Config, c *client.Client, pool *credentials.Pool, logger zerolog.Logger) error {
	in, err := bills.LoadFile(cfg.Enrich.Input)
	if err != nil {
		return err
	}
	for _, d := range in.Dropped {
		logger.Warn().Err(d.Err).Int("row_index", d.RowIndex).Msg("Input row dropped")
	}
	if len(in.Records) == 0 {
		return fmt.Errorf("no usable rows in %s", cfg.Enrich.Input)
	}

	pcfg := pipeline.DefaultConfig(in.Columns)
	pcfg.BatchSize = cfg.Enrich.BatchSize
	pcfg.Policy = cfg.Client.Policy()
	pcfg.Logger = &logger

	if err := pool.Require(bills.Groups(pcfg.Endpoints)...); err != nil {
		return err
	}

	var out pipeline.Store
	if cfg.Enrich.PostgresDSN != "" {
		pg, err := store.OpenPool(ctx, cfg.Enrich.PostgresDSN, cfg.Enrich.MaxConns)
		if err != nil {
			return err
		}
		defer pg.Close()
		if out, err = store.NewPostgresStore(ctx, pg, cfg.Enrich.Table); err != nil {
			return err
		}
	} else {
		out = store.NewCSVStore(cfg.Enrich.Output)
	}

	p, err := pipeline.New(pcfg, c, out)
	if err != nil {
		return err
	}

	summary, err := p.Run(ctx, in.Records)
	if summary != nil && len(summary.EndpointFailures) > 0 {
		logger.Warn().Interface("endpoint_failures", summary.EndpointFailures).Msg("Some endpoints failed; their columns are empty in the output")
	}
	return err
}

// newMux serves /health, /ready and /metrics.
func newMux(redisClient *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while a configured Redis is unreachable.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}
