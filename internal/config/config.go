// Package config assembles harvester configuration: defaults, then the
// HARVEST_* environment, then command-line flags, then validation.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/congress-harvest/pkg/cache"
	"github.com/Sternrassler/congress-harvest/pkg/client"
	"github.com/Sternrassler/congress-harvest/pkg/limiter"
	"github.com/Sternrassler/congress-harvest/pkg/partition"
	"github.com/Sternrassler/congress-harvest/pkg/pipeline"
	"github.com/Sternrassler/congress-harvest/pkg/store"
)

// Subcommands.
const (
	CommandDiscover = "discover"
	CommandEnrich   = "enrich"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HARVEST_"

// ErrUnknownCommand is returned by Load for anything but discover or enrich.
var ErrUnknownCommand = errors.New("unknown command")

// Config is the full harvester configuration.
type Config struct {
	Command string

	Client   ClientConfig
	Log      LogConfig
	Discover DiscoverConfig
	Enrich   EnrichConfig

	// RedisAddr enables the range cache and shared quota state. Empty disables both.
	RedisAddr string

	// MetricsAddr serves /health and /metrics, e.g. ":9090". Empty disables.
	MetricsAddr string
}

// ClientConfig configures API access.
type ClientConfig struct {
	BaseURL           string        `validate:"required,url"`
	CredentialsFile   string        `validate:"required"`
	UserAgent         string        `validate:"required"`
	ListGroup         string        `validate:"required"`
	Timeout           time.Duration `validate:"gt=0"`
	MaxConcurrency    int           `validate:"min=1"`
	RequestsPerSecond float64       `validate:"gte=0"`
	MaxRetries        int           `validate:"min=1"`
	BackoffFactor     time.Duration `validate:"gte=0"`
	RetryStatuses     []int         `validate:"min=1,dive,min=400,max=599"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `validate:"oneof=debug info warn error"`
	Pretty   bool
	ErrorLog string
}

// DiscoverConfig configures the partitioned bill listing.
type DiscoverConfig struct {
	Start    time.Time     `validate:"required"`
	End      time.Time     `validate:"required,gtfield=Start"`
	Limit    int           `validate:"min=1,max=250"`
	Delay    time.Duration `validate:"gte=0"`
	CacheTTL time.Duration `validate:"gte=0"`
	Output   string        `validate:"required"`
}

// EnrichConfig configures the batch pipeline. Exactly one of Output and
// PostgresDSN selects the store.
type EnrichConfig struct {
	Input       string `validate:"required"`
	Output      string `validate:"required_without=PostgresDSN,excluded_with=PostgresDSN"`
	PostgresDSN string
	Table       string `validate:"required"`
	MaxConns    int32  `validate:"min=1"`
	BatchSize   int    `validate:"min=1"`
}

// DefaultConfig returns the defaults used before environment and flags.
func DefaultConfig() Config {
	policy := client.DefaultPolicy()
	return Config{
		Client: ClientConfig{
			BaseURL:        client.DefaultBaseURL,
			UserAgent:      "congress-harvest/0.1.0",
			ListGroup:      client.DefaultListGroup,
			Timeout:        30 * time.Second,
			MaxConcurrency: limiter.DefaultCapacity,
			MaxRetries:     policy.MaxRetries,
			BackoffFactor:  policy.BackoffFactor,
			RetryStatuses:  policy.RetryStatuses,
		},
		Log: LogConfig{
			Level: "info",
		},
		Discover: DiscoverConfig{
			Limit:    partition.DefaultLimit,
			Delay:    partition.DefaultDelay,
			CacheTTL: cache.DefaultTTL,
			Output:   "bills.csv",
		},
		Enrich: EnrichConfig{
			Table:     store.DefaultTable,
			MaxConns:  4,
			BatchSize: pipeline.DefaultBatchSize,
		},
	}
}

// Policy returns the retry policy described by c.
func (c ClientConfig) Policy() client.Policy {
	return client.Policy{
		MaxRetries:    c.MaxRetries,
		BackoffFactor: c.BackoffFactor,
		RetryStatuses: append([]int(nil), c.RetryStatuses...),
	}
}

// Load builds the configuration for command. getenv is usually os.Getenv.
// A -h/--help flag yields pflag.ErrHelp.
func Load(command string, args []string, getenv func(string) string) (*Config, error) {
	if command != CommandDiscover && command != CommandEnrich {
		return nil, fmt.Errorf("%w %q (want %s or %s)", ErrUnknownCommand, command, CommandDiscover, CommandEnrich)
	}

	cfg := DefaultConfig()
	cfg.Command = command
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	times := cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := times.apply(&cfg.Discover); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the sections used by c.Command.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	sections := []any{&c.Client, &c.Log}
	switch c.Command {
	case CommandDiscover:
		sections = append(sections, &c.Discover)
	case CommandEnrich:
		sections = append(sections, &c.Enrich)
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, c.Command)
	}

	for _, s := range sections {
		if err := v.Struct(s); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	env := func(key string) string {
		return strings.TrimSpace(getenv(EnvPrefix + key))
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("BASE_URL", &c.Client.BaseURL)
	str("CREDENTIALS", &c.Client.CredentialsFile)
	str("USER_AGENT", &c.Client.UserAgent)
	str("LIST_GROUP", &c.Client.ListGroup)
	duration("TIMEOUT", &c.Client.Timeout)
	integer("MAX_CONCURRENCY", &c.Client.MaxConcurrency)
	integer("MAX_RETRIES", &c.Client.MaxRetries)
	duration("BACKOFF_FACTOR", &c.Client.BackoffFactor)
	if v := env("REQUESTS_PER_SECOND"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREQUESTS_PER_SECOND: %w", EnvPrefix, err))
		} else {
			c.Client.RequestsPerSecond = rps
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	if v := env("LOG_PRETTY"); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_PRETTY: %w", EnvPrefix, err))
		} else {
			c.Log.Pretty = pretty
		}
	}
	str("ERROR_LOG", &c.Log.ErrorLog)

	str("REDIS_ADDR", &c.RedisAddr)
	str("METRICS_ADDR", &c.MetricsAddr)

	duration("DELAY", &c.Discover.Delay)
	duration("CACHE_TTL", &c.Discover.CacheTTL)

	str("POSTGRES_DSN", &c.Enrich.PostgresDSN)
	str("TABLE", &c.Enrich.Table)
	integer("BATCH_SIZE", &c.Enrich.BatchSize)

	return errors.Join(errs...)
}

// timeFlags holds the raw --start/--end values until parsing.
type timeFlags struct {
	start, end string
}

func (c *Config) bindFlags(fs *pflag.FlagSet) *timeFlags {
	fs.StringVar(&c.Client.BaseURL, "base-url", c.Client.BaseURL, "API root URL")
	fs.StringVar(&c.Client.CredentialsFile, "credentials", c.Client.CredentialsFile, "YAML or JSON file mapping credential groups to API keys (required)")
	fs.StringVar(&c.Client.UserAgent, "user-agent", c.Client.UserAgent, "User-Agent header")
	fs.DurationVar(&c.Client.Timeout, "timeout", c.Client.Timeout, "per-request HTTP timeout")
	fs.IntVar(&c.Client.MaxConcurrency, "max-concurrency", c.Client.MaxConcurrency, "maximum requests in flight")
	fs.Float64Var(&c.Client.RequestsPerSecond, "rps", c.Client.RequestsPerSecond, "client-wide requests per second (0 = unlimited)")
	fs.IntVar(&c.Client.MaxRetries, "max-retries", c.Client.MaxRetries, "retry rounds per endpoint")
	fs.DurationVar(&c.Client.BackoffFactor, "backoff", c.Client.BackoffFactor, "backoff factor; round n sleeps n times this")
	fs.IntSliceVar(&c.Client.RetryStatuses, "retry-status", c.Client.RetryStatuses, "HTTP statuses that rotate credentials and retry")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Pretty, "log-pretty", c.Log.Pretty, "human-readable console logs")
	fs.StringVar(&c.Log.ErrorLog, "error-log", c.Log.ErrorLog, "file receiving warn and error events")

	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for the range cache and quota state")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address serving /health and /metrics")

	tf := &timeFlags{}
	switch c.Command {
	case CommandDiscover:
		fs.StringVar(&c.Client.ListGroup, "list-group", c.Client.ListGroup, "credential group used for listing calls")
		fs.StringVar(&tf.start, "start", "", "range start, YYYY-MM-DD or RFC3339 (required)")
		fs.StringVar(&tf.end, "end", "", "range end, exclusive (required)")
		fs.IntVar(&c.Discover.Limit, "limit", c.Discover.Limit, "results per call (API maximum 250)")
		fs.DurationVar(&c.Discover.Delay, "delay", c.Discover.Delay, "pause after every listing call")
		fs.DurationVar(&c.Discover.CacheTTL, "cache-ttl", c.Discover.CacheTTL, "range cache TTL")
		fs.StringVarP(&c.Discover.Output, "output", "o", c.Discover.Output, "discovery CSV path")
	case CommandEnrich:
		fs.StringVarP(&c.Enrich.Input, "input", "i", c.Enrich.Input, "input CSV with congress, type and number columns (required)")
		fs.StringVarP(&c.Enrich.Output, "output", "o", c.Enrich.Output, "output CSV path")
		fs.StringVar(&c.Enrich.PostgresDSN, "postgres", c.Enrich.PostgresDSN, "PostgreSQL DSN; replaces the CSV output")
		fs.StringVar(&c.Enrich.Table, "table", c.Enrich.Table, "PostgreSQL table")
		fs.Int32Var(&c.Enrich.MaxConns, "max-conns", c.Enrich.MaxConns, "PostgreSQL pool size")
		fs.IntVar(&c.Enrich.BatchSize, "batch-size", c.Enrich.BatchSize, "records per checkpointed batch")
	}
	return tf
}

func (tf *timeFlags) apply(d *DiscoverConfig) error {
	var err error
	if tf.start != "" {
		if d.Start, err = ParseTime(tf.start); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	if tf.end != "" {
		if d.End, err = ParseTime(tf.end); err != nil {
			return fmt.Errorf("--end: %w", err)
		}
	}
	return nil
}

// ParseTime accepts a date (midnight UTC) or an RFC3339 timestamp, and
// returns it in UTC truncated to the minute.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Minute), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC3339", s)
}
