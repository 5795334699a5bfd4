package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds pipeline-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string
	RedisAddr   string

	ScorerURL         string
	ScorerConcurrency int
	ScorerRetries     int
	ScorerBackoffMS   int
	ScorerTimeoutSec  int
	IncludeScalars    bool

	SupervisorURL   string
	GraphURL        string
	SummaryURL      string
	InvestigateURL  string
	AgentTimeoutSec int
	SourceLabel     string
	DedupTTLHours   int

	MaxDepth      int
	LowConfidence float64
	ObservableCap int

	LeaseWindowSec  int
	PollIntervalSec int
	BatchSize       int

	ClickHouseURL      string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	CanonicalTable     string
	WideTable          string

	DLQPath          string
	DrainIntervalSec int
	DrainMaxAttempts int

	ReviewWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting the intake API (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory intake queue)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for escalation dedup (empty = in-memory set)")

	fs.StringVar(&c.ScorerURL, "scorer-url", "", "rule/ML scorer endpoint URL")
	fs.IntVar(&c.ScorerConcurrency, "scorer-concurrency", 5, "max in-flight scorer calls (1..64)")
	fs.IntVar(&c.ScorerRetries, "scorer-retries", 3, "total scorer attempts per alert (1..10)")
	fs.IntVar(&c.ScorerBackoffMS, "scorer-backoff-ms", 250, "base backoff between scorer retries in milliseconds")
	fs.IntVar(&c.ScorerTimeoutSec, "scorer-timeout-seconds", 10, "per-attempt scorer timeout in seconds")
	fs.BoolVar(&c.IncludeScalars, "scorer-include-scalars", false, "send flattened scalar fields alongside the alert document")

	fs.StringVar(&c.SupervisorURL, "supervisor-url", "", "supervisor agent endpoint URL for ambiguous alerts")
	fs.StringVar(&c.GraphURL, "graph-url", "", "graph builder endpoint URL")
	fs.StringVar(&c.SummaryURL, "summary-url", "", "summary agent base URL")
	fs.StringVar(&c.InvestigateURL, "investigate-url", "", "investigation agent base URL")
	fs.IntVar(&c.AgentTimeoutSec, "agent-timeout-seconds", 8, "per-call agent timeout in seconds")
	fs.StringVar(&c.SourceLabel, "source-label", "edr", "source label passed to the supervisor")
	fs.IntVar(&c.DedupTTLHours, "dedup-ttl-hours", 24, "hours an (alert, alpha) pair stays suppressed (1..168)")

	fs.IntVar(&c.MaxDepth, "normalize-max-depth", 10, "max payload nesting depth walked by the normalizer")
	fs.Float64Var(&c.LowConfidence, "normalize-low-confidence", 0.7, "confidence below which a mapping counts as low (0..1)")
	fs.IntVar(&c.ObservableCap, "normalize-observable-cap", 50, "max observables extracted per alert")

	fs.IntVar(&c.LeaseWindowSec, "lease-window-seconds", 60, "how long a leased record stays invisible to other workers")
	fs.IntVar(&c.PollIntervalSec, "poll-interval-seconds", 5, "seconds between intake queue polls")
	fs.IntVar(&c.BatchSize, "batch-size", 50, "max records leased per poll (1..500)")

	fs.StringVar(&c.ClickHouseURL, "clickhouse-url", "", "ClickHouse HTTP endpoint (empty = analytics disabled)")
	fs.StringVar(&c.ClickHouseDatabase, "clickhouse-database", "secops", "ClickHouse database name")
	fs.StringVar(&c.ClickHouseUser, "clickhouse-user", "", "ClickHouse user for inserts")
	fs.StringVar(&c.ClickHousePassword, "clickhouse-password", "", "ClickHouse password for inserts")
	fs.StringVar(&c.CanonicalTable, "canonical-table", "alerts_canonical", "table for normalized alert rows")
	fs.StringVar(&c.WideTable, "wide-table", "model_scores_wide", "table for consolidated score rows")

	fs.StringVar(&c.DLQPath, "dlq-path", "alphapipe-dlq.jsonl", "file backing the analytics dead letter queue")
	fs.IntVar(&c.DrainIntervalSec, "dlq-drain-interval-seconds", 30, "seconds between DLQ drain passes")
	fs.IntVar(&c.DrainMaxAttempts, "dlq-max-attempts", 6, "delivery attempts before a DLQ entry is dropped (1..20)")

	fs.StringVar(&c.ReviewWebhookURL, "review-webhook-url", "", "webhook URL for needs-human-review notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Scorer endpoint is required; without it nothing gets a verdict
	if c.ScorerURL == "" {
		errs = append(errs, errors.New("SCORER_URL is required"))
	}
	if c.ScorerConcurrency <= 0 || c.ScorerConcurrency > 64 {
		errs = append(errs, fmt.Errorf("invalid SCORER_CONCURRENCY %d (must be 1..64)", c.ScorerConcurrency))
	}
	if c.ScorerRetries <= 0 || c.ScorerRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid SCORER_RETRIES %d (must be 1..10)", c.ScorerRetries))
	}

	if c.DedupTTLHours <= 0 || c.DedupTTLHours > 168 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_TTL_HOURS %d (must be 1..168)", c.DedupTTLHours))
	}

	if c.LowConfidence < 0 || c.LowConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid NORMALIZE_LOW_CONFIDENCE %g (must be 0..1)", c.LowConfidence))
	}

	if c.BatchSize <= 0 || c.BatchSize > 500 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be 1..500)", c.BatchSize))
	}
	if c.LeaseWindowSec <= 0 {
		errs = append(errs, fmt.Errorf("invalid LEASE_WINDOW_SECONDS %d (must be positive)", c.LeaseWindowSec))
	}
	if c.PollIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_SECONDS %d (must be positive)", c.PollIntervalSec))
	}

	// ClickHouse credentials only make sense with an endpoint
	if c.ClickHouseURL == "" && (c.ClickHouseUser != "" || c.ClickHousePassword != "") {
		errs = append(errs, errors.New("CLICKHOUSE_USER/CLICKHOUSE_PASSWORD set without CLICKHOUSE_URL"))
	}

	if c.DrainMaxAttempts <= 0 || c.DrainMaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid DLQ_MAX_ATTEMPTS %d (must be 1..20)", c.DrainMaxAttempts))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
