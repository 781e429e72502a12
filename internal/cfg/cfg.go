package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/tripwire/internal/rules"
)

// Config holds the application flags. It satisfies the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	MaxBodyBytes          int64
	EnvFile               string

	DatabaseURL string
	RedisURL    string

	AgentBaseURL        string
	AgentTimeoutSeconds int

	CorrelationWindowMinutes int
	MerchantThreshold        int
	RulesFile                string

	EvalWorkers     int
	EvalQueue       int
	DispatchWorkers int
	DispatchQueue   int

	MigrationLastWriteWins bool

	SlackWebhookURL string
	APIToken        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 10, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "maximum accepted request body size in bytes")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before reading TRIPWIRE_* variables")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the cross-process dedup guard (empty = advisory dedup only)")
	fs.StringVar(&c.AgentBaseURL, "agent-base-url", "", "base URL of the analysis agent (required)")
	fs.IntVar(&c.AgentTimeoutSeconds, "agent-timeout-seconds", 60, "per-call agent timeout in seconds (1..600)")
	fs.IntVar(&c.CorrelationWindowMinutes, "correlation-window-minutes", 1, "correlation window width in minutes")
	fs.IntVar(&c.MerchantThreshold, "merchant-threshold", 1, "distinct merchants required to raise a trigger")
	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML correlation rules file, reloaded on change (overrides the window and threshold flags)")
	fs.IntVar(&c.EvalWorkers, "eval-workers", 2, "correlation evaluation workers")
	fs.IntVar(&c.EvalQueue, "eval-queue", 64, "pending correlation evaluations before new requests coalesce")
	fs.IntVar(&c.DispatchWorkers, "dispatch-workers", 8, "concurrent agent dispatches")
	fs.IntVar(&c.DispatchQueue, "dispatch-queue", 256, "pending agent dispatches before triggers fail with queue_full")
	fs.BoolVar(&c.MigrationLastWriteWins, "migration-last-write-wins", false, "apply migration updates in arrival order even when older than the stored state")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for trigger notifications")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required by the dashboard API (empty = no auth)")
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

	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be >= 1)", c.MaxBodyBytes))
	}

	// Agent endpoint is required for dispatch
	if c.AgentBaseURL == "" {
		errs = append(errs, errors.New("AGENT_BASE_URL is required"))
	} else if u, err := url.Parse(c.AgentBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid AGENT_BASE_URL %q (must be an absolute http(s) URL)", c.AgentBaseURL))
	}
	if c.AgentTimeoutSeconds <= 0 || c.AgentTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid AGENT_TIMEOUT_SECONDS %d (must be 1..600)", c.AgentTimeoutSeconds))
	}

	// Flag rules are validated even with a rules file; they are the fallback
	if err := c.Rules().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid correlation rules: %w", err))
	}

	// Worker pools
	if c.EvalWorkers < 1 {
		errs = append(errs, fmt.Errorf("invalid EVAL_WORKERS %d (must be >= 1)", c.EvalWorkers))
	}
	if c.EvalQueue < 1 {
		errs = append(errs, fmt.Errorf("invalid EVAL_QUEUE %d (must be >= 1)", c.EvalQueue))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be >= 1)", c.DispatchWorkers))
	}
	if c.DispatchQueue < 1 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_QUEUE %d (must be >= 1)", c.DispatchQueue))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Rules returns the correlation rules described by the flags.
func (c *Config) Rules() rules.Rules {
	r := rules.Default()
	r.Window = time.Duration(c.CorrelationWindowMinutes) * time.Minute
	r.MerchantThreshold = c.MerchantThreshold
	return r
}

// AgentTimeout returns the agent timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}
