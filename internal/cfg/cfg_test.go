package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:             10,
		ShutdownBudgetSeconds:    30,
		APIPort:                  8080,
		MaxBodyBytes:             65536,
		AgentBaseURL:             "http://agent:8000",
		AgentTimeoutSeconds:      60,
		CorrelationWindowMinutes: 1,
		MerchantThreshold:        1,
		EvalWorkers:              2,
		EvalQueue:                64,
		DispatchWorkers:          8,
		DispatchQueue:            256,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	want := validBase()
	want.AgentBaseURL = ""
	if c != want {
		t.Errorf("defaults = %+v\nwant %+v", c, want)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-agent-base-url", "https://agent.internal",
		"-agent-timeout-seconds", "15",
		"-correlation-window-minutes", "5",
		"-merchant-threshold", "3",
		"-migration-last-write-wins",
		"-redis-url", "redis://localhost:6379/0",
		"-api-token", "tok",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.AgentBaseURL != "https://agent.internal" {
		t.Errorf("AgentBaseURL = %q", c.AgentBaseURL)
	}
	if c.AgentTimeout() != 15*time.Second {
		t.Errorf("AgentTimeout = %s, want 15s", c.AgentTimeout())
	}
	if !c.MigrationLastWriteWins {
		t.Error("MigrationLastWriteWins = false, want true")
	}
	if c.RedisURL == "" || c.APIToken != "tok" {
		t.Errorf("RedisURL = %q, APIToken = %q", c.RedisURL, c.APIToken)
	}

	r := c.Rules()
	if r.Window != 5*time.Minute || r.MerchantThreshold != 3 {
		t.Errorf("Rules = %+v", r)
	}
	if len(r.MonitoredTypes) != 3 {
		t.Errorf("MonitoredTypes = %v, want the three failure types", r.MonitoredTypes)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*Config)) Config {
		c := validBase()
		mut(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.EvalWorkers, c.EvalQueue, c.DispatchWorkers, c.DispatchQueue = 1, 1, 1, 1
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.AgentTimeoutSeconds = 600
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 30, 30 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Agent
		{
			name:      "missing agent url",
			cfg:       with(func(c *Config) { c.AgentBaseURL = "" }),
			wantErr:   true,
			errSubstr: []string{"AGENT_BASE_URL is required"},
		},
		{
			name:      "relative agent url",
			cfg:       with(func(c *Config) { c.AgentBaseURL = "agent:8000" }),
			wantErr:   true,
			errSubstr: []string{"invalid AGENT_BASE_URL"},
		},
		{
			name:      "agent timeout zero",
			cfg:       with(func(c *Config) { c.AgentTimeoutSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"AGENT_TIMEOUT_SECONDS"},
		},
		// Rules
		{
			name:      "window zero",
			cfg:       with(func(c *Config) { c.CorrelationWindowMinutes = 0 }),
			wantErr:   true,
			errSubstr: []string{"correlation rules", "window"},
		},
		{
			name:      "threshold zero",
			cfg:       with(func(c *Config) { c.MerchantThreshold = 0 }),
			wantErr:   true,
			errSubstr: []string{"merchant threshold"},
		},
		// Pools
		{
			name:      "no workers",
			cfg:       with(func(c *Config) { c.EvalWorkers, c.DispatchWorkers = 0, 0 }),
			wantErr:   true,
			errSubstr: []string{"EVAL_WORKERS", "DISPATCH_WORKERS"},
		},
		{
			name:      "no queues",
			cfg:       with(func(c *Config) { c.EvalQueue, c.DispatchQueue = 0, 0 }),
			wantErr:   true,
			errSubstr: []string{"EVAL_QUEUE", "DISPATCH_QUEUE"},
		},
		{
			name:      "body limit zero",
			cfg:       with(func(c *Config) { c.MaxBodyBytes = 0 }),
			wantErr:   true,
			errSubstr: []string{"MAX_BODY_BYTES"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "AGENT_BASE_URL", "EVAL_WORKERS", "DISPATCH_QUEUE"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       Config{DrainSeconds: math.MinInt32, ShutdownBudgetSeconds: math.MinInt32, APIPort: math.MinInt32},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, window, threshold int
		agentURL                               string
	}{
		{10, 30, 8080, 1, 1, "http://agent:8000"},
		{1, 2, 1, 1, 1, "https://a"},
		{299, 300, 65535, 60, 10, "http://a"},
		{0, 0, 0, 0, 0, ""},
		{-1, -1, -1, -1, -1, "ftp://a"},
		{300, 300, 65535, 1, 1, "http://a"},
		{150, 100, 8080, 1, 1, "http://a"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.window, s.threshold, s.agentURL)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, window, threshold int, agentURL string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.CorrelationWindowMinutes = window
		c.MerchantThreshold = threshold
		c.AgentBaseURL = agentURL

		// Must not panic
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		thresholdOK := threshold >= 1
		if !(drainOK && budgetOK && portOK && crossOK && thresholdOK) && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
		if agentURL == "" && err == nil {
			t.Error("expected error for empty agent url")
		}
	})
}
