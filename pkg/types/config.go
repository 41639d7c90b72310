package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationConfig represents the configuration for a walk-forward run
type ValidationConfig struct {
	Mode        Mode              `json:"mode" mapstructure:"mode" validate:"oneof=fixed optimize"`
	Strategy    string            `json:"strategy" mapstructure:"strategy" validate:"required"`
	FixedParams map[string]any    `json:"fixedParams,omitempty" mapstructure:"fixed_params"`
	WalkForward WalkForwardConfig `json:"walkForward" mapstructure:"walk_forward"`
	Selection   SelectionConfig   `json:"selection" mapstructure:"selection"`
	Runner      RunnerConfig      `json:"runner" mapstructure:"runner"`
	Optimizer   OptimizerConfig   `json:"optimizer" mapstructure:"optimizer"`
	Objectives  []Objective       `json:"objectives" mapstructure:"objectives" validate:"min=1,dive"`
	Constraints []Constraint      `json:"constraints,omitempty" mapstructure:"constraints" validate:"dive"`
	Portfolio   PortfolioConfig   `json:"portfolio" mapstructure:"portfolio"`
}

// Check validates cross-field rules that struct tags cannot express. All
// violations are returned together as ConfigErrors.
func (c ValidationConfig) Check() error {
	var errs ConfigErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Mode {
	case ModeFixed:
		if len(c.FixedParams) == 0 {
			add("fixed_params", "required in fixed mode")
		}
	case ModeOptimize:
		s := c.Selection
		if s.DSRTopK+s.ForwardTestTopK+s.StressTestTopK+s.OptimizerTopK == 0 {
			add("selection", "at least one top-K must be positive in optimize mode")
		}
		if s.ForwardTestTopK > 0 && s.HoldoutBars == 0 {
			add("selection.holdout_bars", "required when forward_test_top_k > 0")
		}
	default:
		add("mode", "must be %q or %q, got %q", ModeFixed, ModeOptimize, c.Mode)
	}
	if c.Strategy == "" {
		add("strategy", "required")
	}

	wf := c.WalkForward
	if wf.ISBars < 1 {
		add("walk_forward.is_bars", "must be >= 1, got %d", wf.ISBars)
	}
	if wf.OOSBars < 1 {
		add("walk_forward.oos_bars", "must be >= 1, got %d", wf.OOSBars)
	}
	if wf.GapBars < 0 {
		add("walk_forward.gap_bars", "must be >= 0, got %d", wf.GapBars)
	}
	if wf.ForwardBars < 0 {
		add("walk_forward.forward_bars", "must be >= 0, got %d", wf.ForwardBars)
	}
	if wf.StepBars < 0 {
		add("walk_forward.step_bars", "must be >= 0, got %d", wf.StepBars)
	}
	if wf.WarmupBars < 0 {
		add("walk_forward.warmup_bars", "must be >= 0, got %d", wf.WarmupBars)
	}
	if wf.Timezone != "" {
		if _, err := time.LoadLocation(wf.Timezone); err != nil {
			add("walk_forward.timezone", "%v", err)
		}
	}

	sel := c.Selection
	for _, k := range []struct {
		field string
		v     int
	}{
		{"selection.dsr_top_k", sel.DSRTopK},
		{"selection.forward_test_top_k", sel.ForwardTestTopK},
		{"selection.stress_test_top_k", sel.StressTestTopK},
		{"selection.optimizer_top_k", sel.OptimizerTopK},
	} {
		if k.v < 0 {
			add(k.field, "must be >= 0, got %d", k.v)
		}
	}
	if sel.HoldoutBars < 0 || (wf.ISBars > 0 && sel.HoldoutBars >= wf.ISBars) {
		add("selection.holdout_bars", "must be in [0, is_bars), got %d", sel.HoldoutBars)
	}
	if sel.StressPerturb < 0 || sel.StressPerturb > 1 {
		add("selection.stress_perturb", "must be in [0, 1], got %g", sel.StressPerturb)
	}

	if c.Runner.Workers < 1 {
		add("runner.workers", "must be >= 1, got %d", c.Runner.Workers)
	}
	if c.Runner.CandidateTimeout < 0 {
		add("runner.candidate_timeout", "must be >= 0")
	}
	if c.Runner.BatchTimeout < 0 {
		add("runner.batch_timeout", "must be >= 0")
	}

	if len(c.Objectives) == 0 {
		add("objectives", "at least one objective required")
	}
	for i, o := range c.Objectives {
		if !IsMetric(o.Metric) {
			add(fmt.Sprintf("objectives[%d].metric", i), "unknown metric %q", o.Metric)
		}
		if o.Direction != Maximize && o.Direction != Minimize {
			add(fmt.Sprintf("objectives[%d].direction", i), "must be maximize or minimize, got %q", o.Direction)
		}
	}
	for i, con := range c.Constraints {
		if !IsMetric(con.Metric) {
			add(fmt.Sprintf("constraints[%d].metric", i), "unknown metric %q", con.Metric)
		}
		if con.Op != OpLTE && con.Op != OpGTE {
			add(fmt.Sprintf("constraints[%d].op", i), "must be lte or gte, got %q", con.Op)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// WalkForwardConfig represents walk-forward window configuration, in bars
type WalkForwardConfig struct {
	ISBars      int    `json:"isBars" mapstructure:"is_bars" validate:"gte=1"`
	GapBars     int    `json:"gapBars" mapstructure:"gap_bars" validate:"gte=0"`
	OOSBars     int    `json:"oosBars" mapstructure:"oos_bars" validate:"gte=1"`
	ForwardBars int    `json:"forwardBars" mapstructure:"forward_bars" validate:"gte=0"`
	StepBars    int    `json:"stepBars" mapstructure:"step_bars" validate:"gte=0"` // 0 means OOSBars
	WarmupBars  int    `json:"warmupBars" mapstructure:"warmup_bars" validate:"gte=0"`
	Anchored    bool   `json:"anchored" mapstructure:"anchored"`
	Align       bool   `json:"align" mapstructure:"align"`
	Timezone    string `json:"timezone" mapstructure:"timezone"`
}

// Step returns the effective step in bars
func (c WalkForwardConfig) Step() int {
	if c.StepBars <= 0 {
		return c.OOSBars
	}
	return c.StepBars
}

// SelectionConfig holds top-K per ranking source and source parameters
type SelectionConfig struct {
	DSRTopK          int     `json:"dsrTopK" mapstructure:"dsr_top_k" validate:"gte=0"`
	ForwardTestTopK  int     `json:"forwardTestTopK" mapstructure:"forward_test_top_k" validate:"gte=0"`
	StressTestTopK   int     `json:"stressTestTopK" mapstructure:"stress_test_top_k" validate:"gte=0"`
	OptimizerTopK    int     `json:"optimizerTopK" mapstructure:"optimizer_top_k" validate:"gte=0"`
	HoldoutBars      int     `json:"holdoutBars" mapstructure:"holdout_bars" validate:"gte=0"`
	StressPool       int     `json:"stressPool" mapstructure:"stress_pool" validate:"gte=0"`
	StressSamples    int     `json:"stressSamples" mapstructure:"stress_samples" validate:"gte=0"`
	StressPerturb    float64 `json:"stressPerturb" mapstructure:"stress_perturb" validate:"gte=0,lte=1"`
}

// TopK returns the configured top-K for a source
func (c SelectionConfig) TopK(source SourceMethod) int {
	switch source {
	case SourceDSR:
		return c.DSRTopK
	case SourceForwardTest:
		return c.ForwardTestTopK
	case SourceStressTest:
		return c.StressTestTopK
	case SourceOptimizerRank:
		return c.OptimizerTopK
	}
	return 0
}

// RunnerConfig represents validation runner configuration
type RunnerConfig struct {
	Workers          int           `json:"workers" mapstructure:"workers" validate:"gte=1"`
	CandidateTimeout time.Duration `json:"candidateTimeout" mapstructure:"candidate_timeout" validate:"gte=0"`
	BatchTimeout     time.Duration `json:"batchTimeout" mapstructure:"batch_timeout" validate:"gte=0"`
}

// OptimizerConfig represents parameter search configuration
type OptimizerConfig struct {
	Method    string `json:"method" mapstructure:"method" validate:"oneof=grid random"`
	MaxTrials int    `json:"maxTrials" mapstructure:"max_trials" validate:"gte=1"`
	GridSteps int    `json:"gridSteps" mapstructure:"grid_steps" validate:"gte=2"`
	Seed      int64  `json:"seed" mapstructure:"seed"`
}

// PortfolioConfig represents simulated account settings
type PortfolioConfig struct {
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	Commission     decimal.Decimal `json:"commission" mapstructure:"commission"`
	PeriodsPerYear int             `json:"periodsPerYear" mapstructure:"periods_per_year" validate:"gte=0"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DataDir  string `json:"dataDir" mapstructure:"data_dir"`
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Interval string `json:"interval" mapstructure:"interval"`
	CSVPath  string `json:"csvPath" mapstructure:"csv_path"`
}

// StorageConfig represents result persistence configuration
type StorageConfig struct {
	Backend       string        `json:"backend" mapstructure:"backend" validate:"oneof=memory postgres redis"`
	PostgresURL   string        `json:"postgresUrl" mapstructure:"postgres_url"`
	RedisAddr     string        `json:"redisAddr" mapstructure:"redis_addr"`
	RedisPassword string        `json:"-" mapstructure:"redis_password"`
	RedisDB       int           `json:"redisDb" mapstructure:"redis_db"`
	ReportTTL     time.Duration `json:"reportTtl" mapstructure:"report_ttl"`
	Retries       int           `json:"retries" mapstructure:"retries" validate:"gte=0"`
	RetryDelay    time.Duration `json:"retryDelay" mapstructure:"retry_delay"`
	Breaker       bool          `json:"breaker" mapstructure:"breaker"`
}
