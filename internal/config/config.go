// Package config loads process configuration from a file and WFV_ prefixed
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/wf-validator/pkg/types"
	"github.com/atlas-desktop/wf-validator/pkg/utils"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WFV"

// Config is the full process configuration
type Config struct {
	LogLevel   string                 `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat  string                 `mapstructure:"log_format" validate:"oneof=console json"`
	Server     types.ServerConfig     `mapstructure:"server"`
	Data       types.DataConfig       `mapstructure:"data"`
	Storage    types.StorageConfig    `mapstructure:"storage"`
	Validation types.ValidationConfig `mapstructure:"validation"`
}

// Retry returns the persistence retry policy
func (c *Config) Retry() utils.RetryConfig {
	rc := utils.DefaultRetryConfig()
	rc.MaxAttempts = c.Storage.Retries + 1
	if c.Storage.RetryDelay > 0 {
		rc.InitialDelay = c.Storage.RetryDelay
	}
	return rc
}

var validate = validator.New()

// Load loads configuration from file and environment variables. An empty
// path searches ./configs and the working directory for config.yaml.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct tag validation and the cross-field run checks
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := make(types.ConfigErrors, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, &types.ConfigError{
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param()),
			})
		}
		return out
	}
	return c.Validation.Check()
}

func decimalHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.enable_metrics", true)

	// Data defaults
	v.SetDefault("data.data_dir", "./data")
	v.SetDefault("data.symbol", "BTCUSDT")
	v.SetDefault("data.interval", "1h")
	v.SetDefault("data.csv_path", "")

	// Storage defaults
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.postgres_url", "postgres://postgres@localhost:5432/wfv?sslmode=disable")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.report_ttl", 7*24*time.Hour)
	v.SetDefault("storage.retries", 2)
	v.SetDefault("storage.retry_delay", 100*time.Millisecond)
	v.SetDefault("storage.breaker", true)

	// Walk-forward defaults
	v.SetDefault("validation.mode", "optimize")
	v.SetDefault("validation.strategy", "ma_cross")
	v.SetDefault("validation.walk_forward.is_bars", 500)
	v.SetDefault("validation.walk_forward.gap_bars", 0)
	v.SetDefault("validation.walk_forward.oos_bars", 100)
	v.SetDefault("validation.walk_forward.forward_bars", 0)
	v.SetDefault("validation.walk_forward.step_bars", 0)
	v.SetDefault("validation.walk_forward.warmup_bars", 50)
	v.SetDefault("validation.walk_forward.anchored", false)
	v.SetDefault("validation.walk_forward.align", false)
	v.SetDefault("validation.walk_forward.timezone", "UTC")

	// Selection defaults
	v.SetDefault("validation.selection.dsr_top_k", 2)
	v.SetDefault("validation.selection.forward_test_top_k", 2)
	v.SetDefault("validation.selection.stress_test_top_k", 2)
	v.SetDefault("validation.selection.optimizer_top_k", 3)
	v.SetDefault("validation.selection.holdout_bars", 100)
	v.SetDefault("validation.selection.stress_pool", 10)
	v.SetDefault("validation.selection.stress_samples", 8)
	v.SetDefault("validation.selection.stress_perturb", 0.1)

	// Runner defaults
	v.SetDefault("validation.runner.workers", 4)
	v.SetDefault("validation.runner.candidate_timeout", 30*time.Second)
	v.SetDefault("validation.runner.batch_timeout", 5*time.Minute)

	// Optimizer defaults
	v.SetDefault("validation.optimizer.method", "grid")
	v.SetDefault("validation.optimizer.max_trials", 100)
	v.SetDefault("validation.optimizer.grid_steps", 5)
	v.SetDefault("validation.optimizer.seed", 1)

	v.SetDefault("validation.objectives", []map[string]interface{}{
		{"metric": types.MetricSharpe, "direction": string(types.Maximize)},
	})

	// Portfolio defaults
	v.SetDefault("validation.portfolio.initial_capital", "10000")
	v.SetDefault("validation.portfolio.commission", "0.001")
	v.SetDefault("validation.portfolio.periods_per_year", 8760)
}
