package main

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"causeval/internal/credential"
	"causeval/internal/errors"
	"causeval/internal/orchestrator"
	"causeval/internal/relevance"
)

// RuntimeConfig is everything the CLI needs beyond the task set itself.
type RuntimeConfig struct {
	Credentials []credential.Spec `mapstructure:"credentials"`
	Pool        struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"pool"`
	Agent struct {
		BaseURL     string        `mapstructure:"base_url"`
		Model       string        `mapstructure:"model"`
		Temperature float64       `mapstructure:"temperature"`
		MaxTokens   int           `mapstructure:"max_tokens"`
		MaxTurns    int           `mapstructure:"max_turns"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"agent"`
	Concurrency  int             `mapstructure:"concurrency"`
	Retries      int             `mapstructure:"retries"`
	DrainTimeout time.Duration   `mapstructure:"drain_timeout"`
	Validator    relevanceConfig `mapstructure:"validator"`
	Metrics      struct {
		Enabled        bool `mapstructure:"enabled"`
		PrometheusPort int  `mapstructure:"prometheus_port"`
	} `mapstructure:"metrics"`
	OutputDir string `mapstructure:"output_dir"`
}

type relevanceConfig struct {
	Mode                 string  `mapstructure:"mode"`
	Trials               int     `mapstructure:"trials"`
	MaxTrials            int     `mapstructure:"max_trials"`
	RoundSize            int     `mapstructure:"round_size"`
	InclusionProbability float64 `mapstructure:"inclusion_probability"`
	Seed                 int64   `mapstructure:"seed"`
	Convergence          float64 `mapstructure:"convergence"`
}

// loadRuntimeConfig reads causeval.yaml from the usual locations, letting an
// explicit --config path win, and environment variables override file values.
func loadRuntimeConfig(explicitPath string) (*RuntimeConfig, error) {
	v := viper.New()
	v.SetConfigName("causeval")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/causeval")
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	}

	v.SetEnvPrefix("CAUSEVAL")
	v.AutomaticEnv()

	v.SetDefault("concurrency", 4)
	v.SetDefault("retries", 2)
	v.SetDefault("drain_timeout", "30s")
	v.SetDefault("output_dir", "./causeval_results")
	v.SetDefault("pool.failure_threshold", 3)
	v.SetDefault("pool.cooldown", "30s")
	v.SetDefault("agent.timeout", "120s")
	v.SetDefault("validator.mode", "adaptive")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine for dry runs; credentials then come from
		// CAUSEVAL_* environment variables or fail at pool construction.
	}

	var config RuntimeConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &config, nil
}

func (c *RuntimeConfig) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxConcurrency: c.Concurrency,
		MaxRetries:     c.Retries,
		DrainTimeout:   c.DrainTimeout,
		Backoff:        errors.DefaultBackoffConfig(),
	}
}

func (c *RuntimeConfig) validatorConfig() relevance.Config {
	thresholds := relevance.DefaultThresholds()
	if c.Validator.Convergence > 0 {
		thresholds.Convergence = c.Validator.Convergence
	}
	return relevance.Config{
		Mode:                 relevance.Mode(c.Validator.Mode),
		Trials:               c.Validator.Trials,
		MaxTrials:            c.Validator.MaxTrials,
		RoundSize:            c.Validator.RoundSize,
		InclusionProbability: c.Validator.InclusionProbability,
		Seed:                 c.Validator.Seed,
		Thresholds:           thresholds,
	}
}

func (c *RuntimeConfig) poolConfig() credential.Config {
	return credential.Config{
		FailureThreshold: c.Pool.FailureThreshold,
		Cooldown:         c.Pool.Cooldown,
	}
}
