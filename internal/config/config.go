// Package config handles configuration loading for TradeLab.
// It supports YAML config files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"      yaml:"llm"`
	Storage  StorageConfig  `mapstructure:"storage"  yaml:"storage"`
	Backtest BacktestConfig `mapstructure:"backtest" yaml:"backtest"`
	Learning LearningConfig `mapstructure:"learning" yaml:"learning"`
	Live     LiveConfig     `mapstructure:"live"     yaml:"live"`
	Risk     RiskConfig     `mapstructure:"risk"     yaml:"risk"`
	Feed     FeedConfig     `mapstructure:"feed"     yaml:"feed"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
}

// LLMConfig holds LLM collaborator configuration.
type LLMConfig struct {
	Provider     string  `mapstructure:"provider"      yaml:"provider"` // "openai", "anthropic"
	OpenAIKey    string  `mapstructure:"openai_key"    yaml:"openai_key"`
	AnthropicKey string  `mapstructure:"anthropic_key" yaml:"anthropic_key"`
	BaseURL      string  `mapstructure:"base_url"      yaml:"base_url"`
	Model        string  `mapstructure:"model"         yaml:"model"`
	Temperature  float64 `mapstructure:"temperature"   yaml:"temperature"`
	// MaxTokensGeneration caps scanner/execution code generations. It must
	// be high enough to avoid truncation; truncated output is caught by the
	// static validator's terminator and balanced-brace checks.
	MaxTokensGeneration int `mapstructure:"max_tokens_generation" yaml:"max_tokens_generation"`
}

// StorageConfig holds database paths.
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	BarDBPath    string `mapstructure:"bar_db_path"   yaml:"bar_db_path"`
	// SnapshotDir is where per-day prefix snapshots handed to scanner
	// workers are written.
	SnapshotDir string `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
}

// BacktestConfig holds real-time backtest engine settings.
type BacktestConfig struct {
	// RealtimeSimulation selects the bar-by-bar engine. The legacy
	// whole-day mode is retained for comparison only and is discouraged.
	RealtimeSimulation      bool   `mapstructure:"realtime_simulation"       yaml:"realtime_simulation"`
	EnableTemplateExecution bool   `mapstructure:"enable_template_execution" yaml:"enable_template_execution"`
	WarmupBars              int    `mapstructure:"warmup_bars"               yaml:"warmup_bars"`
	Timeframe               string `mapstructure:"timeframe"                 yaml:"timeframe"`
	ScanTimeoutSec          int    `mapstructure:"scan_timeout_sec"          yaml:"scan_timeout_sec"`
	WorkerCommand           string `mapstructure:"worker_command"            yaml:"worker_command"`
}

// LearningConfig holds learning iteration pipeline settings.
type LearningConfig struct {
	MaxGenerationRetries int     `mapstructure:"max_generation_retries" yaml:"max_generation_retries"`
	IterationTimeoutMin  int     `mapstructure:"iteration_timeout_min"  yaml:"iteration_timeout_min"`
	ApprovalWinRate      float64 `mapstructure:"approval_win_rate"      yaml:"approval_win_rate"`
	ApprovalSharpe       float64 `mapstructure:"approval_sharpe"        yaml:"approval_sharpe"`
	ApprovalTotalReturn  float64 `mapstructure:"approval_total_return"  yaml:"approval_total_return"`
	ApprovalMinTrades    int     `mapstructure:"approval_min_trades"    yaml:"approval_min_trades"`
	ConfidenceDecayStep  float64 `mapstructure:"confidence_decay_step"  yaml:"confidence_decay_step"`
}

// LiveConfig holds paper-trading orchestrator settings.
type LiveConfig struct {
	// PollIntervalMS should equal the bar timeframe to avoid wasted work.
	PollIntervalMS    int     `mapstructure:"poll_interval_ms"     yaml:"poll_interval_ms"`
	MaxBarsPerTicker  int     `mapstructure:"max_bars_per_ticker"  yaml:"max_bars_per_ticker"`
	PositionSizePct   float64 `mapstructure:"position_size_pct"    yaml:"position_size_pct"`
	SlippagePct       float64 `mapstructure:"slippage_pct"         yaml:"slippage_pct"`
	CommissionPerFill float64 `mapstructure:"commission_per_fill"  yaml:"commission_per_fill"`
	InitialBalance    float64 `mapstructure:"initial_balance"      yaml:"initial_balance"`
}

// RiskConfig holds the virtual executor's pre-fill risk limits.
type RiskConfig struct {
	MaxPositionNotionalPct float64 `mapstructure:"max_position_notional_pct" yaml:"max_position_notional_pct"`
	MaxOpenPositions       int     `mapstructure:"max_open_positions"        yaml:"max_open_positions"`
	MinCashPct             float64 `mapstructure:"min_cash_pct"              yaml:"min_cash_pct"`
}

// FeedConfig holds market-data feed and ingest settings.
type FeedConfig struct {
	Provider        string  `mapstructure:"provider"          yaml:"provider"` // "alpaca", "replay"
	AlpacaKeyID     string  `mapstructure:"alpaca_key_id"     yaml:"alpaca_key_id"`
	AlpacaSecretKey string  `mapstructure:"alpaca_secret_key" yaml:"alpaca_secret_key"`
	IngestRateLimit float64 `mapstructure:"ingest_rate_limit" yaml:"ingest_rate_limit"` // requests/sec
}

// MetricsConfig holds the Prometheus endpoint settings for paper mode.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port"    yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // "debug", "info", "warn", "error"
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.tradelab/config.yaml (home directory)
//  3. /etc/tradelab/config.yaml (system)
//
// Environment variables override config file values.
// Format: TRADELAB_<SECTION>_<KEY>, e.g. TRADELAB_LLM_MAX_TOKENS_GENERATION.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".tradelab"))
	v.AddConfigPath("/etc/tradelab")

	v.SetEnvPrefix("TRADELAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found — that's fine, use defaults + env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADELAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// LLM defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens_generation", 8192)

	// Storage defaults
	v.SetDefault("storage.database_path", "tradelab.db")
	v.SetDefault("storage.bar_db_path", "bars.db")
	v.SetDefault("storage.snapshot_dir", os.TempDir())

	// Backtest defaults
	v.SetDefault("backtest.realtime_simulation", true)
	v.SetDefault("backtest.enable_template_execution", true)
	v.SetDefault("backtest.warmup_bars", 30)
	v.SetDefault("backtest.timeframe", "5min")
	v.SetDefault("backtest.scan_timeout_sec", 120)

	// Learning defaults
	v.SetDefault("learning.max_generation_retries", 3)
	v.SetDefault("learning.iteration_timeout_min", 15)
	v.SetDefault("learning.approval_win_rate", 0.55)
	v.SetDefault("learning.approval_sharpe", 1.5)
	v.SetDefault("learning.approval_total_return", 0.02)
	v.SetDefault("learning.approval_min_trades", 10)
	v.SetDefault("learning.confidence_decay_step", 0.1)

	// Live / paper defaults
	v.SetDefault("live.poll_interval_ms", 300000) // 5 min bars
	v.SetDefault("live.max_bars_per_ticker", 100)
	v.SetDefault("live.position_size_pct", 10.0)
	v.SetDefault("live.slippage_pct", 0.01)
	v.SetDefault("live.commission_per_fill", 0.50)
	v.SetDefault("live.initial_balance", 100000)

	// Risk limits (safety-first)
	v.SetDefault("risk.max_position_notional_pct", 20.0)
	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.min_cash_pct", 5.0)

	// Feed defaults
	v.SetDefault("feed.provider", "alpaca")
	v.SetDefault("feed.ingest_rate_limit", 3.0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
}

// overrideFromEnv explicitly reads sensitive or legacy keys from
// environment variables. The bare names (no TRADELAB_ prefix) are the
// documented operator surface.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("TRADELAB_LLM_OPENAI_KEY"); key != "" {
		cfg.LLM.OpenAIKey = key
	}
	if key := os.Getenv("TRADELAB_LLM_ANTHROPIC_KEY"); key != "" {
		cfg.LLM.AnthropicKey = key
	}
	if key := os.Getenv("APCA_API_KEY_ID"); key != "" {
		cfg.Feed.AlpacaKeyID = key
	}
	if key := os.Getenv("APCA_API_SECRET_KEY"); key != "" {
		cfg.Feed.AlpacaSecretKey = key
	}
	// Bare legacy knobs, kept as the documented closed set.
	if v := os.Getenv("MAX_TOKENS_GENERATION"); v != "" {
		if n, err := atoiSafe(v); err == nil {
			cfg.LLM.MaxTokensGeneration = n
		}
	}
	if v := os.Getenv("REALTIME_SIMULATION"); v != "" {
		cfg.Backtest.RealtimeSimulation = isTrue(v)
	}
	if v := os.Getenv("ENABLE_TEMPLATE_EXECUTION"); v != "" {
		cfg.Backtest.EnableTemplateExecution = isTrue(v)
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := atoiSafe(v); err == nil {
			cfg.Live.PollIntervalMS = n
		}
	}
	if v := os.Getenv("MAX_BARS_PER_TICKER"); v != "" {
		if n, err := atoiSafe(v); err == nil {
			cfg.Live.MaxBarsPerTicker = n
		}
	}
}

func atoiSafe(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	return n, err
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
