package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backtest.WarmupBars != 30 {
		t.Errorf("expected warmup_bars=30, got %d", cfg.Backtest.WarmupBars)
	}
	if cfg.Backtest.Timeframe != "5min" {
		t.Errorf("expected timeframe=5min, got %s", cfg.Backtest.Timeframe)
	}
	if !cfg.Backtest.RealtimeSimulation {
		t.Error("expected realtime_simulation=true by default")
	}
	if cfg.Live.MaxBarsPerTicker != 100 {
		t.Errorf("expected max_bars_per_ticker=100, got %d", cfg.Live.MaxBarsPerTicker)
	}
	if cfg.Live.InitialBalance != 100000 {
		t.Errorf("expected initial_balance=100000, got %f", cfg.Live.InitialBalance)
	}
	if cfg.Risk.MaxOpenPositions != 10 {
		t.Errorf("expected max_open_positions=10, got %d", cfg.Risk.MaxOpenPositions)
	}
	if cfg.Learning.MaxGenerationRetries != 3 {
		t.Errorf("expected max_generation_retries=3, got %d", cfg.Learning.MaxGenerationRetries)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_TOKENS_GENERATION", "16384")
	t.Setenv("REALTIME_SIMULATION", "false")
	t.Setenv("MAX_BARS_PER_TICKER", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLM.MaxTokensGeneration != 16384 {
		t.Errorf("expected max tokens 16384, got %d", cfg.LLM.MaxTokensGeneration)
	}
	if cfg.Backtest.RealtimeSimulation {
		t.Error("expected realtime_simulation=false from env")
	}
	if cfg.Live.MaxBarsPerTicker != 250 {
		t.Errorf("expected max_bars_per_ticker=250, got %d", cfg.Live.MaxBarsPerTicker)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
backtest:
  warmup_bars: 12
  timeframe: 1min
live:
  initial_balance: 50000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Backtest.WarmupBars != 12 {
		t.Errorf("expected warmup_bars=12, got %d", cfg.Backtest.WarmupBars)
	}
	if cfg.Backtest.Timeframe != "1min" {
		t.Errorf("expected timeframe=1min, got %s", cfg.Backtest.Timeframe)
	}
	if cfg.Live.InitialBalance != 50000 {
		t.Errorf("expected initial_balance=50000, got %f", cfg.Live.InitialBalance)
	}
	// Unset keys fall back to defaults.
	if cfg.Risk.MaxOpenPositions != 10 {
		t.Errorf("expected default max_open_positions=10, got %d", cfg.Risk.MaxOpenPositions)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestIsTrue(t *testing.T) {
	for _, s := range []string{"1", "true", "YES", " on "} {
		if !isTrue(s) {
			t.Errorf("isTrue(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"0", "false", "off", ""} {
		if isTrue(s) {
			t.Errorf("isTrue(%q) = true, want false", s)
		}
	}
}
