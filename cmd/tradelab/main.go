// TradeLab — an autonomous intraday trading laboratory.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/config"
	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/llm"
	"github.com/quantmill/tradelab/internal/pipeline"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/internal/worker"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes onto the documented exit codes so shell
// wrappers can branch on failure mode.
func exitCode(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		return 2
	case errors.Is(err, worker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return 3
	case errors.Is(err, barstore.ErrNotFound), errors.Is(err, barstore.ErrFutureDate):
		return 4
	case errors.Is(err, worker.ErrCrashed), errors.Is(err, worker.ErrProtocol):
		return 5
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "tradelab",
	Short: "TradeLab — autonomous intraday trading laboratory",
	Long: `TradeLab runs LLM-collaborating trading agents through a learning
loop: scanner generation, static validation, bar-by-bar backtesting,
walk-forward validation, and simulated paper trading against a live
market feed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real env vars win either way.
		_ = godotenv.Load()

		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(iterationsCmd)
	rootCmd.AddCommand(backtestsCmd)
	rootCmd.AddCommand(walkforwardCmd)
	rootCmd.AddCommand(paperCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Shared wiring ---

func openStore() (*store.Store, error) {
	return store.Open(cfg.Storage.DatabasePath)
}

func openBars() (*barstore.Store, error) {
	return barstore.Open(cfg.Storage.BarDBPath)
}

// newCollaborator builds the LLM collaborator from config.
func newCollaborator() (*llm.Collaborator, error) {
	key := cfg.LLM.OpenAIKey
	if cfg.LLM.Provider == "anthropic" {
		key = cfg.LLM.AnthropicKey
	}
	p, err := llm.New(cfg.LLM.Provider, key, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	return llm.NewCollaborator(p, cfg.LLM.MaxTokensGeneration), nil
}

// newFactory picks the worker spawner: a builtin scanner when asked for
// ("builtin:<name>"), the configured subprocess command otherwise.
func newFactory(scanner string) (pipeline.SpawnerFactory, error) {
	if name, ok := strings.CutPrefix(scanner, "builtin:"); ok {
		return pipeline.BuiltinFactory(name)
	}
	command := strings.Fields(cfg.Backtest.WorkerCommand)
	if len(command) == 0 {
		return nil, fmt.Errorf("backtest.worker_command is not configured and no builtin scanner was requested")
	}
	return pipeline.SubprocessFactory(command, cfg.Storage.SnapshotDir), nil
}

func engineOptions() engine.Options {
	return engine.Options{
		Timeframe:   models.Timeframe(cfg.Backtest.Timeframe),
		WarmupBars:  cfg.Backtest.WarmupBars,
		ScanTimeout: time.Duration(cfg.Backtest.ScanTimeoutSec) * time.Second,
		SnapshotDir: cfg.Storage.SnapshotDir,
	}
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("TradeLab %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  TradeLab — System Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Printf("  Market Status: %s\n", utils.MarketStatus())
		fmt.Printf("  Time (ET):     %s\n", utils.NowET().Format("2006-01-02 15:04:05"))
		fmt.Println()

		fmt.Println("  Configuration:")
		fmt.Printf("    LLM Provider:  %s (model: %s)\n", cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Printf("    Database:      %s\n", cfg.Storage.DatabasePath)
		fmt.Printf("    Bar Store:     %s\n", cfg.Storage.BarDBPath)
		fmt.Printf("    Feed:          %s\n", cfg.Feed.Provider)
		fmt.Printf("    Timeframe:     %s (warmup %d bars)\n", cfg.Backtest.Timeframe, cfg.Backtest.WarmupBars)
		fmt.Println()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		agents, err := st.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		byStatus := map[models.AgentStatus]int{}
		for _, a := range agents {
			byStatus[a.Status]++
		}
		templates, _ := st.CountExecutionTemplates(cmd.Context())
		fmt.Println("  Store:")
		fmt.Printf("    Agents:        %d (learning %d, paper %d, live %d)\n",
			len(agents),
			byStatus[models.StatusLearning],
			byStatus[models.StatusPaperTrading],
			byStatus[models.StatusLiveTrading])
		fmt.Printf("    Exec templates:%d\n", templates)
		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}
