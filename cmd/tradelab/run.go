package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/pipeline"
	"github.com/quantmill/tradelab/internal/walkforward"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		MaxGenerationRetries: cfg.Learning.MaxGenerationRetries,
		IterationTimeout:     time.Duration(cfg.Learning.IterationTimeoutMin) * time.Minute,
		ConfidenceDecayStep:  cfg.Learning.ConfidenceDecayStep,
		ApprovalWinRate:      cfg.Learning.ApprovalWinRate,
		ApprovalSharpe:       cfg.Learning.ApprovalSharpe,
		ApprovalReturn:       cfg.Learning.ApprovalTotalReturn,
		ApprovalTrades:       cfg.Learning.ApprovalMinTrades,
		Engine:               engineOptions(),
	}
}

// checkBacktestMode rejects the legacy whole-day simulation mode, which
// admitted look-ahead and was removed in favor of the bar-by-bar engine.
func checkBacktestMode() error {
	if !cfg.Backtest.RealtimeSimulation {
		return fmt.Errorf("whole-day simulation is no longer supported; set backtest.realtime_simulation=true")
	}
	return nil
}

// --- iterations start ---

var iterationsCmd = &cobra.Command{
	Use:   "iterations",
	Short: "Run learning iterations",
}

var iterationsStartCmd = &cobra.Command{
	Use:   "start [agent-id]",
	Short: "Run one learning iteration for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkBacktestMode(); err != nil {
			return err
		}
		if !cfg.Backtest.EnableTemplateExecution {
			return fmt.Errorf("learning iterations need backtest.enable_template_execution=true")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		bars, err := openBars()
		if err != nil {
			return err
		}
		defer bars.Close()

		collab, err := newCollaborator()
		if err != nil {
			return err
		}
		factory, err := newFactory("")
		if err != nil {
			return err
		}

		guidance, _ := cmd.Flags().GetString("guidance")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		tickers, _ := cmd.Flags().GetString("tickers")
		template, _ := cmd.Flags().GetString("template")
		explainZero, _ := cmd.Flags().GetBool("explain-zero")

		pipe := pipeline.New(st, bars, collab, factory, pipelineOptions())
		it, err := pipe.Run(cmd.Context(), pipeline.Request{
			AgentID:     args[0],
			Guidance:    guidance,
			StartDate:   from,
			EndDate:     to,
			Tickers:     utils.SplitTickers(tickers),
			TemplateKey: template,
			ExplainZero: explainZero,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Iteration %d: %s\n", it.IterationNumber, it.Status)
		if it.Status == models.IterationFailed {
			for _, r := range it.FailureReasons {
				fmt.Printf("  ✗ %s\n", r)
			}
			return nil
		}
		fmt.Printf("  Signals:  %d\n", it.SignalsFound)
		fmt.Printf("  Trades:   %d\n", it.TradesExecuted)
		fmt.Printf("  Win rate: %.1f%%\n", it.WinRate*100)
		fmt.Printf("  Sharpe:   %.2f\n", it.SharpeRatio)
		fmt.Printf("  Return:   %.2f%%\n", it.TotalReturn*100)
		if it.Analysis != nil {
			fmt.Printf("  Analysis: %s\n", truncate(it.Analysis.Summary, 120))
		}
		return nil
	},
}

func init() {
	iterationsCmd.AddCommand(iterationsStartCmd)
	iterationsStartCmd.Flags().String("guidance", "", "extra guidance for this generation")
	iterationsStartCmd.Flags().String("from", "", "backtest start date (YYYY-MM-DD)")
	iterationsStartCmd.Flags().String("to", "", "backtest end date (YYYY-MM-DD)")
	iterationsStartCmd.Flags().String("tickers", "", "comma-separated ticker list")
	iterationsStartCmd.Flags().String("template", "", "execution template key (default: full catalogue)")
	iterationsStartCmd.Flags().Bool("explain-zero", false, "ask the collaborator to explain zero-signal runs")
	_ = iterationsStartCmd.MarkFlagRequired("from")
	_ = iterationsStartCmd.MarkFlagRequired("to")
	_ = iterationsStartCmd.MarkFlagRequired("tickers")
}

// --- backtests run ---

var backtestsCmd = &cobra.Command{
	Use:   "backtests",
	Short: "Run and inspect backtests",
}

var backtestsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Backtest a scanner over a date range",
	Long: `Backtest a scanner over a date range, scoring every execution
template in the catalogue.

The scanner is an agent's latest generated version (--agent), a stored
version by id (--scanner <id>), or a builtin reference scanner
(--scanner builtin:orb-breakout), which needs no LLM key and is the
quickest way to verify an installation end to end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		scanner, _ := cmd.Flags().GetString("scanner")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		tickers, _ := cmd.Flags().GetString("tickers")
		if agentID == "" && scanner == "" {
			return fmt.Errorf("one of --agent or --scanner is required")
		}
		if err := checkBacktestMode(); err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		bars, err := openBars()
		if err != nil {
			return err
		}
		defer bars.Close()

		code := ""
		scannerVersionID := ""
		switch {
		case agentID != "":
			v, err := st.LatestScannerVersion(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			code, scannerVersionID = v.Code, v.ID
		case scanner != "" && !strings.HasPrefix(scanner, "builtin:"):
			// --scanner also accepts a stored version id.
			v, err := st.GetScannerVersion(cmd.Context(), scanner)
			if err != nil {
				return err
			}
			code, scannerVersionID, scanner = v.Code, v.ID, ""
		}
		factory, err := newFactory(scanner)
		if err != nil {
			return err
		}

		templateKey, _ := cmd.Flags().GetString("template")
		customCode, _ := cmd.Flags().GetString("custom-code")
		templates := engine.Catalogue()
		def, _ := engine.ByKey("conservative")
		execName, execCode := def.Name, def.CanonicalCode()
		switch {
		case customCode != "":
			body, err := os.ReadFile(customCode)
			if err != nil {
				return err
			}
			execName, execCode = "custom", string(body)
		case templateKey != "":
			t, ok := engine.ByKey(templateKey)
			if !ok {
				return fmt.Errorf("unknown template %q (known: %s)", templateKey, strings.Join(engine.Keys(), ", "))
			}
			templates = []engine.Template{t}
			execName, execCode = t.Name, t.CanonicalCode()
		}
		tmplRow, err := st.SaveExecutionTemplate(cmd.Context(), execName, execCode)
		if err != nil {
			return err
		}

		eng := engine.New(bars, factory(code), engineOptions())
		b, err := eng.Backtest(cmd.Context(), utils.SplitTickers(tickers), from, to, templates)
		if err != nil {
			return err
		}
		b.ScannerVersionID = scannerVersionID
		b.ExecutionTemplateID = tmplRow.ID
		if err := st.SaveBacktest(cmd.Context(), b); err != nil {
			return err
		}

		fmt.Printf("Backtest %s: %d signals, %d trades\n", shortID(b.ID), len(b.Signals), len(b.Trades))
		printScorecard(b)
		printTickerStats(b.TickerStats)
		return nil
	},
}

func init() {
	backtestsCmd.AddCommand(backtestsRunCmd)
	backtestsRunCmd.Flags().String("agent", "", "agent id (uses its latest scanner version)")
	backtestsRunCmd.Flags().String("scanner", "", "scanner version id, or a builtin like builtin:orb-breakout")
	backtestsRunCmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	backtestsRunCmd.Flags().String("to", "", "end date (YYYY-MM-DD)")
	backtestsRunCmd.Flags().String("tickers", "", "comma-separated ticker list")
	backtestsRunCmd.Flags().String("template", "", "run a single execution template by key")
	backtestsRunCmd.Flags().String("custom-code", "", "path to custom execution code to record against the run")
	_ = backtestsRunCmd.MarkFlagRequired("from")
	_ = backtestsRunCmd.MarkFlagRequired("to")
	_ = backtestsRunCmd.MarkFlagRequired("tickers")
}

func printScorecard(b *models.Backtest) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Template", "Trades", "Win%", "Return%", "PF", "Exp%", "Sharpe", "Sortino")
	for _, s := range b.Scores {
		name := s.TemplateName
		if name == b.Winner {
			name = "* " + name
		}
		table.Append(
			name,
			fmt.Sprintf("%d", s.TradeCount),
			fmt.Sprintf("%.1f", s.WinRate*100),
			fmt.Sprintf("%.2f", s.TotalReturn*100),
			fmt.Sprintf("%.2f", s.ProfitFactor),
			fmt.Sprintf("%.3f", s.Expectancy*100),
			fmt.Sprintf("%.2f", s.SharpeRatio),
			fmt.Sprintf("%.2f", s.SortinoRatio),
		)
	}
	table.Render()
}

func printTickerStats(stats []models.TickerStats) {
	for _, ts := range stats {
		if ts.DaysSkippedDataGap == 0 && ts.DaysFailedWorker == 0 {
			continue
		}
		fmt.Printf("  ⚠ %s: %d days skipped (data gap), %d days failed (worker)\n",
			ts.Ticker, ts.DaysSkippedDataGap, ts.DaysFailedWorker)
	}
}

// --- walkforward ---

var walkforwardCmd = &cobra.Command{
	Use:     "walkforward [agent-id]",
	Aliases: []string{"walk-forward"},
	Short:   "Run walk-forward validation for an agent",
	Long: `Run walk-forward validation: train a scanner once on the first
training window, then measure it on strictly out-of-sample test windows.
Reports per-period returns and a one-sample t-test on the mean.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkBacktestMode(); err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		bars, err := openBars()
		if err != nil {
			return err
		}
		defer bars.Close()

		collab, err := newCollaborator()
		if err != nil {
			return err
		}
		factory, err := newFactory("")
		if err != nil {
			return err
		}

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		tickers, _ := cmd.Flags().GetString("tickers")
		train, _ := cmd.Flags().GetInt("train")
		test, _ := cmd.Flags().GetInt("test")
		overlap, _ := cmd.Flags().GetInt("overlap")

		pipe := pipeline.New(st, bars, collab, factory, pipelineOptions())
		coord := walkforward.New(st, bars, pipe, factory, engineOptions())
		result, err := coord.Run(cmd.Context(), walkforward.Request{
			AgentID:   args[0],
			StartDate: from,
			EndDate:   to,
			Tickers:   utils.SplitTickers(tickers),
			Options: walkforward.Options{
				TrainMonths:   train,
				TestMonths:    test,
				OverlapMonths: overlap,
			},
		})
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "Train", "Test", "Trades", "Win%", "Return%")
		for _, p := range result.Periods {
			table.Append(
				fmt.Sprintf("%d", p.Index),
				fmt.Sprintf("%s..%s", p.TrainStart, p.TrainEnd),
				fmt.Sprintf("%s..%s", p.TestStart, p.TestEnd),
				fmt.Sprintf("%d", p.TradeCount),
				fmt.Sprintf("%.1f", p.WinRate*100),
				fmt.Sprintf("%.2f", p.Return*100),
			)
		}
		table.Render()

		fmt.Printf("Mean return %.2f%% (σ %.2f%%), consistency %.0f%%\n",
			result.MeanReturn*100, result.StdDevReturn*100, result.Consistency*100)
		fmt.Printf("t = %.2f, p = %.4f, 95%% CI [%.2f%%, %.2f%%]\n",
			result.TStatistic, result.PValue, result.CILow*100, result.CIHigh*100)
		if result.PValue < 0.05 && result.MeanReturn > 0 {
			fmt.Println("Out-of-sample edge is statistically significant at the 5% level.")
		} else {
			fmt.Println("No statistically significant out-of-sample edge.")
		}
		return nil
	},
}

func init() {
	walkforwardCmd.Flags().String("from", "", "overall start date (YYYY-MM-DD)")
	walkforwardCmd.Flags().String("to", "", "overall end date (YYYY-MM-DD)")
	walkforwardCmd.Flags().String("tickers", "", "comma-separated ticker list")
	walkforwardCmd.Flags().Int("train", 3, "training window length in months")
	walkforwardCmd.Flags().Int("test", 1, "test window length in months")
	walkforwardCmd.Flags().Int("overlap", 0, "training window overlap in months (0 = expanding)")
	_ = walkforwardCmd.MarkFlagRequired("from")
	_ = walkforwardCmd.MarkFlagRequired("to")
	_ = walkforwardCmd.MarkFlagRequired("tickers")
}
