package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/spf13/cobra"

	"github.com/quantmill/tradelab/internal/feed"
	"github.com/quantmill/tradelab/internal/metrics"
	"github.com/quantmill/tradelab/internal/paper"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// --- paper ---

var paperCmd = &cobra.Command{
	Use:   "paper",
	Short: "Run the paper-trading orchestrator",
	Long: `Run the paper-trading orchestrator: every agent in paper_trading
status gets a supervisor that scans incoming bars with the agent's
latest scanner, places simulated orders and manages exits.

The feed is the live Alpaca websocket by default; --replay streams
stored bars through the same path for rehearsal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		replay, _ := cmd.Flags().GetBool("replay")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		tickers, _ := cmd.Flags().GetString("tickers")

		var src paper.Feed
		if replay || cfg.Feed.Provider == "replay" {
			bars, err := openBars()
			if err != nil {
				return err
			}
			defer bars.Close()
			fromT, err := utils.ParseDate(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			toT, err := utils.ParseDate(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			// --paced replays at the live cadence instead of full speed.
			var delay time.Duration
			if paced, _ := cmd.Flags().GetBool("paced"); paced {
				delay = time.Duration(cfg.Live.PollIntervalMS) * time.Millisecond
			}
			src = feed.NewReplay(bars, models.Timeframe(cfg.Backtest.Timeframe),
				fromT, toT.AddDate(0, 0, 1), delay)
		} else {
			if cfg.Feed.AlpacaKeyID == "" || cfg.Feed.AlpacaSecretKey == "" {
				return fmt.Errorf("Alpaca credentials are not set (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
			}
			src = feed.NewAlpaca(cfg.Feed.AlpacaKeyID, cfg.Feed.AlpacaSecretKey)
		}

		factory, err := newFactory("")
		if err != nil {
			return err
		}

		m := metrics.New()
		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() { _ = srv.ListenAndServe() }()
			defer srv.Close()
			fmt.Printf("Metrics on :%d/metrics\n", cfg.Metrics.Port)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch := paper.New(st, src, factory, m, paper.Options{
			RingSize:         cfg.Live.MaxBarsPerTicker,
			ScanTimeout:      time.Duration(cfg.Backtest.ScanTimeoutSec) * time.Second,
			SlippagePct:      cfg.Live.SlippagePct / 100,
			Limits: paper.Limits{
				MaxPositionFraction: cfg.Risk.MaxPositionNotionalPct / 100,
				MinCashFraction:     cfg.Risk.MinCashPct / 100,
				MaxOpenPositions:    cfg.Risk.MaxOpenPositions,
				Commission:          cfg.Live.CommissionPerFill,
			},
			PositionFraction: cfg.Live.PositionSizePct / 100,
			DefaultTickers:   utils.SplitTickers(tickers),
			SnapshotDir:      cfg.Storage.SnapshotDir,
		})
		fmt.Println("Paper trading started. Ctrl-C to stop.")
		return orch.Run(ctx)
	},
}

func init() {
	paperCmd.Flags().Bool("replay", false, "replay stored bars instead of the live feed")
	paperCmd.Flags().Bool("paced", false, "replay at the configured poll interval instead of full speed")
	paperCmd.Flags().String("from", "", "replay start date (YYYY-MM-DD)")
	paperCmd.Flags().String("to", "", "replay end date (YYYY-MM-DD)")
	paperCmd.Flags().String("tickers", "", "fallback tickers for scanners that declare none")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [tickers]",
	Short: "Backfill historical bars from Alpaca",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bars, err := openBars()
		if err != nil {
			return err
		}
		defer bars.Close()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		timeframe, _ := cmd.Flags().GetString("timeframe")
		fromT, err := utils.ParseDate(from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		toT, err := utils.ParseDate(to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		client := marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.Feed.AlpacaKeyID,
			APISecret: cfg.Feed.AlpacaSecretKey,
		})
		in := feed.NewIngester(client, bars)

		tickers := utils.SplitTickers(args[0])
		n, err := in.Backfill(cmd.Context(), tickers, models.Timeframe(timeframe), fromT, toT)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %d bars for %d tickers\n", n, len(tickers))
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	ingestCmd.Flags().String("to", "", "end date (YYYY-MM-DD)")
	ingestCmd.Flags().String("timeframe", "5min", "bar timeframe (1min, 5min, 15min, 1day)")
	_ = ingestCmd.MarkFlagRequired("from")
	_ = ingestCmd.MarkFlagRequired("to")
}
