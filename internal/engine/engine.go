// Package engine is the real-time simulation core: it replays
// historical bars one at a time per ticker and day through a persistent
// scanner worker, then scores collected signals against the execution
// template catalogue. The same bar-by-bar loop backs both backtests and
// paper trading; only the bar source differs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/worker"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// Options configure one engine instance.
type Options struct {
	Timeframe   models.Timeframe
	WarmupBars  int           // minimum bars before scanning starts
	ScanTimeout time.Duration // per-request worker deadline
	SnapshotDir string        // where per-day worker snapshots live

	// AllowMultipleSignals lifts the at-most-one-signal-per-day rule.
	// Off by default; conflicting-direction duplicates are still dropped.
	AllowMultipleSignals bool
}

func (o *Options) fill() {
	if o.Timeframe == "" {
		o.Timeframe = models.Timeframe5Min
	}
	if o.WarmupBars <= 0 {
		o.WarmupBars = 30
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 120 * time.Second
	}
	if o.SnapshotDir == "" {
		o.SnapshotDir = os.TempDir()
	}
}

// Engine replays bars through scanner workers.
type Engine struct {
	bars  *barstore.Store
	spawn worker.Spawner
	opts  Options
}

// New creates an engine over the given bar store and worker spawner.
func New(bars *barstore.Store, spawn worker.Spawner, opts Options) *Engine {
	opts.fill()
	return &Engine{bars: bars, spawn: spawn, opts: opts}
}

// ScanResult is the output of one real-time scan pass.
type ScanResult struct {
	Signals []models.Signal
	Stats   []models.TickerStats
}

// Scan runs the bar-by-bar scanner loop over [startDate, endDate] for
// every ticker, one worker per ticker, tickers in parallel. Tickers
// with no bars in range are skipped silently.
func (e *Engine) Scan(ctx context.Context, tickers []string, startDate, endDate string) (*ScanResult, error) {
	from, err := utils.ParseDate(startDate)
	if err != nil {
		return nil, fmt.Errorf("engine.Scan: bad start date %q: %w", startDate, err)
	}
	to, err := utils.ParseDate(endDate)
	if err != nil {
		return nil, fmt.Errorf("engine.Scan: bad end date %q: %w", endDate, err)
	}
	to = to.Add(24*time.Hour - time.Second)

	var (
		mu     sync.Mutex
		result ScanResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			signals, stats, err := e.scanTicker(gctx, ticker, from, to)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Signals = append(result.Signals, signals...)
			result.Stats = append(result.Stats, stats)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result.Signals, func(i, j int) bool {
		a, b := result.Signals[i], result.Signals[j]
		if a.SignalDate != b.SignalDate {
			return a.SignalDate < b.SignalDate
		}
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		return a.SignalTime < b.SignalTime
	})
	sort.Slice(result.Stats, func(i, j int) bool {
		return result.Stats[i].Ticker < result.Stats[j].Ticker
	})
	return &result, nil
}

func (e *Engine) scanTicker(ctx context.Context, ticker string, from, to time.Time) ([]models.Signal, models.TickerStats, error) {
	stats := models.TickerStats{Ticker: ticker}

	days, err := e.bars.DistinctDays(ctx, ticker, e.opts.Timeframe, from, to)
	if err != nil {
		return nil, stats, err
	}
	if len(days) == 0 {
		return nil, stats, nil
	}

	w, err := e.spawn(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("engine: spawn worker for %s: %w", ticker, err)
	}
	defer func() { w.Close() }()

	var signals []models.Signal
	for _, day := range days {
		bars, err := e.bars.DayBars(ctx, ticker, e.opts.Timeframe, day)
		if err != nil {
			if errors.Is(err, barstore.ErrNotFound) {
				stats.DaysSkippedDataGap++
				continue
			}
			return nil, stats, err
		}
		if len(bars) < e.opts.WarmupBars {
			stats.DaysSkippedDataGap++
			continue
		}

		daySignals, dayErr := e.scanDay(ctx, w, ticker, day, bars, &stats)
		if dayErr != nil {
			// Transient worker failure: respawn and retry the day once.
			log.Printf("engine: %s %s: worker failed (%v), retrying day", ticker, day, dayErr)
			w.Close()
			if w, err = e.spawn(ctx); err != nil {
				return nil, stats, fmt.Errorf("engine: respawn worker for %s: %w", ticker, err)
			}
			daySignals, dayErr = e.scanDay(ctx, w, ticker, day, bars, &stats)
			if dayErr != nil {
				log.Printf("engine: %s %s: day failed after retry: %v", ticker, day, dayErr)
				stats.DaysFailedWorker++
				continue
			}
		}
		signals = append(signals, daySignals...)
		stats.DaysProcessed++
	}
	return signals, stats, nil
}

// scanDay replays one day bar by bar. The snapshot handed to the worker
// is seeded with the warm-up prefix and grows one bar per request, so
// the worker can never observe a bar past currentBarTimestamp.
func (e *Engine) scanDay(ctx context.Context, w worker.Worker, ticker, day string, bars []models.Bar, stats *models.TickerStats) ([]models.Signal, error) {
	snap, err := barstore.NewSnapshot(e.opts.SnapshotDir,
		fmt.Sprintf("%s-%s-%s", ticker, day, uuid.NewString()[:8]), bars[:e.opts.WarmupBars])
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	var signals []models.Signal
	for i := e.opts.WarmupBars; i < len(bars); i++ {
		if err := snap.Append(bars[i]); err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.opts.ScanTimeout)
		resp, err := w.Scan(reqCtx, worker.Request{
			RequestID:           uuid.NewString(),
			DatabasePath:        snap.Path(),
			Tickers:             []string{ticker},
			CurrentBarTimestamp: bars[i].Timestamp.UTC().Unix(),
		})
		cancel()
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, fmt.Errorf("engine: scanner error on %s %s: %s", ticker, day, resp.Error)
		}
		if resp.Data == nil {
			continue
		}

		sig := *resp.Data
		if sig.Ticker == "" {
			sig.Ticker = ticker
		}
		if !e.acceptSignal(sig, signals, stats) {
			continue
		}
		signals = append(signals, sig)
		if !e.opts.AllowMultipleSignals {
			break
		}
	}
	return signals, nil
}

// acceptSignal applies signal hygiene: well-formed, inside regular
// hours, and not a conflicting duplicate of an earlier signal that day.
func (e *Engine) acceptSignal(sig models.Signal, prior []models.Signal, stats *models.TickerStats) bool {
	if !sig.Valid() {
		log.Printf("engine: dropping malformed signal for %s on %s", sig.Ticker, sig.SignalDate)
		return false
	}
	date, err := utils.ParseDate(sig.SignalDate)
	if err != nil {
		return false
	}
	at, err := utils.ParseClock(date, sig.SignalTime)
	if err != nil || !utils.IsRegularHours(at) {
		log.Printf("engine: rejecting signal outside regular hours: %s %s %s",
			sig.Ticker, sig.SignalDate, sig.SignalTime)
		return false
	}
	for _, p := range prior {
		if p.SignalDate == sig.SignalDate && p.Direction != sig.Direction {
			stats.DuplicateSignals++
			return false
		}
	}
	return true
}

// Backtest runs the full scan-then-score pass: real-time signal
// collection followed by execution template scoring. All catalogue
// templates are scored; the winner's trades are surfaced on the result.
func (e *Engine) Backtest(ctx context.Context, tickers []string, startDate, endDate string, templates []Template) (*models.Backtest, error) {
	if len(templates) == 0 {
		templates = Catalogue()
	}

	bt := &models.Backtest{
		StartDate: startDate,
		EndDate:   endDate,
		Tickers:   tickers,
		Status:    models.BacktestRunning,
		CreatedAt: time.Now().UTC(),
	}

	scan, err := e.Scan(ctx, tickers, startDate, endDate)
	if err != nil {
		bt.Status = models.BacktestFailed
		bt.Error = err.Error()
		return bt, err
	}
	bt.Signals = scan.Signals
	bt.TickerStats = scan.Stats

	for _, tmpl := range templates {
		trades, err := e.executeTemplate(ctx, tmpl, scan.Signals)
		if err != nil {
			bt.Status = models.BacktestFailed
			bt.Error = err.Error()
			return bt, err
		}
		bt.Scores = append(bt.Scores, Score(tmpl.Name, trades))
	}

	bt.Winner = PickWinner(bt.Scores)
	if ws := bt.WinnerScore(); ws != nil {
		bt.Trades = ws.Trades
	}
	bt.Status = models.BacktestCompleted
	return bt, nil
}

// executeTemplate simulates every signal under one template.
func (e *Engine) executeTemplate(ctx context.Context, tmpl Template, signals []models.Signal) ([]models.Trade, error) {
	var trades []models.Trade
	for _, sig := range signals {
		bars, err := e.bars.DayBars(ctx, sig.Ticker, e.opts.Timeframe, sig.SignalDate)
		if err != nil {
			if errors.Is(err, barstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		trade, err := Simulate(tmpl, sig, bars)
		if err != nil {
			return nil, err
		}
		if trade != nil {
			trades = append(trades, *trade)
		}
	}
	return trades, nil
}
