// Package walkforward validates a strategy out of sample: the date
// range is partitioned into train/test windows, one scanner is
// generated from the first training window, and that same scanner is
// replayed over every test window. Regenerating a scanner per period
// would just be repeated in-sample fitting, so the coordinator never
// does it.
package walkforward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/pipeline"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// ErrRangeTooShort is returned when the date range cannot hold a single
// train/test period.
var ErrRangeTooShort = errors.New("walkforward: date range shorter than one train+test period")

// Options shape the window partitioning.
type Options struct {
	TrainMonths   int
	TestMonths    int
	OverlapMonths int // 0 selects the expanding-window scheme
}

func (o *Options) fill() {
	if o.TrainMonths <= 0 {
		o.TrainMonths = 3
	}
	if o.TestMonths <= 0 {
		o.TestMonths = 1
	}
}

// Request describes one walk-forward run.
type Request struct {
	AgentID   string
	StartDate string
	EndDate   string
	Tickers   []string
	Options
}

// Coordinator drives walk-forward validation runs.
type Coordinator struct {
	store   *store.Store
	bars    *barstore.Store
	pipe    *pipeline.Pipeline
	factory pipeline.SpawnerFactory
	engOpts engine.Options
}

// New creates a coordinator. The pipeline supplies the single trained
// scanner; the factory turns its code into workers for test replays.
func New(st *store.Store, bars *barstore.Store, pipe *pipeline.Pipeline, factory pipeline.SpawnerFactory, engOpts engine.Options) *Coordinator {
	return &Coordinator{store: st, bars: bars, pipe: pipe, factory: factory, engOpts: engOpts}
}

// Partition splits [startDate, endDate] into train/test periods. Every
// period's test range starts the day after its train range ends, so the
// two are disjoint and the test range is strictly later. Periods that
// would run past endDate are dropped.
func Partition(startDate, endDate string, opts Options) ([]models.WalkForwardPeriod, error) {
	opts.fill()
	if opts.OverlapMonths < 0 || opts.OverlapMonths >= opts.TrainMonths {
		return nil, fmt.Errorf("walkforward: overlap %d must be in [0, trainMonths)", opts.OverlapMonths)
	}
	start, err := utils.ParseDate(startDate)
	if err != nil {
		return nil, fmt.Errorf("walkforward: bad start date %q: %w", startDate, err)
	}
	end, err := utils.ParseDate(endDate)
	if err != nil {
		return nil, fmt.Errorf("walkforward: bad end date %q: %w", endDate, err)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("walkforward: start %s is not before end %s", startDate, endDate)
	}

	var periods []models.WalkForwardPeriod
	for k := 0; ; k++ {
		var trainStart, trainEnd time.Time
		if opts.OverlapMonths == 0 {
			// Expanding: training always reaches back to the range start
			// and absorbs each tested window.
			trainStart = start
			trainEnd = start.AddDate(0, opts.TrainMonths+k*opts.TestMonths, 0)
		} else {
			// Rolling: a fixed-size window slides forward, keeping
			// overlapMonths of shared history between neighbors.
			step := opts.TrainMonths - opts.OverlapMonths
			trainStart = start.AddDate(0, k*step, 0)
			trainEnd = trainStart.AddDate(0, opts.TrainMonths, 0)
		}
		testStart := trainEnd
		testEnd := testStart.AddDate(0, opts.TestMonths, 0)
		if testEnd.After(end.AddDate(0, 0, 1)) {
			break
		}
		periods = append(periods, models.WalkForwardPeriod{
			Index:      k + 1,
			TrainStart: isoDate(trainStart),
			TrainEnd:   isoDate(trainEnd.AddDate(0, 0, -1)),
			TestStart:  isoDate(testStart),
			TestEnd:    isoDate(testEnd.AddDate(0, 0, -1)),
		})
	}
	if len(periods) == 0 {
		return nil, ErrRangeTooShort
	}
	return periods, nil
}

func isoDate(t time.Time) string { return t.Format("2006-01-02") }

// Run executes the full walk-forward procedure for an agent.
func (c *Coordinator) Run(ctx context.Context, req Request) (*models.WalkForwardResult, error) {
	periods, err := Partition(req.StartDate, req.EndDate, req.Options)
	if err != nil {
		return nil, err
	}

	// One scanner, trained on the first period only.
	it, err := c.pipe.Run(ctx, pipeline.Request{
		AgentID:   req.AgentID,
		StartDate: periods[0].TrainStart,
		EndDate:   periods[0].TrainEnd,
		Tickers:   req.Tickers,
	})
	if err != nil {
		return nil, err
	}
	if it.Status == models.IterationFailed {
		return nil, fmt.Errorf("walkforward: training iteration failed: %s",
			strings.Join(it.FailureReasons, "; "))
	}
	version, err := c.store.GetScannerVersion(ctx, it.ScannerVersionID)
	if err != nil {
		return nil, err
	}

	templates := c.testTemplates(ctx, it.BacktestID)
	eng := engine.New(c.bars, c.factory(version.Code), c.engOpts)

	returns := make([]float64, len(periods))
	for i := range periods {
		p := &periods[i]
		bt, err := eng.Backtest(ctx, req.Tickers, p.TestStart, p.TestEnd, templates)
		if err != nil {
			return nil, fmt.Errorf("walkforward: test period %d: %w", p.Index, err)
		}
		if ws := bt.WinnerScore(); ws != nil {
			p.Return = ws.TotalReturn
			p.TradeCount = ws.TradeCount
			p.WinRate = ws.WinRate
		}
		returns[i] = p.Return
	}

	result := Aggregate(returns)
	result.AgentID = req.AgentID
	result.ScannerVersion = version.ID
	result.Periods = periods
	return result, nil
}

// testTemplates pins the exit template chosen on the training data, so
// test periods cannot re-optimize their exits. Falls back to the
// conservative template when training produced no trades.
func (c *Coordinator) testTemplates(ctx context.Context, backtestID string) []engine.Template {
	fallback, _ := engine.ByKey("conservative")
	bt, err := c.store.GetBacktest(ctx, backtestID)
	if err != nil || bt.Winner == "" {
		return []engine.Template{fallback}
	}
	for _, t := range engine.Catalogue() {
		if t.Name == bt.Winner {
			return []engine.Template{t}
		}
	}
	return []engine.Template{fallback}
}
