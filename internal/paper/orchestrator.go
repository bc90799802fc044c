package paper

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/metrics"
	"github.com/quantmill/tradelab/internal/pipeline"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/internal/worker"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// Feed delivers live bars for a ticker set. Per-ticker timestamps are
// monotone; across tickers there is no ordering guarantee.
type Feed interface {
	Subscribe(ctx context.Context, tickers []string) (<-chan models.Bar, error)
}

// Options configure the orchestrator.
type Options struct {
	RingSize         int           // bars kept per ticker (default 100)
	AgentBuffer      int           // per-agent bar channel depth (default 16)
	MinBarsToScan    int           // bars required before scanning (default 10)
	ScanTimeout      time.Duration // per-request worker deadline
	SlippagePct      float64
	Limits           Limits   // executor risk limits, zero fields keep defaults
	TemplateKey      string   // exit template enforced on positions
	PositionFraction float64  // equity fraction per new position (default 0.10)
	DefaultTickers   []string // universe when the scanner names none
	SnapshotDir      string
}

func (o *Options) fill() {
	if o.RingSize <= 0 {
		o.RingSize = 100
	}
	if o.AgentBuffer <= 0 {
		o.AgentBuffer = 16
	}
	if o.MinBarsToScan <= 0 {
		o.MinBarsToScan = 10
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 120 * time.Second
	}
	if o.PositionFraction <= 0 {
		o.PositionFraction = 0.10
	}
	if o.TemplateKey == "" {
		o.TemplateKey = "conservative"
	}
	if o.SnapshotDir == "" {
		o.SnapshotDir = os.TempDir()
	}
}

// Orchestrator runs all paper-trading agents against a live feed. One
// supervisor goroutine per agent; a shared fan-out loop distributes
// bars over bounded channels, dropping the oldest queued bar when an
// agent falls behind.
type Orchestrator struct {
	store   *store.Store
	feed    Feed
	factory pipeline.SpawnerFactory
	metrics *metrics.Metrics
	opts    Options
}

// New creates an orchestrator.
func New(st *store.Store, feed Feed, factory pipeline.SpawnerFactory, m *metrics.Metrics, opts Options) *Orchestrator {
	opts.fill()
	if m == nil {
		m = metrics.New()
	}
	return &Orchestrator{store: st, feed: feed, factory: factory, metrics: m, opts: opts}
}

// Run loads every paper_trading agent, subscribes their combined
// ticker universe and blocks until the context is cancelled or the
// feed closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	var sups []*supervisor
	universe := map[string]bool{}
	for i := range agents {
		if agents[i].Status != models.StatusPaperTrading {
			continue
		}
		sup, err := o.newSupervisor(ctx, &agents[i])
		if err != nil {
			log.Printf("paper: skipping agent %s: %v", agents[i].Name, err)
			continue
		}
		sups = append(sups, sup)
		for _, t := range sup.tickers {
			universe[t] = true
		}
	}
	if len(sups) == 0 {
		return fmt.Errorf("paper: no runnable agents in paper_trading status")
	}

	tickers := make([]string, 0, len(universe))
	for t := range universe {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	bars, err := o.feed.Subscribe(ctx, tickers)
	if err != nil {
		return fmt.Errorf("paper: subscribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		sup := sup
		g.Go(func() error { return sup.loop(gctx) })
	}
	g.Go(func() error {
		defer func() {
			for _, sup := range sups {
				close(sup.ch)
			}
		}()
		return o.fanOut(gctx, bars, sups)
	})
	return g.Wait()
}

// fanOut distributes feed bars to supervisors. A full supervisor
// channel sheds its oldest bar so slow scanners see fresh data.
func (o *Orchestrator) fanOut(ctx context.Context, bars <-chan models.Bar, sups []*supervisor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, ok := <-bars:
			if !ok {
				return nil
			}
			o.metrics.BarsReceived.WithLabelValues(bar.Ticker).Inc()
			for _, sup := range sups {
				if !sup.watches(bar.Ticker) {
					continue
				}
				select {
				case sup.ch <- bar:
				default:
					select {
					case <-sup.ch: // shed oldest
						o.metrics.BarsDropped.WithLabelValues(sup.agent.Name).Inc()
						log.Printf("paper: agent %s lagging, dropped oldest bar for %s",
							sup.agent.Name, bar.Ticker)
					default:
					}
					select {
					case sup.ch <- bar:
					default:
					}
				}
			}
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Per-agent supervisor
// ════════════════════════════════════════════════════════════════════

type supervisor struct {
	orch    *Orchestrator
	agent   *models.Agent
	tickers []string
	watch   map[string]bool
	ch      chan models.Bar

	spawn   worker.Spawner
	worker  worker.Worker
	exec    *Executor
	monitor *Monitor
	rings   map[string]*barRing

	lastSignalDay map[string]string // ticker → exchange date of last signal
	snapshotDay   string

	mu sync.Mutex // guards exec/account for Status readers
}

func (o *Orchestrator) newSupervisor(ctx context.Context, agent *models.Agent) (*supervisor, error) {
	version, err := o.store.LatestScannerVersion(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("no scanner version: %w", err)
	}
	row, err := o.store.GetPaperAccount(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("no paper account: %w", err)
	}
	positions, err := o.store.ListPositions(ctx, row.ID)
	if err != nil {
		return nil, err
	}

	tickers := ExtractTickers(version.Code)
	if len(tickers) == 0 {
		tickers = o.opts.DefaultTickers
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("scanner names no tickers and no default universe is set")
	}

	tmpl, ok := engine.ByKey(o.opts.TemplateKey)
	if !ok {
		return nil, fmt.Errorf("unknown exit template %q", o.opts.TemplateKey)
	}

	spawn := o.factory(version.Code)
	w, err := spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	account := NewAccount(row, positions)
	exec := NewExecutor(account, o.opts.SlippagePct)
	exec.SetLimits(o.opts.Limits)
	sup := &supervisor{
		orch:          o,
		agent:         agent,
		tickers:       tickers,
		watch:         make(map[string]bool, len(tickers)),
		ch:            make(chan models.Bar, o.opts.AgentBuffer),
		spawn:         spawn,
		worker:        w,
		exec:          exec,
		monitor:       NewMonitor(exec, tmpl),
		rings:         make(map[string]*barRing),
		lastSignalDay: make(map[string]string),
	}
	for _, t := range tickers {
		sup.watch[t] = true
		sup.rings[t] = newBarRing(o.opts.RingSize)
	}
	return sup, nil
}

func (s *supervisor) watches(ticker string) bool { return s.watch[ticker] }

func (s *supervisor) loop(ctx context.Context) error {
	defer s.worker.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, ok := <-s.ch:
			if !ok {
				return nil
			}
			s.onBar(ctx, bar)
		}
	}
}

// onBar is the serialized per-agent pipeline for one live bar: ring
// append, position monitoring, pending-order fills, then one scan.
func (s *supervisor) onBar(ctx context.Context, bar models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.rings[bar.Ticker]
	if ring == nil || !ring.Push(bar) {
		return
	}

	sessionClose := utils.SessionClose(bar.Timestamp)
	if exit := s.monitor.Check(bar, sessionClose); exit != nil {
		s.placeOrder(ctx, exit.Order, bar.Close, bar.Timestamp)
		s.orch.metrics.ExitReasons.WithLabelValues(s.agent.Name, string(exit.Reason)).Inc()
	}

	s.applyFills(ctx, bar)

	if utils.IsRegularHours(bar.Timestamp) && ring.Len() >= s.orch.opts.MinBarsToScan {
		s.scan(ctx, bar, ring)
	}

	s.snapshotEquity(ctx, bar, sessionClose)
	s.orch.metrics.Equity.WithLabelValues(s.agent.Name).Set(s.exec.Account().Equity)
	s.orch.metrics.OpenPositions.WithLabelValues(s.agent.Name).Set(float64(s.exec.Account().OpenPositionCount()))
}

// scan issues one worker request over a private snapshot holding only
// bars up to the current one, the same discipline the backtester uses.
func (s *supervisor) scan(ctx context.Context, bar models.Bar, ring *barRing) {
	day := utils.SignalDate(bar.Timestamp)
	if s.lastSignalDay[bar.Ticker] == day && !s.agent.AllowMultipleSignals {
		return
	}

	snap, err := barstore.NewSnapshot(s.orch.opts.SnapshotDir,
		fmt.Sprintf("live-%s-%s-%s", s.agent.ID[:8], bar.Ticker, uuid.NewString()[:8]),
		ring.Bars())
	if err != nil {
		log.Printf("paper: agent %s snapshot: %v", s.agent.Name, err)
		return
	}
	defer func() {
		snap.Close()
		os.Remove(snap.Path())
	}()

	reqCtx, cancel := context.WithTimeout(ctx, s.orch.opts.ScanTimeout)
	resp, err := s.worker.Scan(reqCtx, worker.Request{
		RequestID:           uuid.NewString(),
		DatabasePath:        snap.Path(),
		Tickers:             []string{bar.Ticker},
		CurrentBarTimestamp: bar.Timestamp.UTC().Unix(),
	})
	cancel()
	if err != nil {
		log.Printf("paper: agent %s worker failed (%v), respawning", s.agent.Name, err)
		s.respawn(ctx)
		return
	}
	if !resp.Success || resp.Data == nil {
		return
	}

	sig := *resp.Data
	if sig.Ticker == "" {
		sig.Ticker = bar.Ticker
	}
	if !sig.Valid() {
		return
	}
	s.lastSignalDay[bar.Ticker] = day
	s.orch.metrics.Signals.WithLabelValues(s.agent.Name, string(sig.Direction)).Inc()
	s.openFromSignal(ctx, sig, bar)
}

// openFromSignal sizes and places the entry order: a tenth of equity
// at the current mark, market, filled on the next bar.
func (s *supervisor) openFromSignal(ctx context.Context, sig models.Signal, bar models.Bar) {
	if s.exec.Account().Position(sig.Ticker) != nil {
		return // one position per ticker
	}
	qty := int(s.orch.opts.PositionFraction * s.exec.Account().Equity / bar.Close)
	if qty <= 0 {
		return
	}
	side := models.Buy
	if sig.Direction == models.Short {
		side = models.Sell
	}
	s.placeOrder(ctx, models.PaperOrder{
		Ticker:   sig.Ticker,
		Side:     side,
		Type:     models.Market,
		Quantity: qty,
	}, bar.Close, bar.Timestamp)
}

func (s *supervisor) placeOrder(ctx context.Context, req models.PaperOrder, refPrice float64, at time.Time) {
	order, err := s.exec.PlaceOrder(req, refPrice, at)
	if err != nil {
		log.Printf("paper: agent %s order rejected: %s", s.agent.Name, order.StatusMessage)
	}
	s.orch.metrics.Orders.WithLabelValues(s.agent.Name, string(order.Status)).Inc()
	if serr := s.orch.store.SaveOrder(ctx, order); serr != nil {
		log.Printf("paper: agent %s save order: %v", s.agent.Name, serr)
	}
}

// applyFills runs the executor's fill pass and persists the results:
// order updates, position changes, realized trades and the account row.
func (s *supervisor) applyFills(ctx context.Context, bar models.Bar) {
	before := s.exec.Account().Position(bar.Ticker)
	var entry models.PaperPosition
	if before != nil {
		entry = *before
	}

	fills := s.exec.FillPass(bar)
	if len(fills) == 0 {
		return
	}
	account := s.exec.Account()
	for _, f := range fills {
		s.orch.metrics.Orders.WithLabelValues(s.agent.Name, string(f.Order.Status)).Inc()
		if err := s.orch.store.SaveOrder(ctx, &f.Order); err != nil {
			log.Printf("paper: agent %s save order: %v", s.agent.Name, err)
		}
		if before != nil && closesPosition(entry, f.Order) {
			s.recordTrade(ctx, entry, f)
		}
	}

	pos := account.Position(bar.Ticker)
	row := models.PaperPosition{AccountID: account.ID, Ticker: bar.Ticker}
	if pos != nil {
		row = *pos
	}
	if err := s.orch.store.SavePosition(ctx, &row); err != nil {
		log.Printf("paper: agent %s save position: %v", s.agent.Name, err)
	}
	if err := s.orch.store.UpdatePaperAccount(ctx, &account.PaperAccount); err != nil {
		log.Printf("paper: agent %s save account: %v", s.agent.Name, err)
	}
}

func closesPosition(entry models.PaperPosition, order models.PaperOrder) bool {
	if entry.Quantity > 0 {
		return order.Side == models.Sell
	}
	return order.Side == models.Buy
}

func (s *supervisor) recordTrade(ctx context.Context, entry models.PaperPosition, f Fill) {
	direction := models.Long
	if entry.Quantity < 0 {
		direction = models.Short
	}
	reason := models.ExitManual
	if f.Order.Tag != "" {
		reason = models.ExitReason(f.Order.Tag)
	}
	closed := min(f.Order.Quantity, abs(entry.Quantity))
	trade := models.Trade{
		Ticker:     entry.Ticker,
		SignalDate: utils.SignalDate(f.At),
		SignalTime: utils.SignalClock(entry.OpenedAt),
		Direction:  direction,
		EntryTime:  entry.OpenedAt,
		EntryPrice: entry.AvgEntryPrice,
		ExitTime:   f.At,
		ExitPrice:  f.Price,
		Quantity:   closed,
		PnL:        f.Realized,
		ExitReason: reason,
	}
	if entry.AvgEntryPrice > 0 && closed > 0 {
		trade.PnLPct = f.Realized / (entry.AvgEntryPrice * float64(closed))
	}
	if err := s.orch.store.SavePaperTrade(ctx, s.exec.Account().ID, &trade); err != nil {
		log.Printf("paper: agent %s save trade: %v", s.agent.Name, err)
	}
}

// snapshotEquity writes the once-per-day equity sample as the session
// winds down.
func (s *supervisor) snapshotEquity(ctx context.Context, bar models.Bar, sessionClose time.Time) {
	day := utils.SignalDate(bar.Timestamp)
	if s.snapshotDay == day || bar.Timestamp.Before(sessionClose.Add(-timeExitBeforeClose)) {
		return
	}
	account := s.exec.Account()
	snap := &models.EquitySnapshot{
		AccountID: account.ID,
		Date:      day,
		Equity:    account.Equity,
		Cash:      account.Cash,
		TakenAt:   bar.Timestamp,
	}
	if err := s.orch.store.SaveEquitySnapshot(ctx, snap); err != nil {
		log.Printf("paper: agent %s equity snapshot: %v", s.agent.Name, err)
		return
	}
	s.snapshotDay = day
}

func (s *supervisor) respawn(ctx context.Context) {
	s.worker.Close()
	w, err := s.spawn(ctx)
	if err != nil {
		log.Printf("paper: agent %s respawn failed: %v", s.agent.Name, err)
		return
	}
	s.worker = w
	s.orch.metrics.WorkerRestarts.WithLabelValues(s.agent.Name).Inc()
}

// tickerListPattern matches an uppercase symbol inside a quoted list,
// the shape generated scanners use to declare their universe.
var tickerListPattern = regexp.MustCompile(`"([A-Z]{1,5})"|'([A-Z]{1,5})'`)

// ExtractTickers pulls the intended ticker universe out of scanner
// source by collecting quoted uppercase symbols. Returns them sorted
// and deduplicated; empty when the scanner names none.
func ExtractTickers(code string) []string {
	seen := map[string]bool{}
	for _, m := range tickerListPattern.FindAllStringSubmatch(code, -1) {
		sym := m[1]
		if sym == "" {
			sym = m[2]
		}
		if !seen[sym] && !reservedWord(sym) {
			seen[sym] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// reservedWord filters quoted constants that look like symbols but are
// protocol values.
func reservedWord(s string) bool {
	switch s {
	case "LONG", "SHORT", "BUY", "SELL":
		return true
	}
	return false
}
