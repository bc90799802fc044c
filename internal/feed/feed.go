// Package feed supplies bars to the lab: a live Alpaca websocket
// adapter, a historical backfill client, and a replay feed that plays
// stored bars back through the same interface so paper trading can be
// rehearsed without market hours or API keys.
package feed

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/pkg/models"
)

// Feed delivers bars for a ticker set. Per-ticker timestamps are
// monotone non-decreasing; the channel closes when the feed ends.
type Feed interface {
	Subscribe(ctx context.Context, tickers []string) (<-chan models.Bar, error)
}

// Replay plays stored bars back in global timestamp order, optionally
// throttled to approximate live pacing.
type Replay struct {
	bars      *barstore.Store
	timeframe models.Timeframe
	from, to  time.Time
	delay     time.Duration // pause between bars, 0 for full speed
}

// NewReplay creates a replay feed over [from, to].
func NewReplay(bars *barstore.Store, tf models.Timeframe, from, to time.Time, delay time.Duration) *Replay {
	return &Replay{bars: bars, timeframe: tf, from: from, to: to, delay: delay}
}

// Subscribe loads every ticker's bars up front and streams them merged
// by timestamp.
func (r *Replay) Subscribe(ctx context.Context, tickers []string) (<-chan models.Bar, error) {
	var all []models.Bar
	for _, ticker := range tickers {
		bars, err := r.bars.GetBars(ctx, ticker, r.timeframe, r.from, r.to)
		if err != nil {
			if errors.Is(err, barstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		all = append(all, bars...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	ch := make(chan models.Bar)
	go func() {
		defer close(ch)
		for _, b := range all {
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
			if r.delay > 0 {
				select {
				case <-time.After(r.delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
