package feed

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/pkg/models"
)

// barFetcher is the slice of the Alpaca market-data client the ingester
// needs. Satisfied by *marketdata.Client.
type barFetcher interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Ingester backfills historical bars from Alpaca into the bar store.
// Requests are throttled to stay under the free-tier rate limit.
type Ingester struct {
	client  barFetcher
	store   *barstore.Store
	limiter *rate.Limiter
	feed    marketdata.Feed
	now     func() time.Time
}

// NewIngester creates a backfill client. The default limit of 3 req/s
// keeps a full-universe backfill under Alpaca's 200 req/min cap.
func NewIngester(client *marketdata.Client, store *barstore.Store) *Ingester {
	return &Ingester{
		client:  client,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(3), 1),
		feed:    marketdata.IEX,
		now:     time.Now,
	}
}

// Backfill fetches bars for every ticker over [from, to] and writes
// them to the store. Ranges reaching past today are rejected before any
// network call is made.
func (in *Ingester) Backfill(ctx context.Context, tickers []string, tf models.Timeframe, from, to time.Time) (int, error) {
	if to.After(in.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)) {
		return 0, fmt.Errorf("%w: %s", barstore.ErrFutureDate, to.Format("2006-01-02"))
	}
	frame, err := alpacaTimeframe(tf)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, ticker := range tickers {
		if err := in.limiter.Wait(ctx); err != nil {
			return total, err
		}
		raw, err := in.client.GetBars(ticker, marketdata.GetBarsRequest{
			TimeFrame: frame,
			Start:     from,
			End:       to,
			Feed:      in.feed,
		})
		if err != nil {
			return total, fmt.Errorf("feed: fetch %s bars for %s: %w", tf, ticker, err)
		}
		if len(raw) == 0 {
			log.Printf("feed: no %s bars for %s in %s..%s", tf, ticker,
				from.Format("2006-01-02"), to.Format("2006-01-02"))
			continue
		}

		bars := make([]models.Bar, len(raw))
		for i, b := range raw {
			bars[i] = models.Bar{
				Ticker:    ticker,
				Timestamp: b.Timestamp.UTC(),
				Timeframe: tf,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    int64(b.Volume),
			}
		}
		if err := in.store.WriteBars(ctx, bars); err != nil {
			return total, err
		}
		total += len(bars)
	}
	return total, nil
}

// alpacaTimeframe maps a storage timeframe onto the Alpaca request
// granularity.
func alpacaTimeframe(tf models.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case models.Timeframe1Min:
		return marketdata.NewTimeFrame(1, marketdata.Min), nil
	case models.Timeframe5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case models.Timeframe15Min:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case models.Timeframe1Day:
		return marketdata.NewTimeFrame(1, marketdata.Day), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("feed: unsupported timeframe %q", tf)
	}
}
