package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"github.com/quantmill/tradelab/pkg/models"
)

// Alpaca streams live minute bars over the Alpaca websocket. The
// connection is re-established with exponential backoff; bars missed
// while disconnected are logged as gaps, not backfilled.
type Alpaca struct {
	keyID      string
	secretKey  string
	dataFeed   marketdata.Feed
	timeframe  models.Timeframe
	maxBackoff time.Duration

	mu   sync.Mutex
	last map[string]time.Time // newest delivered timestamp per ticker
}

// AlpacaOption configures the live feed.
type AlpacaOption func(*Alpaca)

// WithDataFeed selects the Alpaca data feed (IEX by default).
func WithDataFeed(f marketdata.Feed) AlpacaOption {
	return func(a *Alpaca) { a.dataFeed = f }
}

// WithMaxBackoff caps the reconnect backoff.
func WithMaxBackoff(d time.Duration) AlpacaOption {
	return func(a *Alpaca) { a.maxBackoff = d }
}

// NewAlpaca creates a live feed using the given API credentials.
func NewAlpaca(keyID, secretKey string, opts ...AlpacaOption) *Alpaca {
	a := &Alpaca{
		keyID:      keyID,
		secretKey:  secretKey,
		dataFeed:   marketdata.IEX,
		timeframe:  models.Timeframe1Min,
		maxBackoff: 60 * time.Second,
		last:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe opens the websocket and streams bars until the context is
// cancelled. Out-of-order bars after a reconnect overlap are dropped to
// keep per-ticker timestamps monotone.
func (a *Alpaca) Subscribe(ctx context.Context, tickers []string) (<-chan models.Bar, error) {
	ch := make(chan models.Bar, 256)

	handler := func(b stream.Bar) {
		bar := models.Bar{
			Ticker:    b.Symbol,
			Timestamp: b.Timestamp.UTC(),
			Timeframe: a.timeframe,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
		}
		if !a.advance(bar) {
			return
		}
		select {
		case ch <- bar:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		backoff := time.Second
		for {
			client := stream.NewStocksClient(a.dataFeed,
				stream.WithCredentials(a.keyID, a.secretKey),
				stream.WithReconnectSettings(10, 500*time.Millisecond),
				stream.WithBars(handler, tickers...),
			)
			connectedAt := time.Now()
			err := client.Connect(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}

			if since := time.Since(connectedAt); since > a.maxBackoff {
				backoff = time.Second // connection held, reset the ladder
			}
			log.Printf("feed: alpaca stream dropped (%v), reconnecting in %s", err, backoff)
			a.logGaps()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > a.maxBackoff {
				backoff = a.maxBackoff
			}
		}
	}()
	return ch, nil
}

// advance records the newest timestamp per ticker and rejects
// duplicates delivered by reconnect overlap.
func (a *Alpaca) advance(bar models.Bar) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.last[bar.Ticker]; ok && !bar.Timestamp.After(last) {
		return false
	}
	a.last[bar.Ticker] = bar.Timestamp
	return true
}

func (a *Alpaca) logGaps() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ticker, last := range a.last {
		log.Printf("feed: %s resumes after %s, intervening bars are not backfilled",
			ticker, last.Format(time.RFC3339))
	}
}
