package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func snap(date string, equity float64) EquitySnapshot {
	return EquitySnapshot{Date: date, Equity: equity}
}

func TestMaxDrawdown(t *testing.T) {
	snaps := []EquitySnapshot{
		snap("2025-10-01", 100_000),
		snap("2025-10-02", 104_000),
		snap("2025-10-03", 96_000), // 7.69% off the 104k peak
		snap("2025-10-06", 101_000),
		snap("2025-10-07", 99_000),
	}
	require.InDelta(t, 8000.0/104_000, MaxDrawdown(snaps), 1e-9)
}

func TestMaxDrawdown_MonotoneRiseIsZero(t *testing.T) {
	snaps := []EquitySnapshot{
		snap("2025-10-01", 100_000),
		snap("2025-10-02", 101_000),
		snap("2025-10-03", 105_000),
	}
	require.Zero(t, MaxDrawdown(snaps))
	require.Zero(t, MaxDrawdown(nil))
}

func TestPaperPosition_MarketValueSigned(t *testing.T) {
	long := PaperPosition{Quantity: 100, CurrentPrice: 50}
	require.Equal(t, 5000.0, long.MarketValue())

	short := PaperPosition{Quantity: -100, CurrentPrice: 50}
	require.Equal(t, -5000.0, short.MarketValue())
}
