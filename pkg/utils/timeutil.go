// Package utils holds small shared helpers: the exchange clock for US
// equities and ticker normalization.
package utils

import (
	"strings"
	"time"
)

// ET is the US Eastern time zone used for regular-hours filtering.
// Bars are stored in UTC everywhere; conversion to ET happens only here.
var ET *time.Location

func init() {
	var err error
	ET, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback when the tz database is unavailable. Fixed EST offset,
		// so DST boundaries will be off by an hour in that degenerate case.
		ET = time.FixedZone("ET", -5*60*60)
	}
}

// NowET returns the current time in ET.
func NowET() time.Time {
	return time.Now().In(ET)
}

// SessionOpen returns the regular-session open (09:30 ET) for a date.
func SessionOpen(date time.Time) time.Time {
	d := date.In(ET)
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, ET)
}

// SessionClose returns the regular-session close (16:00 ET) for a date.
func SessionClose(date time.Time) time.Time {
	d := date.In(ET)
	return time.Date(d.Year(), d.Month(), d.Day(), 16, 0, 0, 0, ET)
}

// IsRegularHours reports whether t falls within the regular trading
// session (09:30–16:00 ET), inclusive of the open, exclusive of the close.
func IsRegularHours(t time.Time) bool {
	et := t.In(ET)
	open := SessionOpen(et)
	close := SessionClose(et)
	return !et.Before(open) && et.Before(close)
}

// IsTradingDay reports whether the date is a weekday. Exchange holidays
// are not modeled; days without bars are simply skipped upstream.
func IsTradingDay(t time.Time) bool {
	wd := t.In(ET).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SignalClock formats a bar timestamp as HH:MM:SS in exchange time, the
// representation carried on signals.
func SignalClock(t time.Time) string {
	return t.In(ET).Format("15:04:05")
}

// SignalDate formats a bar timestamp as the exchange calendar date.
func SignalDate(t time.Time) string {
	return t.In(ET).Format("2006-01-02")
}

// ParseDate parses a 2006-01-02 date string as a UTC midnight instant.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// ParseClock parses an HH:MM:SS exchange-time clock on the given
// calendar date. The date's own calendar fields are used as-is, so a
// UTC-midnight date from ParseDate names the same exchange day.
func ParseClock(date time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04:05", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), t.Second(), 0, ET), nil
}

// MarketStatus returns a human-readable session status for `status`-style
// CLI output.
func MarketStatus() string {
	now := NowET()
	if !IsTradingDay(now) {
		return "CLOSED (Weekend)"
	}
	switch {
	case now.Before(SessionOpen(now)):
		return "PRE-MARKET"
	case now.Before(SessionClose(now)):
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// NormalizeTicker upper-cases and trims a user-supplied ticker.
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// SplitTickers parses a comma-separated ticker list.
func SplitTickers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := NormalizeTicker(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
