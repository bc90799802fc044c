package paper

import "github.com/quantmill/tradelab/pkg/models"

// barRing is a fixed-capacity ring of the most recent bars for one
// ticker, oldest first. Out-of-order bars are ignored: the live feed
// guarantees monotone per-ticker timestamps and replays can violate it
// only on reconnect overlap.
type barRing struct {
	buf   []models.Bar
	start int
	n     int
}

func newBarRing(capacity int) *barRing {
	return &barRing{buf: make([]models.Bar, capacity)}
}

// Push appends a bar, evicting the oldest when full. Returns false for
// a bar at or before the newest held timestamp.
func (r *barRing) Push(b models.Bar) bool {
	if r.n > 0 {
		last := r.buf[(r.start+r.n-1)%len(r.buf)]
		if !b.Timestamp.After(last.Timestamp) {
			return false
		}
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = b
		r.n++
		return true
	}
	r.buf[r.start] = b
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Bars returns the held bars oldest first.
func (r *barRing) Bars() []models.Bar {
	out := make([]models.Bar, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of held bars.
func (r *barRing) Len() int { return r.n }
