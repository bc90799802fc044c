package barstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantmill/tradelab/pkg/models"
)

// Snapshot is an append-only, line-JSON bar file handed to a scanner
// worker as its entire read surface. Because bars are only ever appended
// in timestamp order, a worker reading the snapshot at request time can
// never observe a bar after currentBarTimestamp — the no-look-ahead
// guarantee holds by construction, not by trust in the scanner code.
type Snapshot struct {
	path string
	f    *os.File
	w    *bufio.Writer
	last time.Time
	n    int
}

// NewSnapshot creates a snapshot file in dir seeded with the given
// warm-up bars.
func NewSnapshot(dir, name string, seed []models.Bar) (*Snapshot, error) {
	path := filepath.Join(dir, name+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("barstore.NewSnapshot: create %q: %w", path, err)
	}
	s := &Snapshot{path: path, f: f, w: bufio.NewWriter(f)}
	for _, b := range seed {
		if err := s.Append(b); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Path returns the snapshot file path passed to workers as databasePath.
func (s *Snapshot) Path() string { return s.path }

// Len returns the number of bars appended so far.
func (s *Snapshot) Len() int { return s.n }

// Append adds one bar and flushes it to disk so the worker sees it on
// the next request. Out-of-order appends are rejected.
func (s *Snapshot) Append(b models.Bar) error {
	if !s.last.IsZero() && b.Timestamp.Before(s.last) {
		return fmt.Errorf("barstore.Snapshot: out-of-order bar %s < %s", b.Timestamp, s.last)
	}
	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("barstore.Snapshot: marshal: %w", err)
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("barstore.Snapshot: write: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("barstore.Snapshot: flush: %w", err)
	}
	s.last = b.Timestamp
	s.n++
	return nil
}

// Close closes and removes the snapshot file.
func (s *Snapshot) Close() error {
	if s.f != nil {
		s.w.Flush()
		s.f.Close()
		s.f = nil
	}
	return os.Remove(s.path)
}

// ReadSnapshot loads all bars from a snapshot file. Used by in-process
// scanner workers and by tests asserting the no-look-ahead property.
func ReadSnapshot(path string) ([]models.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("barstore.ReadSnapshot: open %q: %w", path, err)
	}
	defer f.Close()

	var bars []models.Bar
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var b models.Bar
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			return nil, fmt.Errorf("barstore.ReadSnapshot: bad line: %w", err)
		}
		bars = append(bars, b)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("barstore.ReadSnapshot: scan: %w", err)
	}
	return bars, nil
}
