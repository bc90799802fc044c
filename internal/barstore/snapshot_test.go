package barstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshot_AppendAndRead(t *testing.T) {
	day := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)
	seed := fiveMinBars("XYZ", day, 3, 100)

	snap, err := NewSnapshot(t.TempDir(), "xyz-2025-10-01", seed)
	require.NoError(t, err)
	defer snap.Close()

	require.Equal(t, 3, snap.Len())

	next := fiveMinBars("XYZ", day.Add(15*time.Minute), 1, 101)[0]
	require.NoError(t, snap.Append(next))

	bars, err := ReadSnapshot(snap.Path())
	require.NoError(t, err)
	require.Len(t, bars, 4)
	require.Equal(t, next.Timestamp.Unix(), bars[3].Timestamp.Unix())
}

func TestSnapshot_RejectsOutOfOrder(t *testing.T) {
	day := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)
	seed := fiveMinBars("XYZ", day, 3, 100)

	snap, err := NewSnapshot(t.TempDir(), "ooo", seed)
	require.NoError(t, err)
	defer snap.Close()

	stale := seed[0]
	stale.Timestamp = day.Add(-5 * time.Minute)
	require.Error(t, snap.Append(stale))
}

func TestSnapshot_NeverContainsFutureBars(t *testing.T) {
	// The property the whole engine depends on: at any point, the snapshot
	// holds only bars appended so far, in order.
	day := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)
	all := fiveMinBars("XYZ", day, 10, 100)

	snap, err := NewSnapshot(t.TempDir(), "prefix", all[:3])
	require.NoError(t, err)
	defer snap.Close()

	for i := 3; i < len(all); i++ {
		require.NoError(t, snap.Append(all[i]))
		current := all[i].Timestamp

		bars, err := ReadSnapshot(snap.Path())
		require.NoError(t, err)
		require.Len(t, bars, i+1)
		for _, b := range bars {
			require.False(t, b.Timestamp.After(current),
				"snapshot leaked bar %s after current %s", b.Timestamp, current)
		}
	}
}
