package sla

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumatel/callguard/internal/statestore"
)

func newTestTracker(t *testing.T, opts Options, hook BreachHook) (*Tracker, *statestore.Memory, *time.Time) {
	t.Helper()
	store := statestore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := New(store, opts, logger, hook)
	now := time.Now()
	tr.now = func() time.Time { return now }
	return tr, store, &now
}

func defaultOpts() Options {
	return Options{
		Window:           10 * time.Minute,
		Bucket:           time.Minute,
		BreachThreshold:  0.5,
		RecoverThreshold: 0.2,
		MinSampleSize:    4,
	}
}

func record(t *testing.T, tr *Tracker, route string, successes, failures int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < successes; i++ {
		require.NoError(t, tr.Record(ctx, route, true))
	}
	for i := 0; i < failures; i++ {
		require.NoError(t, tr.Record(ctx, route, false))
	}
}

func TestSnapshotCountsWindow(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, defaultOpts(), nil)

	record(t, tr, "r1", 3, 1)

	snap, err := tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.InDelta(t, 0.25, snap.Ratio, 1e-9)
	assert.False(t, snap.Breached)
}

func TestBreachRequiresMinSample(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, defaultOpts(), nil)

	// 100% failure but below the sample floor: no breach.
	record(t, tr, "r1", 0, 3)
	snap, err := tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, snap.Breached, "low traffic must not flag a breach")

	// One more failure crosses the floor.
	record(t, tr, "r1", 0, 1)
	snap, err = tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, snap.Breached)
	assert.False(t, snap.BreachSince.IsZero())
}

func TestHysteresisPreventsFlapping(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, defaultOpts(), nil)

	// Enter breach: 4 failures, 2 successes -> ratio 0.67.
	record(t, tr, "r1", 2, 4)
	snap, err := tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.True(t, snap.Breached)

	// Drive the ratio into the dead band between recover (0.2) and
	// breach (0.5) thresholds: breach must hold.
	record(t, tr, "r1", 6, 0) // 4 failures / 12 total = 0.33
	snap, err = tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.InDelta(t, 0.33, snap.Ratio, 0.01)
	assert.True(t, snap.Breached, "ratio between thresholds must not clear the breach")

	// Only falling below the lower threshold clears it.
	record(t, tr, "r1", 10, 0) // 4 / 22 = 0.18
	snap, err = tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, snap.Breached)
	assert.False(t, snap.ClearedAt.IsZero())
}

func TestBreachHookFiresOnTransitionsOnly(t *testing.T) {
	var calls []bool
	hook := func(route string, entering bool) { calls = append(calls, entering) }
	tr, _, _ := newTestTracker(t, defaultOpts(), hook)

	record(t, tr, "r1", 0, 6) // Enter breach once.
	record(t, tr, "r1", 0, 2) // Still breached: no further hook calls.
	require.Equal(t, []bool{true}, calls)

	record(t, tr, "r1", 40, 0) // 8/48 = 0.167 < 0.2: recover.
	require.Equal(t, []bool{true, false}, calls)
}

func TestOldBucketsAgeOut(t *testing.T) {
	ctx := context.Background()
	tr, _, now := newTestTracker(t, defaultOpts(), nil)

	record(t, tr, "r1", 0, 5)

	// Advance past the window; the old bucket no longer contributes.
	*now = now.Add(11 * time.Minute)
	snap, err := tr.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Failures,
		"buckets outside the window must not be counted")
}

func TestRoutesAreIndependent(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, defaultOpts(), nil)

	record(t, tr, "bad", 0, 10)
	record(t, tr, "good", 10, 0)

	badSnap, err := tr.Snapshot(ctx, "bad")
	require.NoError(t, err)
	goodSnap, err := tr.Snapshot(ctx, "good")
	require.NoError(t, err)

	assert.True(t, badSnap.Breached)
	assert.False(t, goodSnap.Breached)
}
