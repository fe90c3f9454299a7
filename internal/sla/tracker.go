// Package sla maintains per-route sliding windows of call outcomes and the
// derived breach state, with hysteresis on recovery so the flag does not
// flap when the failure ratio oscillates around the threshold.
package sla

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumatel/callguard/internal/statestore"
)

// Options configures a Tracker.
type Options struct {
	Window           time.Duration // Total span the ratio is computed over.
	Bucket           time.Duration // Counter granularity within the window.
	BreachThreshold  float64       // Failure ratio that opens a breach.
	RecoverThreshold float64       // Ratio that clears it (must be lower).
	MinSampleSize    int           // Guards against false breach on low traffic.
}

// BreachHook is invoked on breach transitions. entering is true when a
// route goes into breach, false when it recovers. Hooks run synchronously
// on the recording goroutine and must be fast.
type BreachHook func(route string, entering bool)

// Tracker records terminal call outcomes into time-bucketed counters in the
// shared state store. Storage per route is bounded by window/bucket keys;
// old buckets age out via TTL rather than explicit cleanup.
type Tracker struct {
	store  statestore.Store
	opts   Options
	logger *slog.Logger
	hook   BreachHook
	now    func() time.Time

	transitions metric.Int64Counter
}

// Snapshot is the read-side view of one route's window.
type Snapshot struct {
	Route       string    `json:"route"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Ratio       float64   `json:"failure_ratio"`
	Breached    bool      `json:"breached"`
	BreachSince time.Time `json:"breach_since,omitzero"`
	ClearedAt   time.Time `json:"cleared_at,omitzero"`
}

// breachRecord is the stored breach state for one route.
type breachRecord struct {
	Breached  bool      `json:"breached"`
	Since     time.Time `json:"since,omitzero"`
	ClearedAt time.Time `json:"cleared_at,omitzero"`
}

const breachCASAttempts = 3

// New creates a Tracker. hook may be nil.
func New(store statestore.Store, opts Options, logger *slog.Logger, hook BreachHook) *Tracker {
	t := &Tracker{store: store, opts: opts, logger: logger, hook: hook, now: time.Now}
	meter := otel.GetMeterProvider().Meter("callguard/sla")
	t.transitions, _ = meter.Int64Counter("callguard.sla.breach_transitions",
		metric.WithDescription("SLA breach openings and recoveries by route"))
	return t
}

// Record adds one terminal outcome to the route's current bucket and
// re-evaluates the breach state.
func (t *Tracker) Record(ctx context.Context, route string, success bool) error {
	suffix := "fail"
	if success {
		suffix = "ok"
	}
	bucketStart := t.now().Truncate(t.opts.Bucket).Unix()
	key := fmt.Sprintf("sla:%s:%d:%s", route, bucketStart, suffix)

	// Buckets must outlive the window they can still contribute to.
	if _, err := t.store.Incr(ctx, key, 1, t.opts.Window+t.opts.Bucket); err != nil {
		return fmt.Errorf("sla: record outcome: %w", err)
	}
	return t.updateBreach(ctx, route)
}

// Snapshot sums all non-expired buckets for the route and returns the
// window totals together with the current breach state.
func (t *Tracker) Snapshot(ctx context.Context, route string) (Snapshot, error) {
	snap, err := t.windowOnly(ctx, route)
	if err != nil {
		return Snapshot{}, err
	}

	rec, _, err := t.breachState(ctx, route)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Breached = rec.Breached
	snap.BreachSince = rec.Since
	snap.ClearedAt = rec.ClearedAt
	return snap, nil
}

// updateBreach recomputes the breach flag from the current window and
// persists transitions with a CAS so concurrent recorders agree. Losing
// every CAS round is harmless: the next Record re-evaluates from scratch.
func (t *Tracker) updateBreach(ctx context.Context, route string) error {
	for attempt := 0; attempt < breachCASAttempts; attempt++ {
		snap, err := t.windowOnly(ctx, route)
		if err != nil {
			return err
		}
		rec, version, err := t.breachState(ctx, route)
		if err != nil {
			return err
		}

		total := snap.Successes + snap.Failures
		next := rec
		switch {
		case !rec.Breached &&
			snap.Ratio > t.opts.BreachThreshold &&
			total >= int64(t.opts.MinSampleSize):
			next.Breached = true
			next.Since = t.now().UTC()
		case rec.Breached && snap.Ratio < t.opts.RecoverThreshold:
			next.Breached = false
			next.ClearedAt = t.now().UTC()
		default:
			return nil // No transition.
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("sla: encode breach state: %w", err)
		}
		// Breach state outlives the window so late readers still see a
		// recent recovery; it expires with traffic silence.
		ok, err := t.store.CompareAndSwap(ctx, "slabreach:"+route, version, raw, 2*t.opts.Window)
		if err != nil {
			return fmt.Errorf("sla: write breach state: %w", err)
		}
		if ok {
			t.logger.Info("sla breach transition",
				"route", route, "breached", next.Breached,
				"failure_ratio", snap.Ratio, "samples", total)
			t.transitions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", route),
				attribute.Bool("breached", next.Breached)))
			if t.hook != nil {
				t.hook(route, next.Breached)
			}
			return nil
		}
	}
	return nil
}

// windowOnly computes the window totals without reading breach state.
func (t *Tracker) windowOnly(ctx context.Context, route string) (Snapshot, error) {
	snap := Snapshot{Route: route}
	now := t.now()
	oldest := now.Add(-t.opts.Window).Truncate(t.opts.Bucket)
	for b := oldest; !b.After(now); b = b.Add(t.opts.Bucket) {
		ok, err := t.store.Counter(ctx, fmt.Sprintf("sla:%s:%d:ok", route, b.Unix()))
		if err != nil {
			return Snapshot{}, fmt.Errorf("sla: read bucket: %w", err)
		}
		fail, err := t.store.Counter(ctx, fmt.Sprintf("sla:%s:%d:fail", route, b.Unix()))
		if err != nil {
			return Snapshot{}, fmt.Errorf("sla: read bucket: %w", err)
		}
		snap.Successes += ok
		snap.Failures += fail
	}
	if total := snap.Successes + snap.Failures; total > 0 {
		snap.Ratio = float64(snap.Failures) / float64(total)
	}
	return snap, nil
}

func (t *Tracker) breachState(ctx context.Context, route string) (breachRecord, int64, error) {
	raw, version, found, err := t.store.Get(ctx, "slabreach:"+route)
	if err != nil {
		return breachRecord{}, 0, fmt.Errorf("sla: read breach state: %w", err)
	}
	if !found {
		return breachRecord{}, 0, nil
	}
	var rec breachRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return breachRecord{}, 0, fmt.Errorf("sla: corrupt breach state for %q: %w", route, err)
	}
	return rec, version, nil
}
