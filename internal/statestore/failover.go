package statestore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Failover serves every operation from the primary (Redis) backend until an
// infrastructure error occurs, then degrades to the in-process fallback.
// While degraded it reprobes the primary at probeInterval and recovers when
// the probe succeeds.
//
// State is not migrated in either direction: keys written before a switch
// are not visible after it. Correctness is preserved because every consumer
// (sessions, SLA counters, token buckets) tolerates missing state by
// recreating it — the same contract as TTL expiry.
type Failover struct {
	primary  *Redis
	fallback *Memory
	logger   *slog.Logger

	probeInterval time.Duration
	degraded      atomic.Bool
	lastProbe     atomic.Int64 // Unix nanos of the last reprobe attempt.

	switches metric.Int64Counter
}

// NewFailover wires the primary and fallback backends. primary may be nil
// (no Redis configured), in which case the store runs degraded from the
// start.
func NewFailover(primary *Redis, fallback *Memory, probeInterval time.Duration, logger *slog.Logger) *Failover {
	f := &Failover{
		primary:       primary,
		fallback:      fallback,
		logger:        logger,
		probeInterval: probeInterval,
	}
	f.switches, _ = otel.GetMeterProvider().
		Meter("callguard/statestore").
		Int64Counter("statestore.failover.switches",
			metric.WithDescription("Backend switches, labeled by direction"))
	if primary == nil {
		f.degraded.Store(true)
	}
	return f
}

// Degraded reports whether the fallback backend is serving requests.
func (f *Failover) Degraded() bool { return f.degraded.Load() }

// Health implements Store.
func (f *Failover) Health() Health {
	if f.degraded.Load() {
		return Health{Backend: BackendMemory}
	}
	return Health{Backend: BackendRedis}
}

// Get implements Store.
func (f *Failover) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	if f.usePrimary(ctx) {
		v, ver, found, err := f.primary.Get(ctx, key)
		if !f.trip(ctx, err) {
			return v, ver, found, err
		}
	}
	return f.fallback.Get(ctx, key)
}

// Set implements Store.
func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.usePrimary(ctx) {
		err := f.primary.Set(ctx, key, value, ttl)
		if !f.trip(ctx, err) {
			return err
		}
	}
	return f.fallback.Set(ctx, key, value, ttl)
}

// Incr implements Store.
func (f *Failover) Incr(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if f.usePrimary(ctx) {
		total, err := f.primary.Incr(ctx, key, by, ttl)
		if !f.trip(ctx, err) {
			return total, err
		}
	}
	return f.fallback.Incr(ctx, key, by, ttl)
}

// Counter implements Store.
func (f *Failover) Counter(ctx context.Context, key string) (int64, error) {
	if f.usePrimary(ctx) {
		total, err := f.primary.Counter(ctx, key)
		if !f.trip(ctx, err) {
			return total, err
		}
	}
	return f.fallback.Counter(ctx, key)
}

// CompareAndSwap implements Store.
func (f *Failover) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error) {
	if f.usePrimary(ctx) {
		ok, err := f.primary.CompareAndSwap(ctx, key, expectedVersion, value, ttl)
		if !f.trip(ctx, err) {
			return ok, err
		}
	}
	return f.fallback.CompareAndSwap(ctx, key, expectedVersion, value, ttl)
}

// Delete implements Store.
func (f *Failover) Delete(ctx context.Context, key string) error {
	if f.usePrimary(ctx) {
		err := f.primary.Delete(ctx, key)
		if !f.trip(ctx, err) {
			return err
		}
	}
	return f.fallback.Delete(ctx, key)
}

// usePrimary decides whether this operation should hit the primary.
// While degraded it lets one operation per probe interval through as a
// recovery probe; everything else stays on the fallback.
func (f *Failover) usePrimary(ctx context.Context) bool {
	if f.primary == nil {
		return false
	}
	if !f.degraded.Load() {
		return true
	}
	last := f.lastProbe.Load()
	now := time.Now().UnixNano()
	if now-last < f.probeInterval.Nanoseconds() {
		return false
	}
	if !f.lastProbe.CompareAndSwap(last, now) {
		return false // Another goroutine owns this probe window.
	}
	if err := f.primary.Ping(ctx); err != nil {
		return false
	}
	f.degraded.Store(false)
	f.logger.Info("state store recovered to primary backend")
	f.switches.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "recover")))
	return true
}

// trip records a primary failure and reports whether the operation should
// be retried on the fallback. Data conditions (err == nil or non-infra
// errors) pass through untouched.
func (f *Failover) trip(ctx context.Context, err error) bool {
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return false
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("state store degraded to in-process fallback", "error", err)
		f.switches.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "degrade")))
	}
	f.lastProbe.Store(time.Now().UnixNano())
	return true
}
