// Package admission bounds in-flight call operations per resource (provider
// route, trunk, campaign) with token buckets kept in the shared state store,
// so the bound holds across every instance of the engine.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lumatel/callguard/internal/statestore"
)

// ErrContention is returned when the compare-and-swap loop on a bucket is
// exhausted by concurrent consumers. Transient: the caller may retry.
var ErrContention = errors.New("admission: bucket contention, retries exhausted")

// Override customizes one resource's bucket.
type Override struct {
	Capacity float64
	Refill   float64
}

// Options configures a Controller.
type Options struct {
	Capacity  float64             // Default bucket capacity.
	Refill    float64             // Default refill rate, tokens per second.
	Overrides map[string]Override // Per-resource policy.
	BucketTTL time.Duration       // Idle buckets expire after this.
}

// Controller implements per-resource token buckets. Refill is computed
// lazily from elapsed time on every consume — there are no background
// timers, so bucket state is a pure function of the last stored state and
// the clock.
type Controller struct {
	store statestore.Store
	opts  Options
	now   func() time.Time
}

// bucketState is the stored representation of one bucket.
type bucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // Unix nanos.
}

const casAttempts = 5

// New creates a Controller over the given store.
func New(store statestore.Store, opts Options) *Controller {
	if opts.BucketTTL <= 0 {
		opts.BucketTTL = 10 * time.Minute
	}
	return &Controller{store: store, opts: opts, now: time.Now}
}

// TryConsume takes cost tokens from the resource's bucket. It returns
// false when the bucket has insufficient tokens — the caller should shed
// the operation rather than accept it. The read-modify-write is guarded by
// the store's versioned compare-and-swap so concurrent consumers of the
// same resource never double-spend.
func (c *Controller) TryConsume(ctx context.Context, resourceID string, cost float64) (bool, error) {
	key := "bucket:" + resourceID
	capacity, refill := c.policy(resourceID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, version, found, err := c.store.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("admission: read bucket: %w", err)
		}

		now := c.now()
		st := bucketState{Tokens: capacity, LastRefill: now.UnixNano()}
		if found {
			if err := json.Unmarshal(raw, &st); err != nil {
				return false, fmt.Errorf("admission: corrupt bucket %q: %w", key, err)
			}
			elapsed := time.Duration(now.UnixNano() - st.LastRefill).Seconds()
			if elapsed > 0 {
				st.Tokens = min(capacity, st.Tokens+elapsed*refill)
			}
			st.LastRefill = now.UnixNano()
		}

		allowed := st.Tokens >= cost
		if allowed {
			st.Tokens -= cost
		}

		next, err := json.Marshal(st)
		if err != nil {
			return false, fmt.Errorf("admission: encode bucket: %w", err)
		}
		ok, err := c.store.CompareAndSwap(ctx, key, version, next, c.opts.BucketTTL)
		if err != nil {
			return false, fmt.Errorf("admission: write bucket: %w", err)
		}
		if ok {
			return allowed, nil
		}
		// Lost the race; re-read and try again.
	}
	return false, ErrContention
}

// Tokens reports the currently available tokens for a resource after lazy
// refill, without consuming any.
func (c *Controller) Tokens(ctx context.Context, resourceID string) (float64, error) {
	capacity, refill := c.policy(resourceID)

	raw, _, found, err := c.store.Get(ctx, "bucket:"+resourceID)
	if err != nil {
		return 0, fmt.Errorf("admission: read bucket: %w", err)
	}
	if !found {
		return capacity, nil
	}
	var st bucketState
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, fmt.Errorf("admission: corrupt bucket: %w", err)
	}
	elapsed := time.Duration(c.now().UnixNano() - st.LastRefill).Seconds()
	if elapsed > 0 {
		return min(capacity, st.Tokens+elapsed*refill), nil
	}
	return st.Tokens, nil
}

func (c *Controller) policy(resourceID string) (capacity, refill float64) {
	if o, ok := c.opts.Overrides[resourceID]; ok {
		return o.Capacity, o.Refill
	}
	return c.opts.Capacity, c.opts.Refill
}
