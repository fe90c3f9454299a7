package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/lumatel/callguard/internal/model"
)

// HealingOptions is the retry/backoff/provider-switch policy.
type HealingOptions struct {
	MaxRetries      int           // Global retry cap (policy entries may lower it).
	BackoffBase     time.Duration // Delay for the first retry.
	BackoffMaxDelay time.Duration // Exponential backoff cap.
	SwitchThreshold int           // Retries before cycling to another provider.
	Providers       []string      // Provider cycle for switches.

	// RTPLossOverride reclassifies a failure as RTP_LOSS_HIGH when the
	// event's loss signal exceeds it, regardless of the reported reason.
	RTPLossOverride float64
}

// reasonPolicy is the per-error-reason healing policy.
type reasonPolicy struct {
	retryable  bool
	maxRetries int          // 0 = use the global cap.
	failover   model.Action // Recommendation when not retryable.
	note       string
}

// The policy matrix. BUSY is the one failure where redialing is actively
// harmful, so it degrades to the SMS channel instead.
var reasonPolicies = map[model.ErrorReason]reasonPolicy{
	model.ReasonNoAnswer:        {retryable: true, note: "no answer from callee"},
	model.ReasonSIPTimeout:      {retryable: true, note: "signaling timeout"},
	model.ReasonProviderTimeout: {retryable: true, note: "provider timeout"},
	model.ReasonAudioLoss:       {retryable: true, maxRetries: 1, note: "audio path lost"},
	model.ReasonRTPLossHigh:     {retryable: true, maxRetries: 1, note: "sustained rtp loss"},
	model.ReasonBusy:            {retryable: false, failover: model.ActionSMSFallback, note: "callee busy"},
	model.ReasonUnknown:         {retryable: false, failover: model.ActionFail, note: "unclassified failure"},
}

// Healing owns the retry state machine for failed calls. It returns backoff
// delays as data for the caller to schedule; it never sleeps.
type Healing struct {
	opts HealingOptions
}

// NewHealing creates the healing evaluator.
func NewHealing(opts HealingOptions) *Healing { return &Healing{opts: opts} }

// Name implements Evaluator.
func (h *Healing) Name() string { return NameHealing }

// Evaluate implements Evaluator.
func (h *Healing) Evaluate(_ context.Context, ev model.CallEvent, snap Snapshot) (model.Recommendation, error) {
	if ev.EventType != model.EventCallFailed {
		return model.Recommendation{}, nil
	}

	reason := ev.ErrorReason
	if reason == "" {
		reason = model.ReasonUnknown
	}
	if ev.RTPLoss != nil && h.opts.RTPLossOverride > 0 && *ev.RTPLoss > h.opts.RTPLossOverride {
		reason = model.ReasonRTPLossHigh
	}

	policy, ok := reasonPolicies[reason]
	if !ok {
		policy = reasonPolicies[model.ReasonUnknown]
	}

	if !policy.retryable {
		if policy.failover == model.ActionSMSFallback {
			return model.Recommendation{
				Action:   model.ActionSMSFallback,
				Priority: PriorityElevated,
				Reason:   policy.note,
				Source:   NameHealing,
			}, nil
		}
		return model.Recommendation{
			Action:   model.ActionFail,
			Priority: PriorityCritical,
			Reason:   policy.note,
			Critical: true,
			Source:   NameHealing,
		}, nil
	}

	max := h.opts.MaxRetries
	if policy.maxRetries > 0 && policy.maxRetries < max {
		max = policy.maxRetries
	}

	retries := snap.Session.RetryCount
	if retries >= max {
		return model.Recommendation{
			Action:   model.ActionFail,
			Priority: PriorityCritical,
			Reason:   fmt.Sprintf("%s: %d retries exhausted", policy.note, retries),
			Critical: true,
			Source:   NameHealing,
		}, nil
	}

	rec := model.Recommendation{
		Action:   model.ActionRetry,
		Priority: PriorityElevated,
		Reason:   policy.note,
		Delay:    h.backoff(retries),
		Source:   NameHealing,
	}
	if retries >= h.opts.SwitchThreshold {
		rec.TargetProvider = nextProvider(h.opts.Providers, snap.Session.LastProvider)
		rec.Reason = policy.note + "; switching provider"
	}
	return rec, nil
}

// backoff computes base * 2^retries capped at the configured maximum.
func (h *Healing) backoff(retries int) time.Duration {
	d := h.opts.BackoffBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= h.opts.BackoffMaxDelay {
			return h.opts.BackoffMaxDelay
		}
	}
	return d
}
