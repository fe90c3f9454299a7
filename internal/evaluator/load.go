package evaluator

import (
	"context"
	"fmt"

	"github.com/lumatel/callguard/internal/admission"
	"github.com/lumatel/callguard/internal/model"
)

// Load consults the admission controller for the event's route. A rejected
// consume produces a shed recommendation: THROTTLE by default, or
// SMS_FALLBACK when the deployment prefers degrading to a lower-fidelity
// channel over refusing the call outright.
type Load struct {
	ctrl        *admission.Controller
	smsFallback bool
}

// NewLoad creates the load evaluator.
func NewLoad(ctrl *admission.Controller, smsFallback bool) *Load {
	return &Load{ctrl: ctrl, smsFallback: smsFallback}
}

// Name implements Evaluator.
func (l *Load) Name() string { return NameLoad }

// Evaluate implements Evaluator.
func (l *Load) Evaluate(ctx context.Context, ev model.CallEvent, _ Snapshot) (model.Recommendation, error) {
	ok, err := l.ctrl.TryConsume(ctx, ev.Route(), 1)
	if err != nil {
		return model.Recommendation{}, fmt.Errorf("load: %w", err)
	}
	if ok {
		return model.Recommendation{}, nil
	}

	action := model.ActionThrottle
	reason := "route at capacity, shedding load"
	if l.smsFallback {
		action = model.ActionSMSFallback
		reason = "route at capacity, degrading to sms"
	}
	return model.Recommendation{
		Action:   action,
		Priority: PriorityElevated,
		Reason:   reason,
		Source:   NameLoad,
	}, nil
}
