package evaluator

import (
	"context"

	"github.com/lumatel/callguard/internal/model"
)

// Orchestration is the catch-all evaluator: it proposes cross-cutting
// moves when no specialist is decisive, and guarantees every routed event
// gets at least one recommendation by falling back to an explicit NO_OP.
type Orchestration struct {
	providers []string
}

// NewOrchestration creates the orchestration evaluator.
func NewOrchestration(providers []string) *Orchestration {
	return &Orchestration{providers: providers}
}

// Name implements Evaluator.
func (o *Orchestration) Name() string { return NameOrchestration }

// Evaluate implements Evaluator.
func (o *Orchestration) Evaluate(_ context.Context, ev model.CallEvent, snap Snapshot) (model.Recommendation, error) {
	// A degraded session on a breached route is worth moving: the route
	// itself is sick, not just this call.
	if snap.Session.State == model.StateDegraded && snap.SLA.Breached && len(o.providers) > 1 {
		target := nextProvider(o.providers, snap.Session.LastProvider)
		if target != snap.Session.LastProvider {
			return model.Recommendation{
				Action:         model.ActionReroute,
				Priority:       PriorityNormal,
				Reason:         "degraded session on breached route",
				TargetProvider: target,
				Source:         NameOrchestration,
			}, nil
		}
	}

	if snap.SLA.Breached {
		return model.Recommendation{
			Action:   model.ActionEscalate,
			Priority: PriorityLow,
			Reason:   "route in sla breach, flagging for operator attention",
			Source:   NameOrchestration,
		}, nil
	}

	return model.Recommendation{
		Action:   model.ActionNoOp,
		Priority: PriorityLow,
		Reason:   "no corrective action required",
		Source:   NameOrchestration,
	}, nil
}
