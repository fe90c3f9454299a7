package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/lumatel/callguard/internal/model"
)

// SLAOptions configures breach-transition recency.
type SLAOptions struct {
	// RecentWindow bounds how long after a transition the evaluator still
	// treats it as "just happened". Typically one SLA bucket width.
	RecentWindow time.Duration
}

// SLA watches the route's window snapshot. Entering a breach escalates with
// elevated priority; a fresh recovery is surfaced so downstream alerting
// can stand down. A long-standing breach keeps escalating at lower
// priority so it can still win quiet routing rounds without overriding
// acute per-call decisions.
type SLA struct {
	opts SLAOptions
	now  func() time.Time
}

// NewSLA creates the SLA evaluator.
func NewSLA(opts SLAOptions) *SLA {
	return &SLA{opts: opts, now: time.Now}
}

// Name implements Evaluator.
func (s *SLA) Name() string { return NameSLA }

// Evaluate implements Evaluator.
func (s *SLA) Evaluate(_ context.Context, ev model.CallEvent, snap Snapshot) (model.Recommendation, error) {
	w := snap.SLA
	switch {
	case w.Breached && s.recent(w.BreachSince):
		return model.Recommendation{
			Action:   model.ActionEscalate,
			Priority: PriorityElevated,
			Reason: fmt.Sprintf("route %s entered sla breach (failure ratio %.3f)",
				ev.Route(), w.Ratio),
			Source: NameSLA,
		}, nil
	case w.Breached:
		return model.Recommendation{
			Action:   model.ActionEscalate,
			Priority: PriorityNormal,
			Reason: fmt.Sprintf("route %s in sustained sla breach (failure ratio %.3f)",
				ev.Route(), w.Ratio),
			Source: NameSLA,
		}, nil
	case !w.ClearedAt.IsZero() && s.recent(w.ClearedAt):
		return model.Recommendation{
			Action:   model.ActionRecover,
			Priority: PriorityNormal,
			Reason:   fmt.Sprintf("route %s recovered from sla breach", ev.Route()),
			Source:   NameSLA,
		}, nil
	}
	return model.Recommendation{}, nil
}

func (s *SLA) recent(at time.Time) bool {
	return !at.IsZero() && s.now().Sub(at) <= s.opts.RecentWindow
}
