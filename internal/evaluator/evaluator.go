// Package evaluator contains the specialized decision makers the supervisor
// consults per event: healing, SLA, quality, load, and orchestration. Each
// evaluator inspects an immutable snapshot and returns at most one
// recommendation; it never mutates shared state directly.
package evaluator

import (
	"context"

	"github.com/lumatel/callguard/internal/model"
	"github.com/lumatel/callguard/internal/sla"
	"github.com/lumatel/callguard/internal/statestore"
)

// Evaluator names, also used as the fixed precedence order for tie-breaks.
const (
	NameHealing       = "healing"
	NameSLA           = "sla"
	NameQuality       = "quality"
	NameLoad          = "load"
	NameOrchestration = "orchestration"
)

// Recommendation priorities. Higher wins; equal priorities fall back to
// evaluator precedence.
const (
	PriorityLow      = 10
	PriorityNormal   = 50
	PriorityElevated = 70
	PriorityCritical = 100
)

// Snapshot is the read-only state an evaluator may consult. The supervisor
// assembles it once per event; evaluators must not reach into the store.
type Snapshot struct {
	Session model.CallSession
	SLA     sla.Snapshot
	Backend statestore.Backend
}

// Evaluator produces a recommendation for one concern. Implementations are
// stateless per call: given the same event and snapshot they return the
// same recommendation (Load is the exception — it consumes admission
// tokens, which is its entire purpose).
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, ev model.CallEvent, snap Snapshot) (model.Recommendation, error)
}

// nextProvider picks the first provider in the configured cycle that is
// not the current one. With a single configured provider there is nowhere
// to switch to and current is returned.
func nextProvider(providers []string, current string) string {
	idx := -1
	for i, p := range providers {
		if p == current {
			idx = i
			break
		}
	}
	for i := 1; i <= len(providers); i++ {
		candidate := providers[(idx+i)%len(providers)]
		if candidate != current {
			return candidate
		}
	}
	return current
}
