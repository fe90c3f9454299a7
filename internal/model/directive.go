package model

import "time"

// Action is a corrective action the engine can direct the caller to take.
type Action string

const (
	ActionNoOp        Action = "NO_OP"
	ActionRetry       Action = "RETRY"
	ActionFail        Action = "FAIL"
	ActionAdaptCodec  Action = "ADAPT_CODEC"
	ActionDropSession Action = "DROP_SESSION"
	ActionThrottle    Action = "THROTTLE"
	ActionSMSFallback Action = "SMS_FALLBACK"
	ActionEscalate    Action = "ESCALATE"
	ActionRecover     Action = "RECOVER"
	ActionReroute     Action = "REROUTE"
	ActionAbortRoute  Action = "ABORT_ROUTE"
)

// Recommendation is what a single evaluator returns to the supervisor.
// It is ephemeral and never persisted. The zero value means the evaluator
// has nothing to say and is skipped during resolution.
type Recommendation struct {
	Action   Action
	Priority int    // Higher wins; ties broken by evaluator precedence.
	Reason   string
	Critical bool   // Marks a simultaneous-failure candidate.
	Source   string // Evaluator name, for diagnostics.

	// Action parameters, meaningful only for some actions.
	Delay          time.Duration // RETRY: backoff before redial.
	TargetProvider string        // RETRY/REROUTE: provider to use next.
}

// Empty reports whether r carries no recommendation.
func (r Recommendation) Empty() bool { return r.Action == "" }

// ActionDirective is the single authoritative outcome of routing one event,
// returned to the transport collaborator for execution.
type ActionDirective struct {
	CallID         string    `json:"call_id"`
	Action         Action    `json:"action"`
	TargetProvider string    `json:"target_provider,omitempty"`
	DelayMs        int64     `json:"delay_ms,omitempty"`
	Reason         string    `json:"reason"`
	SessionState   CallState `json:"session_state,omitempty"`
	RetryCount     int       `json:"retry_count"`
}
