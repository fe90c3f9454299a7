package model

import "time"

// CallState is the lifecycle state of one call session.
type CallState string

const (
	StateActive    CallState = "ACTIVE"
	StateDegraded  CallState = "DEGRADED"
	StateHealing   CallState = "HEALING"
	StateFailed    CallState = "FAILED"
	StateCompleted CallState = "COMPLETED"
	StateAborted   CallState = "ABORTED"
)

// Terminal reports whether s accepts no further transitions. Terminal
// sessions linger in the store until their TTL expires so that late
// out-of-order events can be recognized and dropped.
func (s CallState) Terminal() bool {
	return s == StateFailed || s == StateCompleted || s == StateAborted
}

// CallSession is the mutable aggregate tracking one call across events.
// It lives in the shared state store under a per-call key with a TTL and
// is written exclusively by the supervisor's commit step; evaluators see
// read-only snapshots.
type CallSession struct {
	CallID       string    `json:"call_id"`
	State        CallState `json:"state"`
	RetryCount   int       `json:"retry_count"`
	LastProvider string    `json:"last_provider,omitempty"`
	LastAction   Action    `json:"last_action,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewCallSession returns the initial session for the first event of a call.
func NewCallSession(callID, provider string, now time.Time) CallSession {
	return CallSession{
		CallID:       callID,
		State:        StateActive,
		LastProvider: provider,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}
