// Package model defines the core domain types shared across the routing
// engine: call events, sessions, recommendations, and the API envelopes.
package model

import "fmt"

// EventType categorizes an inbound call lifecycle event.
type EventType string

const (
	EventCallStarted   EventType = "CALL_STARTED"
	EventCallAnswered  EventType = "CALL_ANSWERED"
	EventCallFailed    EventType = "CALL_FAILED"
	EventCallDegraded  EventType = "CALL_DEGRADED"
	EventCallCompleted EventType = "CALL_COMPLETED"
	EventLoadSignal    EventType = "LOAD_SIGNAL"
)

// Known reports whether t is one of the recognized event types.
// Unknown types are still routed (orchestration only), never rejected.
func (t EventType) Known() bool {
	switch t {
	case EventCallStarted, EventCallAnswered, EventCallFailed,
		EventCallDegraded, EventCallCompleted, EventLoadSignal:
		return true
	}
	return false
}

// Terminal reports whether t ends a call attempt and should be
// recorded against the route's SLA window.
func (t EventType) Terminal() bool {
	return t == EventCallCompleted || t == EventCallFailed
}

// ErrorReason classifies why a call attempt failed.
type ErrorReason string

const (
	ReasonNoAnswer        ErrorReason = "NO_ANSWER"
	ReasonBusy            ErrorReason = "BUSY"
	ReasonSIPTimeout      ErrorReason = "SIP_TIMEOUT"
	ReasonProviderTimeout ErrorReason = "PROVIDER_TIMEOUT"
	ReasonAudioLoss       ErrorReason = "AUDIO_LOSS"
	ReasonRTPLossHigh     ErrorReason = "RTP_LOSS_HIGH"
	ReasonUnknown         ErrorReason = "UNKNOWN"
)

// CallEvent is the normalized inbound event. It is immutable: created at
// ingestion, consumed exactly once by the supervisor, never written back.
//
// The numeric quality signals are pointers so that "absent" and "zero"
// remain distinguishable — upstream collectors send partial data depending
// on event type.
type CallEvent struct {
	CallID      string      `json:"call_id"`
	EventType   EventType   `json:"event_type"`
	ErrorReason ErrorReason `json:"error_reason,omitempty"`
	RTPLoss     *float64    `json:"rtp_loss,omitempty"`
	JitterMs    *float64    `json:"jitter_ms,omitempty"`
	LatencyMs   *float64    `json:"latency_ms,omitempty"`
	RouteID     string      `json:"route_id,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"` // Unix seconds; 0 = unset.
}

// Validate checks the structural invariants every event must satisfy
// before routing. A failure here aborts routing with a NO_OP directive.
func (e CallEvent) Validate() error {
	if e.CallID == "" {
		return &ValidationError{Field: "call_id", Reason: "must not be empty"}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "must not be empty"}
	}
	if e.RTPLoss != nil && *e.RTPLoss < 0 {
		return &ValidationError{Field: "rtp_loss", Reason: "must not be negative"}
	}
	if e.JitterMs != nil && *e.JitterMs < 0 {
		return &ValidationError{Field: "jitter_ms", Reason: "must not be negative"}
	}
	if e.LatencyMs != nil && *e.LatencyMs < 0 {
		return &ValidationError{Field: "latency_ms", Reason: "must not be negative"}
	}
	return nil
}

// Route returns the route identifier to evaluate against, falling back to
// the default route when the event carries none.
func (e CallEvent) Route() string {
	if e.RouteID != "" {
		return e.RouteID
	}
	return DefaultRoute
}

// DefaultRoute is used for events that do not name a provider route.
const DefaultRoute = "default"

// ValidationError reports a malformed inbound event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}
