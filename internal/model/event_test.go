package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(f float64) *float64 { return &f }

func TestCallEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   CallEvent
		wantErr string
	}{
		{
			name:  "valid minimal event",
			event: CallEvent{CallID: "c1", EventType: EventCallFailed},
		},
		{
			name:  "valid event with signals",
			event: CallEvent{CallID: "c1", EventType: EventCallDegraded, RTPLoss: fptr(6.0), JitterMs: fptr(12)},
		},
		{
			name:    "missing call_id",
			event:   CallEvent{EventType: EventCallFailed},
			wantErr: "call_id",
		},
		{
			name:    "missing event_type",
			event:   CallEvent{CallID: "c1"},
			wantErr: "event_type",
		},
		{
			name:    "negative rtp_loss",
			event:   CallEvent{CallID: "c1", EventType: EventCallDegraded, RTPLoss: fptr(-1)},
			wantErr: "rtp_loss",
		},
		{
			name:    "negative jitter",
			event:   CallEvent{CallID: "c1", EventType: EventCallDegraded, JitterMs: fptr(-3)},
			wantErr: "jitter_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

func TestEventTypeKnown(t *testing.T) {
	assert.True(t, EventCallFailed.Known())
	assert.True(t, EventLoadSignal.Known())
	assert.False(t, EventType("CALL_EXPLODED").Known())
	assert.False(t, EventType("").Known())
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, EventCallCompleted.Terminal())
	assert.True(t, EventCallFailed.Terminal())
	assert.False(t, EventCallStarted.Terminal())
	assert.False(t, EventCallDegraded.Terminal())
}

func TestCallStateTerminal(t *testing.T) {
	for _, s := range []CallState{StateFailed, StateCompleted, StateAborted} {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range []CallState{StateActive, StateDegraded, StateHealing} {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestEventRouteFallback(t *testing.T) {
	assert.Equal(t, "provider-a", CallEvent{RouteID: "provider-a"}.Route())
	assert.Equal(t, DefaultRoute, CallEvent{}.Route())
}
