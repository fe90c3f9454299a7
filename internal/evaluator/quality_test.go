package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumatel/callguard/internal/model"
)

func qualityOpts() QualityOptions {
	return QualityOptions{
		RTPLossThreshold: 5, RTPLossCeiling: 20,
		JitterThreshold: 30, JitterCeiling: 120,
		LatencyThreshold: 400, LatencyCeiling: 2000,
	}
}

func degradedEvent(loss, jitter, latency *float64) model.CallEvent {
	return model.CallEvent{
		CallID:    "c1",
		EventType: model.EventCallDegraded,
		RTPLoss:   loss,
		JitterMs:  jitter,
		LatencyMs: latency,
	}
}

func f(v float64) *float64 { return &v }

func TestQualityEvaluate(t *testing.T) {
	tests := []struct {
		name         string
		event        model.CallEvent
		wantAction   model.Action
		wantCritical bool
	}{
		{
			name:       "all signals clean",
			event:      degradedEvent(f(1), f(10), f(100)),
			wantAction: "",
		},
		{
			name:       "no signals at all",
			event:      degradedEvent(nil, nil, nil),
			wantAction: "",
		},
		{
			name:       "one threshold exceeded adapts codec",
			event:      degradedEvent(f(7), f(10), nil),
			wantAction: model.ActionAdaptCodec,
		},
		{
			name:         "two thresholds exceeded drops session",
			event:        degradedEvent(f(7), f(50), nil),
			wantAction:   model.ActionDropSession,
			wantCritical: true,
		},
		{
			name:         "single signal over hard ceiling drops session",
			event:        degradedEvent(f(25), nil, nil),
			wantAction:   model.ActionDropSession,
			wantCritical: true,
		},
		{
			name:       "value exactly at threshold is tolerated",
			event:      degradedEvent(f(5), nil, nil),
			wantAction: "",
		},
		{
			name:       "latency alone over threshold adapts",
			event:      degradedEvent(nil, nil, f(600)),
			wantAction: model.ActionAdaptCodec,
		},
	}

	q := NewQuality(qualityOpts())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := q.Evaluate(context.Background(), tt.event, Snapshot{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, rec.Action)
			assert.Equal(t, tt.wantCritical, rec.Critical)
		})
	}
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 1.0, Score(degradedEvent(nil, nil, nil)), 1e-9)
	assert.InDelta(t, 0.9, Score(degradedEvent(f(1), nil, nil)), 1e-9)

	// Penalties are capped so a single terrible signal cannot zero the score.
	assert.InDelta(t, 0.5, Score(degradedEvent(f(99), nil, nil)), 1e-9)
	assert.InDelta(t, 0.7, Score(degradedEvent(nil, f(500), nil)), 1e-9)

	// Floor at zero with everything maxed.
	assert.InDelta(t, 0.0, Score(degradedEvent(f(99), f(500), f(9999))), 1e-9)
}
