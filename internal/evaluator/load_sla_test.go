package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumatel/callguard/internal/admission"
	"github.com/lumatel/callguard/internal/model"
	"github.com/lumatel/callguard/internal/sla"
	"github.com/lumatel/callguard/internal/statestore"
)

func newLoadEvaluator(t *testing.T, capacity float64, smsFallback bool) *Load {
	t.Helper()
	store := statestore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	// Refill slow enough that tests never see a refilled token.
	ctrl := admission.New(store, admission.Options{Capacity: capacity, Refill: 0.0001})
	return NewLoad(ctrl, smsFallback)
}

func loadEvent(route string) model.CallEvent {
	return model.CallEvent{CallID: "c1", EventType: model.EventLoadSignal, RouteID: route}
}

func TestLoadAdmitsWithinCapacity(t *testing.T) {
	l := newLoadEvaluator(t, 2, false)
	ctx := context.Background()

	rec, err := l.Evaluate(ctx, loadEvent("r"), Snapshot{})
	require.NoError(t, err)
	assert.True(t, rec.Empty(), "admitted call needs no recommendation")
}

func TestLoadThrottlesWhenExhausted(t *testing.T) {
	l := newLoadEvaluator(t, 1, false)
	ctx := context.Background()

	_, err := l.Evaluate(ctx, loadEvent("r"), Snapshot{})
	require.NoError(t, err)

	rec, err := l.Evaluate(ctx, loadEvent("r"), Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionThrottle, rec.Action)
	assert.False(t, rec.Critical)
}

func TestLoadSMSFallbackMode(t *testing.T) {
	l := newLoadEvaluator(t, 1, true)
	ctx := context.Background()

	_, err := l.Evaluate(ctx, loadEvent("r"), Snapshot{})
	require.NoError(t, err)

	rec, err := l.Evaluate(ctx, loadEvent("r"), Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionSMSFallback, rec.Action)
}

func slaEvaluatorAt(now time.Time) *SLA {
	s := NewSLA(SLAOptions{RecentWindow: time.Minute})
	s.now = func() time.Time { return now }
	return s
}

func TestSLAEscalatesOnFreshBreach(t *testing.T) {
	now := time.Now()
	s := slaEvaluatorAt(now)

	snap := Snapshot{SLA: sla.Snapshot{
		Breached: true, BreachSince: now.Add(-10 * time.Second), Ratio: 0.4,
	}}
	rec, err := s.Evaluate(context.Background(), loadEvent("r"), snap)
	require.NoError(t, err)
	assert.Equal(t, model.ActionEscalate, rec.Action)
	assert.Equal(t, PriorityElevated, rec.Priority)
}

func TestSLASustainedBreachLowerPriority(t *testing.T) {
	now := time.Now()
	s := slaEvaluatorAt(now)

	snap := Snapshot{SLA: sla.Snapshot{
		Breached: true, BreachSince: now.Add(-time.Hour), Ratio: 0.4,
	}}
	rec, err := s.Evaluate(context.Background(), loadEvent("r"), snap)
	require.NoError(t, err)
	assert.Equal(t, model.ActionEscalate, rec.Action)
	assert.Equal(t, PriorityNormal, rec.Priority)
}

func TestSLARecoverOnFreshClear(t *testing.T) {
	now := time.Now()
	s := slaEvaluatorAt(now)

	snap := Snapshot{SLA: sla.Snapshot{
		Breached: false, ClearedAt: now.Add(-5 * time.Second),
	}}
	rec, err := s.Evaluate(context.Background(), loadEvent("r"), snap)
	require.NoError(t, err)
	assert.Equal(t, model.ActionRecover, rec.Action)
}

func TestSLAQuietWhenHealthy(t *testing.T) {
	s := slaEvaluatorAt(time.Now())

	rec, err := s.Evaluate(context.Background(), loadEvent("r"), Snapshot{})
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestOrchestrationFallbackNoOp(t *testing.T) {
	o := NewOrchestration([]string{"a", "b"})

	rec, err := o.Evaluate(context.Background(), loadEvent("r"), Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionNoOp, rec.Action)
	assert.Equal(t, PriorityLow, rec.Priority)
}

func TestOrchestrationReroutesDegradedSessionOnBreachedRoute(t *testing.T) {
	o := NewOrchestration([]string{"a", "b"})

	snap := Snapshot{
		Session: model.CallSession{State: model.StateDegraded, LastProvider: "a"},
		SLA:     sla.Snapshot{Breached: true},
	}
	rec, err := o.Evaluate(context.Background(), loadEvent("r"), snap)
	require.NoError(t, err)
	assert.Equal(t, model.ActionReroute, rec.Action)
	assert.Equal(t, "b", rec.TargetProvider)
}

func TestOrchestrationEscalatesBreachWithoutDegradation(t *testing.T) {
	o := NewOrchestration([]string{"a", "b"})

	snap := Snapshot{
		Session: model.CallSession{State: model.StateActive},
		SLA:     sla.Snapshot{Breached: true},
	}
	rec, err := o.Evaluate(context.Background(), loadEvent("r"), snap)
	require.NoError(t, err)
	assert.Equal(t, model.ActionEscalate, rec.Action)
}
