// Package supervisor is the routing core. It multiplexes each inbound call
// event across the evaluators relevant to its type, resolves their
// recommendations into exactly one action, and commits the resulting
// session mutation with a versioned compare-and-swap so concurrent and
// out-of-order events never produce lost updates.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumatel/callguard/internal/evaluator"
	"github.com/lumatel/callguard/internal/model"
	"github.com/lumatel/callguard/internal/sla"
	"github.com/lumatel/callguard/internal/statestore"
)

// ErrConcurrentUpdate is returned when the session commit loses every CAS
// round. Transient: routing is idempotent for an unchanged event, so the
// caller may simply resubmit.
var ErrConcurrentUpdate = errors.New("supervisor: concurrent session update, retries exhausted")

// DecisionLog receives every resolved directive for audit. Appends are
// best effort — a failing log never blocks routing.
type DecisionLog interface {
	Append(ctx context.Context, ev model.CallEvent, d model.ActionDirective) error
}

// Options are the supervisor's own policy knobs.
type Options struct {
	SessionTTL      time.Duration
	RouteTimeout    time.Duration // Applied when the caller set no deadline.
	CommitRetries   int
	InitialProvider string // Provider recorded on session creation.
}

// Supervisor routes events. Safe for concurrent use; each Route call is
// independent and all shared state lives in the store.
type Supervisor struct {
	store      statestore.Store
	tracker    *sla.Tracker
	evaluators map[string]evaluator.Evaluator
	opts       Options
	journal    DecisionLog // nil = disabled
	logger     *slog.Logger
	now        func() time.Time

	decisions metric.Int64Counter
	aborts    metric.Int64Counter
	duration  metric.Float64Histogram
}

// precedence is the fixed tie-break order between evaluators.
var precedence = []string{
	evaluator.NameHealing,
	evaluator.NameSLA,
	evaluator.NameQuality,
	evaluator.NameLoad,
	evaluator.NameOrchestration,
}

// routingTable maps each event type to the evaluator subset it concerns,
// already in precedence order. Event types not listed here route to
// orchestration only.
var routingTable = map[model.EventType][]string{
	model.EventCallFailed:    {evaluator.NameHealing, evaluator.NameSLA},
	model.EventCallDegraded:  {evaluator.NameQuality, evaluator.NameOrchestration},
	model.EventLoadSignal:    {evaluator.NameLoad},
	model.EventCallStarted:   {evaluator.NameLoad, evaluator.NameOrchestration},
	model.EventCallCompleted: {evaluator.NameSLA, evaluator.NameOrchestration},
	model.EventCallAnswered:  {evaluator.NameOrchestration},
}

// New creates a Supervisor. journal may be nil.
func New(store statestore.Store, tracker *sla.Tracker, evals []evaluator.Evaluator,
	opts Options, journal DecisionLog, logger *slog.Logger) *Supervisor {

	byName := make(map[string]evaluator.Evaluator, len(evals))
	for _, e := range evals {
		byName[e.Name()] = e
	}

	s := &Supervisor{
		store:      store,
		tracker:    tracker,
		evaluators: byName,
		opts:       opts,
		journal:    journal,
		logger:     logger,
		now:        time.Now,
	}

	meter := otel.GetMeterProvider().Meter("callguard/supervisor")
	s.decisions, _ = meter.Int64Counter("callguard.decisions",
		metric.WithDescription("Resolved directives by action"))
	s.aborts, _ = meter.Int64Counter("callguard.aborts",
		metric.WithDescription("Global abort activations"))
	s.duration, _ = meter.Float64Histogram("callguard.route.duration",
		metric.WithDescription("Route() latency"), metric.WithUnit("ms"))
	return s
}

// Route decides the corrective action for one event. It never panics past
// its boundary and never blocks beyond the configured deadline. Errors are
// scoped to this one call: ValidationError for malformed input,
// ErrConcurrentUpdate or context.DeadlineExceeded as transient failures
// the caller may retry.
func (s *Supervisor) Route(ctx context.Context, ev model.CallEvent) (model.ActionDirective, error) {
	start := s.now()

	if err := ev.Validate(); err != nil {
		return model.ActionDirective{
			CallID: ev.CallID,
			Action: model.ActionNoOp,
			Reason: err.Error(),
		}, err
	}

	if _, ok := ctx.Deadline(); !ok && s.opts.RouteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RouteTimeout)
		defer cancel()
	}

	session, err := s.loadOrCreateSession(ctx, ev)
	if err != nil {
		return model.ActionDirective{}, err
	}

	// Late events for a finished call are recognized and dropped rather
	// than reopening the session — inbound transport does not guarantee
	// per-call ordering.
	if session.State.Terminal() {
		return model.ActionDirective{
			CallID:       ev.CallID,
			Action:       model.ActionNoOp,
			Reason:       fmt.Sprintf("session already %s", session.State),
			SessionState: session.State,
			RetryCount:   session.RetryCount,
		}, nil
	}

	snap := evaluator.Snapshot{
		Session: session,
		Backend: s.store.Health().Backend,
	}
	if slaSnap, err := s.tracker.Snapshot(ctx, ev.Route()); err != nil {
		s.logger.Warn("sla snapshot failed, evaluating without it",
			"call_id", ev.CallID, "route", ev.Route(), "error", err)
	} else {
		snap.SLA = slaSnap
	}

	recs := s.collect(ctx, ev, snap)
	winner, aborted := resolve(recs)

	session, err = s.commit(ctx, ev, winner)
	if err != nil {
		return model.ActionDirective{}, err
	}

	if ev.EventType.Terminal() {
		success := ev.EventType == model.EventCallCompleted
		if err := s.tracker.Record(ctx, ev.Route(), success); err != nil {
			s.logger.Warn("sla record failed", "call_id", ev.CallID, "error", err)
		}
	}

	directive := s.buildDirective(ev, winner, session)

	if s.journal != nil {
		if err := s.journal.Append(ctx, ev, directive); err != nil {
			s.logger.Warn("decision journal append failed", "call_id", ev.CallID, "error", err)
		}
	}

	attrs := metric.WithAttributes(attribute.String("action", string(directive.Action)))
	s.decisions.Add(ctx, 1, attrs)
	if aborted {
		s.aborts.Add(ctx, 1)
	}
	s.duration.Record(ctx, float64(s.now().Sub(start).Microseconds())/1000.0)

	s.logger.Debug("event routed",
		"call_id", ev.CallID, "event_type", ev.EventType,
		"action", directive.Action, "reason", directive.Reason)
	return directive, nil
}

// collect invokes the evaluator subset for the event type. A failing or
// panicking evaluator contributes no recommendation; it never aborts
// routing.
func (s *Supervisor) collect(ctx context.Context, ev model.CallEvent, snap evaluator.Snapshot) []model.Recommendation {
	names, ok := routingTable[ev.EventType]
	if !ok {
		s.logger.Warn("unhandled event type, routing to orchestration only",
			"call_id", ev.CallID, "event_type", ev.EventType)
		names = []string{evaluator.NameOrchestration}
	}

	recs := make([]model.Recommendation, 0, len(names))
	for _, name := range names {
		e, ok := s.evaluators[name]
		if !ok {
			continue
		}
		rec, err := s.invoke(ctx, e, ev, snap)
		if err != nil {
			s.logger.Warn("evaluator failed, continuing without its vote",
				"evaluator", name, "call_id", ev.CallID, "error", err)
			continue
		}
		if !rec.Empty() {
			recs = append(recs, rec)
		}
	}
	return recs
}

// invoke guards one evaluator call against panics.
func (s *Supervisor) invoke(ctx context.Context, e evaluator.Evaluator, ev model.CallEvent, snap evaluator.Snapshot) (rec model.Recommendation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator %s panicked: %v", e.Name(), r)
		}
	}()
	return e.Evaluate(ctx, ev, snap)
}

// resolve picks the single authoritative recommendation. Two or more
// critical votes trigger the global abort regardless of priorities — the
// simultaneous-failure protection. Otherwise the highest priority wins,
// ties broken by the fixed evaluator precedence.
func resolve(recs []model.Recommendation) (model.Recommendation, bool) {
	var criticalSources []string
	for _, r := range recs {
		if r.Critical {
			criticalSources = append(criticalSources, r.Source)
		}
	}
	if len(criticalSources) >= 2 {
		return model.Recommendation{
			Action:   model.ActionAbortRoute,
			Priority: evaluator.PriorityCritical,
			Reason:   "simultaneous critical failures: " + strings.Join(criticalSources, ", "),
			Critical: true,
			Source:   "supervisor",
		}, true
	}

	var winner model.Recommendation
	for _, name := range precedence {
		for _, r := range recs {
			if r.Source != name {
				continue
			}
			if winner.Empty() || r.Priority > winner.Priority {
				winner = r
			}
		}
	}
	return winner, false
}

const sessionKeyPrefix = "call:"

// Session returns the current session for a call, if one exists. Read-only;
// used by the query API.
func (s *Supervisor) Session(ctx context.Context, callID string) (model.CallSession, bool, error) {
	raw, _, found, err := s.store.Get(ctx, sessionKeyPrefix+callID)
	if err != nil {
		return model.CallSession{}, false, fmt.Errorf("supervisor: load session: %w", err)
	}
	if !found {
		return model.CallSession{}, false, nil
	}
	session, err := decodeSession(raw, callID)
	if err != nil {
		return model.CallSession{}, false, err
	}
	return session, true, nil
}

// loadOrCreateSession fetches the call's session, creating it on the first
// event. Creation races resolve through the store's create-if-absent CAS:
// exactly one writer wins and everyone reads the winner's session.
func (s *Supervisor) loadOrCreateSession(ctx context.Context, ev model.CallEvent) (model.CallSession, error) {
	key := sessionKeyPrefix + ev.CallID

	raw, _, found, err := s.store.Get(ctx, key)
	if err != nil {
		return model.CallSession{}, fmt.Errorf("supervisor: load session: %w", err)
	}
	if found {
		return decodeSession(raw, ev.CallID)
	}

	session := model.NewCallSession(ev.CallID, s.opts.InitialProvider, s.now())
	encoded, err := json.Marshal(session)
	if err != nil {
		return model.CallSession{}, fmt.Errorf("supervisor: encode session: %w", err)
	}
	ok, err := s.store.CompareAndSwap(ctx, key, 0, encoded, s.opts.SessionTTL)
	if err != nil {
		return model.CallSession{}, fmt.Errorf("supervisor: create session: %w", err)
	}
	if ok {
		return session, nil
	}

	// Lost the creation race; read the winner's session.
	raw, _, found, err = s.store.Get(ctx, key)
	if err != nil || !found {
		return model.CallSession{}, fmt.Errorf("supervisor: reload session after create race: %w", err)
	}
	return decodeSession(raw, ev.CallID)
}

// commit applies the event and winning action to the session as one
// logically atomic update: read, transform, compare-and-swap on the
// version, bounded retries on conflict.
func (s *Supervisor) commit(ctx context.Context, ev model.CallEvent, winner model.Recommendation) (model.CallSession, error) {
	key := sessionKeyPrefix + ev.CallID

	for attempt := 0; attempt < s.opts.CommitRetries; attempt++ {
		raw, version, found, err := s.store.Get(ctx, key)
		if err != nil {
			return model.CallSession{}, fmt.Errorf("supervisor: commit read: %w", err)
		}

		var session model.CallSession
		if found {
			if session, err = decodeSession(raw, ev.CallID); err != nil {
				return model.CallSession{}, err
			}
		} else {
			// Session expired between evaluation and commit; recreate.
			session = model.NewCallSession(ev.CallID, s.opts.InitialProvider, s.now())
			version = 0
		}

		// Another event finished the call while this one was deciding.
		if session.State.Terminal() {
			return session, nil
		}

		next := applyTransition(session, ev, winner, s.now())
		encoded, err := json.Marshal(next)
		if err != nil {
			return model.CallSession{}, fmt.Errorf("supervisor: encode session: %w", err)
		}

		ok, err := s.store.CompareAndSwap(ctx, key, version, encoded, s.opts.SessionTTL)
		if err != nil {
			return model.CallSession{}, fmt.Errorf("supervisor: commit write: %w", err)
		}
		if ok {
			return next, nil
		}
	}
	return model.CallSession{}, ErrConcurrentUpdate
}

// applyTransition computes the next session state from the event and the
// resolved action. Event semantics apply first (a completed call is
// completed regardless of votes), then the action's own effects.
func applyTransition(session model.CallSession, ev model.CallEvent, rec model.Recommendation, now time.Time) model.CallSession {
	switch ev.EventType {
	case model.EventCallStarted, model.EventCallAnswered:
		// A successful (re-)establishment ends any healing cycle.
		session.State = model.StateActive
	case model.EventCallCompleted:
		session.State = model.StateCompleted
		session.RetryCount = 0
	case model.EventCallDegraded:
		session.State = model.StateDegraded
	}

	switch rec.Action {
	case model.ActionRetry:
		session.State = model.StateHealing
		session.RetryCount++
		if rec.TargetProvider != "" {
			session.LastProvider = rec.TargetProvider
		}
	case model.ActionFail, model.ActionDropSession:
		session.State = model.StateFailed
	case model.ActionAbortRoute:
		session.State = model.StateAborted
	case model.ActionAdaptCodec:
		session.State = model.StateDegraded
	case model.ActionReroute:
		if rec.TargetProvider != "" {
			session.LastProvider = rec.TargetProvider
		}
	}

	if !rec.Empty() {
		session.LastAction = rec.Action
	}
	session.UpdatedAt = now.UTC()
	return session
}

func (s *Supervisor) buildDirective(ev model.CallEvent, winner model.Recommendation, session model.CallSession) model.ActionDirective {
	d := model.ActionDirective{
		CallID:         ev.CallID,
		Action:         winner.Action,
		Reason:         winner.Reason,
		DelayMs:        winner.Delay.Milliseconds(),
		TargetProvider: winner.TargetProvider,
		SessionState:   session.State,
		RetryCount:     session.RetryCount,
	}
	if winner.Empty() {
		d.Action = model.ActionNoOp
		d.Reason = "no recommendation"
	}
	if d.TargetProvider == "" {
		d.TargetProvider = session.LastProvider
	}
	return d
}

func decodeSession(raw []byte, callID string) (model.CallSession, error) {
	var session model.CallSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return model.CallSession{}, fmt.Errorf("supervisor: corrupt session for %q: %w", callID, err)
	}
	return session, nil
}
