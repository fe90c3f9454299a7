package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lumatel/callguard/internal/journal"
	"github.com/lumatel/callguard/internal/model"
	"github.com/lumatel/callguard/internal/sla"
	"github.com/lumatel/callguard/internal/statestore"
	"github.com/lumatel/callguard/internal/supervisor"
)

// DecisionReader is the query side of the decision journal.
type DecisionReader interface {
	RecentByCall(ctx context.Context, callID string, limit int) ([]journal.Decision, error)
	Recent(ctx context.Context, limit int) ([]journal.Decision, error)
}

// HandlersDeps wires the engine components into the HTTP layer. Decisions
// may be nil when journaling is disabled.
type HandlersDeps struct {
	Supervisor *supervisor.Supervisor
	Tracker    *sla.Tracker
	Store      statestore.Store
	Decisions  DecisionReader
	Logger     *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
}

// Handlers holds HTTP handler methods and their dependencies.
type Handlers struct {
	deps HandlersDeps
}

// NewHandlers creates the handler set.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{deps: d}
}

// HandleIngestEvent accepts one call event and returns the resolved
// directive. POST /v1/events.
func (h *Handlers) HandleIngestEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxRequestBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot read request body")
		return
	}

	if err := validateEventPayload(raw); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var ev model.CallEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	directive, err := h.deps.Supervisor.Route(r.Context(), ev)
	if err != nil {
		var verr *model.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
		case errors.Is(err, supervisor.ErrConcurrentUpdate):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"session is being updated concurrently, retry the event")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeTimeout, "routing deadline exceeded")
		default:
			h.deps.Logger.Error("event routing failed", "call_id", ev.CallID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "routing failed")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, directive)
}

// HandleGetSession returns the current session for a call.
// GET /v1/sessions/{call_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if callID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "call_id is required")
		return
	}

	session, found, err := h.deps.Supervisor.Session(r.Context(), callID)
	if err != nil {
		h.deps.Logger.Error("session lookup failed", "call_id", callID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "session lookup failed")
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no session for call "+callID)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleGetRouteSLA returns the sliding-window SLA snapshot for a route.
// GET /v1/routes/{route_id}/sla.
func (h *Handlers) HandleGetRouteSLA(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("route_id")
	if routeID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "route_id is required")
		return
	}

	snap, err := h.deps.Tracker.Snapshot(r.Context(), routeID)
	if err != nil {
		h.deps.Logger.Error("sla snapshot failed", "route", routeID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "sla snapshot failed")
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleGetCallDecisions returns the journaled decisions for one call,
// newest first. GET /v1/calls/{call_id}/decisions.
func (h *Handlers) HandleGetCallDecisions(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if callID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "call_id is required")
		return
	}
	if h.deps.Decisions == nil {
		writeJSON(w, r, http.StatusOK, []journal.Decision{})
		return
	}

	limit := parseLimit(r, 50)
	decisions, err := h.deps.Decisions.RecentByCall(r.Context(), callID, limit)
	if err != nil {
		h.deps.Logger.Error("decision lookup failed", "call_id", callID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "decision lookup failed")
		return
	}
	if decisions == nil {
		decisions = []journal.Decision{}
	}
	writeJSON(w, r, http.StatusOK, decisions)
}

// HandleRecentDecisions returns the latest decisions across all calls.
// GET /v1/decisions/recent.
func (h *Handlers) HandleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Decisions == nil {
		writeJSON(w, r, http.StatusOK, []journal.Decision{})
		return
	}

	limit := parseLimit(r, 50)
	decisions, err := h.deps.Decisions.Recent(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error("decision lookup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "decision lookup failed")
		return
	}
	if decisions == nil {
		decisions = []journal.Decision{}
	}
	writeJSON(w, r, http.StatusOK, decisions)
}

// healthStatus is the /healthz payload.
type healthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Store   statestore.Health `json:"store"`
}

// HandleHealth reports liveness and which store backend is active.
// GET /healthz. Always 200: a degraded store means reduced guarantees,
// not an unhealthy process.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.deps.Store.Health()
	status := "ok"
	if health.Backend != statestore.BackendRedis {
		status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, healthStatus{
		Status:  status,
		Version: h.deps.Version,
		Store:   health,
	})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
