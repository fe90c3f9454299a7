// Package journal persists every resolved directive to a local sqlite
// database so operators can reconstruct why the engine did what it did to
// any call. The journal is an audit surface, not an operational dependency:
// the supervisor treats append failures as log-and-continue.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lumatel/callguard/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	call_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	route_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	target_provider TEXT NOT NULL DEFAULT '',
	delay_ms INTEGER NOT NULL DEFAULT 0,
	session_state TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_call ON decisions(call_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
`

// Decision is one journaled routing outcome.
type Decision struct {
	ID             string          `json:"id"`
	CallID         string          `json:"call_id"`
	EventType      model.EventType `json:"event_type"`
	RouteID        string          `json:"route_id,omitempty"`
	Action         model.Action    `json:"action"`
	Reason         string          `json:"reason"`
	TargetProvider string          `json:"target_provider,omitempty"`
	DelayMs        int64           `json:"delay_ms,omitempty"`
	SessionState   model.CallState `json:"session_state"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Journal is a sqlite-backed decision log. Safe for concurrent use; the
// driver serializes writers and busy_timeout covers contention.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error { return j.db.Close() }

// Append records one directive. Implements supervisor.DecisionLog.
func (j *Journal) Append(ctx context.Context, ev model.CallEvent, d model.ActionDirective) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO decisions (id, call_id, event_type, route_id, action, reason, target_provider, delay_ms, session_state, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		d.CallID,
		string(ev.EventType),
		ev.Route(),
		string(d.Action),
		d.Reason,
		d.TargetProvider,
		d.DelayMs,
		string(d.SessionState),
		d.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("journal: append decision: %w", err)
	}
	return nil
}

// RecentByCall returns the most recent decisions for one call, newest
// first.
func (j *Journal) RecentByCall(ctx context.Context, callID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, call_id, event_type, route_id, action, reason, target_provider, delay_ms, session_state, retry_count, created_at
		FROM decisions WHERE call_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Recent returns the latest decisions across all calls, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, call_id, event_type, route_id, action, reason, target_provider, delay_ms, session_state, retry_count, created_at
		FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]Decision, error) {
	var out []Decision
	for rows.Next() {
		var d Decision
		var eventType, action, state string
		if err := rows.Scan(&d.ID, &d.CallID, &eventType, &d.RouteID, &action, &d.Reason,
			&d.TargetProvider, &d.DelayMs, &state, &d.RetryCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan decision: %w", err)
		}
		d.EventType = model.EventType(eventType)
		d.Action = model.Action(action)
		d.SessionState = model.CallState(state)
		out = append(out, d)
	}
	return out, rows.Err()
}
