package trace

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/agentgate/backend/internal/core"
)

// AppendEvent persists one trace event, assigning the next dense event_id
// for the session. The payload is redacted before the integrity hash is
// computed so stored bytes and hash always agree. Events are never updated
// or deleted individually.
//
// Concurrent appends race on the (session_id, event_id) primary key; losers
// recompute the id and retry, which keeps ids dense without explicit locks.
func (s *Store) AppendEvent(ctx context.Context, ev *core.TraceEvent) (*core.TraceEvent, error) {
	if ev.SessionID == "" || ev.TenantID == "" {
		return nil, core.E(core.KindValidation, "trace event requires session_id and tenant_id")
	}
	if ev.Kind == "" {
		return nil, core.E(core.KindValidation, "trace event requires a kind")
	}

	stored := *ev
	stored.Payload = s.redactor.Map(stored.Payload)
	if stored.Timestamp.IsZero() {
		stored.Timestamp = nowUTC()
	}

	var payloadJSON, rateJSON interface{}
	if stored.Payload != nil {
		b, err := json.Marshal(stored.Payload)
		if err != nil {
			return nil, core.Wrap(core.KindTraceWriteFailed, "encode payload", err)
		}
		payloadJSON = string(b)
	}
	if stored.RateLimit != nil {
		b, _ := json.Marshal(stored.RateLimit)
		rateJSON = string(b)
	}

	for attempt := 0; attempt < 5; attempt++ {
		var next int64
		if err := s.queryRow(ctx,
			`SELECT COALESCE(MAX(event_id), 0) + 1 FROM trace_events WHERE session_id = ?`,
			stored.SessionID,
		).Scan(&next); err != nil {
			return nil, core.Wrap(core.KindTraceWriteFailed, "allocate event id", err)
		}

		stored.EventID = next
		stored.IntegrityHash = stored.ComputeIntegrityHash()

		_, err := s.exec(ctx,
			`INSERT INTO trace_events
				(session_id, event_id, tenant_id, ts, kind, tool_name, decision,
				 reason, policy_version, rate_limit, payload, integrity_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.SessionID, stored.EventID, stored.TenantID, fmtTime(stored.Timestamp),
			string(stored.Kind), stored.ToolName, string(stored.Decision),
			stored.Reason, stored.PolicyVersion, rateJSON, payloadJSON, stored.IntegrityHash)
		if err == nil {
			out := stored
			return &out, nil
		}
		if !isUniqueViolation(err) {
			return nil, core.Wrap(core.KindTraceWriteFailed, "append trace event", err)
		}
		// Lost the id race; recompute and retry.
	}
	return nil, core.E(core.KindTraceWriteFailed, "append trace event: id contention not resolved")
}

// ListEvents returns a session's events ordered by event_id, tenant-scoped.
func (s *Store) ListEvents(ctx context.Context, tenantID, sessionID string) ([]core.TraceEvent, error) {
	rows, err := s.query(ctx,
		`SELECT session_id, event_id, tenant_id, ts, kind,
		        COALESCE(tool_name, ''), COALESCE(decision, ''), COALESCE(reason, ''),
		        COALESCE(policy_version, ''), rate_limit, payload, integrity_hash
		   FROM trace_events
		  WHERE session_id = ? AND tenant_id = ?
		  ORDER BY event_id ASC`, sessionID, tenantID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list trace events", err)
	}
	defer rows.Close()

	var out []core.TraceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// TailEvents returns the most recent n events for a session, oldest first.
func (s *Store) TailEvents(ctx context.Context, tenantID, sessionID string, n int) ([]core.TraceEvent, error) {
	events, err := s.ListEvents(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// LastEventID returns the highest assigned event id for a session (0 when
// the session has no events).
func (s *Store) LastEventID(ctx context.Context, sessionID string) (int64, error) {
	var id int64
	err := s.queryRow(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM trace_events WHERE session_id = ?`, sessionID,
	).Scan(&id)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "read last event id", err)
	}
	return id, nil
}

func scanEvent(rows *sql.Rows) (*core.TraceEvent, error) {
	var (
		ev              core.TraceEvent
		ts              string
		kind, decision  string
		rateRaw, payRaw sql.NullString
	)
	if err := rows.Scan(&ev.SessionID, &ev.EventID, &ev.TenantID, &ts, &kind,
		&ev.ToolName, &decision, &ev.Reason, &ev.PolicyVersion,
		&rateRaw, &payRaw, &ev.IntegrityHash); err != nil {
		return nil, core.Wrap(core.KindInternal, "scan trace event", err)
	}
	ev.Timestamp = parseTime(ts)
	ev.Kind = core.EventKind(kind)
	ev.Decision = core.Decision(decision)
	if rateRaw.Valid && rateRaw.String != "" {
		var snap core.RateLimitSnapshot
		if err := json.Unmarshal([]byte(rateRaw.String), &snap); err == nil {
			ev.RateLimit = &snap
		}
	}
	if payRaw.Valid && payRaw.String != "" {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payRaw.String), &payload); err == nil {
			ev.Payload = payload
		}
	}
	return &ev, nil
}
