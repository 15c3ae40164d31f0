package trace

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/agentgate/backend/internal/core"
)

// CreateIncident inserts a new incident for a session. When another
// non-terminal incident already exists the unique active-incident index
// rejects the insert and the existing row is returned with created=false,
// so concurrent quarantine triggers reduce to one winner and N observers.
func (s *Store) CreateIncident(ctx context.Context, sessionID, tenantID, reason string, risk float64, state core.IncidentState) (*core.Incident, bool, error) {
	now := nowUTC()
	inc := &core.Incident{
		IncidentID: "inc-" + uuid.NewString(),
		SessionID:  sessionID,
		TenantID:   tenantID,
		State:      state,
		Reason:     reason,
		RiskScore:  risk,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.exec(ctx,
		`INSERT INTO incidents (incident_id, session_id, tenant_id, state, reason, risk_score, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.SessionID, inc.TenantID, string(inc.State),
		inc.Reason, inc.RiskScore, fmtTime(now), fmtTime(now))
	if err == nil {
		return inc, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, core.Wrap(core.KindTraceWriteFailed, "create incident", err)
	}

	existing, gerr := s.ActiveIncident(ctx, sessionID)
	if gerr != nil {
		return nil, false, gerr
	}
	if existing == nil {
		// The competing incident reached a terminal state between our
		// insert and the read-back; report a conflict the caller can retry.
		return nil, false, core.E(core.KindConflict, "active incident raced to terminal state")
	}
	return existing, false, nil
}

// ActiveIncident returns the session's single non-terminal incident, or nil.
func (s *Store) ActiveIncident(ctx context.Context, sessionID string) (*core.Incident, error) {
	row := s.queryRow(ctx,
		`SELECT incident_id, session_id, tenant_id, state, COALESCE(reason, ''), risk_score, created_at, updated_at
		   FROM incidents
		  WHERE session_id = ? AND state NOT IN ('released', 'failed')`, sessionID)
	return scanIncident(row)
}

// GetIncident returns an incident by id.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*core.Incident, error) {
	row := s.queryRow(ctx,
		`SELECT incident_id, session_id, tenant_id, state, COALESCE(reason, ''), risk_score, created_at, updated_at
		   FROM incidents WHERE incident_id = ?`, incidentID)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, core.E(core.KindNotFound, "incident not found")
	}
	return inc, nil
}

// UpdateIncidentState performs a guarded transition. The WHERE clause pins
// the expected current state so concurrent writers cannot double-apply.
func (s *Store) UpdateIncidentState(ctx context.Context, incidentID string, from, to core.IncidentState) error {
	res, err := s.exec(ctx,
		`UPDATE incidents SET state = ?, updated_at = ? WHERE incident_id = ? AND state = ?`,
		string(to), fmtTime(nowUTC()), incidentID, string(from))
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "update incident state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.E(core.KindConflict, "incident not in expected state")
	}
	return nil
}

// ListNonTerminalIncidents powers the coordinator's startup recovery scan.
func (s *Store) ListNonTerminalIncidents(ctx context.Context) ([]core.Incident, error) {
	rows, err := s.query(ctx,
		`SELECT incident_id, session_id, tenant_id, state, COALESCE(reason, ''), risk_score, created_at, updated_at
		   FROM incidents
		  WHERE state NOT IN ('released', 'failed')
		  ORDER BY created_at ASC`)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list incidents", err)
	}
	defer rows.Close()

	var out []core.Incident
	for rows.Next() {
		var (
			inc                 core.Incident
			state, created, upd string
		)
		if err := rows.Scan(&inc.IncidentID, &inc.SessionID, &inc.TenantID, &state,
			&inc.Reason, &inc.RiskScore, &created, &upd); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan incident", err)
		}
		inc.State = core.IncidentState(state)
		inc.CreatedAt = parseTime(created)
		inc.UpdatedAt = parseTime(upd)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// AddIncidentEvent appends one timeline step for an incident.
func (s *Store) AddIncidentEvent(ctx context.Context, incidentID, step, detail string) error {
	for attempt := 0; attempt < 5; attempt++ {
		var next int64
		if err := s.queryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM incident_events WHERE incident_id = ?`, incidentID,
		).Scan(&next); err != nil {
			return core.Wrap(core.KindTraceWriteFailed, "allocate incident seq", err)
		}
		_, err := s.exec(ctx,
			`INSERT INTO incident_events (incident_id, seq, step, detail, ts) VALUES (?, ?, ?, ?, ?)`,
			incidentID, next, step, detail, fmtTime(nowUTC()))
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return core.Wrap(core.KindTraceWriteFailed, "append incident event", err)
		}
	}
	return core.E(core.KindTraceWriteFailed, "append incident event: seq contention not resolved")
}

// IncidentTimeline lists an incident's recorded sub-steps in order.
func (s *Store) IncidentTimeline(ctx context.Context, incidentID string) ([]map[string]interface{}, error) {
	rows, err := s.query(ctx,
		`SELECT seq, step, COALESCE(detail, ''), ts FROM incident_events WHERE incident_id = ? ORDER BY seq ASC`,
		incidentID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list incident events", err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var (
			seq          int64
			step, detail string
			ts           string
		)
		if err := rows.Scan(&seq, &step, &detail, &ts); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan incident event", err)
		}
		out = append(out, map[string]interface{}{
			"seq": seq, "step": step, "detail": detail, "ts": ts,
		})
	}
	return out, rows.Err()
}

// RecordRevocation deduplicates credential revocations per incident by the
// (incident_id, credential_id) key. Returns true when this call recorded a
// new revocation, false when it was already present.
func (s *Store) RecordRevocation(ctx context.Context, incidentID, credentialID, reason string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO revocations (incident_id, credential_id, reason, ts)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (incident_id, credential_id) DO NOTHING`,
		incidentID, credentialID, reason, fmtTime(nowUTC()))
	if err != nil {
		return false, core.Wrap(core.KindTraceWriteFailed, "record revocation", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountRevocations returns the number of revocations stored for an incident.
func (s *Store) CountRevocations(ctx context.Context, incidentID string) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM revocations WHERE incident_id = ?`, incidentID).Scan(&n)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "count revocations", err)
	}
	return n, nil
}

func scanIncident(row *sql.Row) (*core.Incident, error) {
	var (
		inc                 core.Incident
		state, created, upd string
	)
	err := row.Scan(&inc.IncidentID, &inc.SessionID, &inc.TenantID, &state,
		&inc.Reason, &inc.RiskScore, &created, &upd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "scan incident", err)
	}
	inc.State = core.IncidentState(state)
	inc.CreatedAt = parseTime(created)
	inc.UpdatedAt = parseTime(upd)
	return &inc, nil
}
