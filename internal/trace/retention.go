package trace

import (
	"context"
	"time"

	"github.com/agentgate/backend/internal/core"
)

// SetRetention records a purge deadline and/or legal hold for a session.
// Passing a nil until leaves the existing deadline untouched.
func (s *Store) SetRetention(ctx context.Context, sessionID string, until *time.Time, legalHold bool) error {
	hold := 0
	if legalHold {
		hold = 1
	}
	var untilText interface{}
	if until != nil {
		untilText = fmtTime(*until)
	}
	_, err := s.exec(ctx,
		`INSERT INTO session_retention (session_id, retention_until, legal_hold, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			retention_until = COALESCE(excluded.retention_until, session_retention.retention_until),
			legal_hold = excluded.legal_hold,
			updated_at = excluded.updated_at`,
		sessionID, untilText, hold, fmtTime(nowUTC()))
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "set retention", err)
	}
	return nil
}

// DeleteSession removes a session and its dependent rows. Legal hold blocks
// deletion entirely; archives and checkpoints are preserved because their
// write-once triggers forbid deletes, which is intentional: exported evidence
// outlives the raw trace. The session_tenants binding also survives so a
// recycled session id stays pinned to its original tenant.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	var hold int
	err := s.queryRow(ctx,
		`SELECT COALESCE(legal_hold, 0) FROM session_retention WHERE session_id = ?`, sessionID,
	).Scan(&hold)
	if err == nil && hold != 0 {
		return core.EHint(core.KindLegalHoldSet,
			"session is under legal hold",
			"clear the hold before requesting deletion")
	}

	for _, q := range []string{
		`DELETE FROM trace_events WHERE session_id = ?`,
		`DELETE FROM incident_events WHERE incident_id IN (SELECT incident_id FROM incidents WHERE session_id = ?)`,
		`DELETE FROM revocations WHERE incident_id IN (SELECT incident_id FROM incidents WHERE session_id = ?)`,
		`DELETE FROM incidents WHERE session_id = ?`,
		`DELETE FROM session_retention WHERE session_id = ?`,
		`DELETE FROM sessions WHERE session_id = ?`,
	} {
		if _, err := s.exec(ctx, q, sessionID); err != nil {
			return core.Wrap(core.KindTraceWriteFailed, "delete session data", err)
		}
	}
	return nil
}

// PurgeExpired deletes every session whose retention deadline passed, except
// those under legal hold. Returns the purged session ids.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT session_id FROM session_retention
		  WHERE retention_until IS NOT NULL AND retention_until != ''
		    AND retention_until <= ? AND legal_hold = 0`, fmtTime(now))
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "scan expired sessions", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, core.Wrap(core.KindInternal, "scan session id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindInternal, "scan expired sessions", err)
	}

	var purged []string
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			s.logger.Printf("⚠️ purge of session %s failed: %v", id, err)
			continue
		}
		purged = append(purged, id)
	}
	if len(purged) > 0 {
		s.logger.Printf("🗑️ purged %d expired sessions", len(purged))
	}
	return purged, nil
}
