package trace

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentgate/backend/internal/core"
)

func nowUTC() time.Time { return time.Now().UTC() }

// EnsureSession binds a session to a tenant on first contact and returns the
// session row. A second bind attempt with a different tenant fails with
// tenant_conflict; the original binding is immutable.
func (s *Store) EnsureSession(ctx context.Context, sessionID, tenantID string) (*core.Session, error) {
	if sessionID == "" {
		return nil, core.E(core.KindValidation, "session_id is required")
	}
	if tenantID == "" {
		return nil, core.E(core.KindValidation, "tenant_id is required")
	}

	// Optimistic insert into the binding table; the primary key resolves
	// races to a single winner.
	now := nowUTC()
	_, err := s.exec(ctx,
		`INSERT INTO session_tenants (session_id, tenant_id) VALUES (?, ?) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, tenantID)
	if err != nil {
		return nil, core.Wrap(core.KindTraceWriteFailed, "bind session tenant", err)
	}

	var boundTenant string
	if err := s.queryRow(ctx,
		`SELECT tenant_id FROM session_tenants WHERE session_id = ?`, sessionID,
	).Scan(&boundTenant); err != nil {
		return nil, core.Wrap(core.KindTraceWriteFailed, "read session binding", err)
	}
	if boundTenant != tenantID {
		return nil, core.EHint(core.KindTenantConflict,
			"session is bound to a different tenant",
			"a session_id can only ever be used by the tenant that created it")
	}

	_, err = s.exec(ctx,
		`INSERT INTO sessions (session_id, tenant_id, created_at) VALUES (?, ?, ?) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, tenantID, fmtTime(now))
	if err != nil {
		return nil, core.Wrap(core.KindTraceWriteFailed, "create session", err)
	}

	return s.GetSession(ctx, tenantID, sessionID)
}

// GetSession returns a session visible to the requesting tenant.
func (s *Store) GetSession(ctx context.Context, requestTenant, sessionID string) (*core.Session, error) {
	var (
		sess      core.Session
		createdAt string
	)
	err := s.queryRow(ctx,
		`SELECT s.session_id, s.tenant_id, s.created_at,
		        COALESCE(r.retention_until, ''), COALESCE(r.legal_hold, 0)
		   FROM sessions s
		   LEFT JOIN session_retention r ON r.session_id = s.session_id
		  WHERE s.session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.TenantID, &createdAt, &retentionScanner{&sess}, &legalHoldScanner{&sess})
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read session", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	if err := s.guardTenant(requestTenant, sess.TenantID); err != nil {
		return nil, err
	}
	if requestTenant != "" && requestTenant != sess.TenantID {
		// Without isolation mode, cross-tenant reads still 404 rather than
		// leak session existence.
		return nil, core.E(core.KindNotFound, "session not found")
	}
	return &sess, nil
}

// ListSessions returns all sessions for one tenant, newest first.
func (s *Store) ListSessions(ctx context.Context, tenantID string) ([]core.Session, error) {
	rows, err := s.query(ctx,
		`SELECT s.session_id, s.tenant_id, s.created_at,
		        COALESCE(r.retention_until, ''), COALESCE(r.legal_hold, 0)
		   FROM sessions s
		   LEFT JOIN session_retention r ON r.session_id = s.session_id
		  WHERE s.tenant_id = ?
		  ORDER BY s.created_at DESC`, tenantID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list sessions", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		var (
			sess      core.Session
			createdAt string
		)
		if err := rows.Scan(&sess.SessionID, &sess.TenantID, &createdAt,
			&retentionScanner{&sess}, &legalHoldScanner{&sess}); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan session", err)
		}
		sess.CreatedAt = parseTime(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// retentionScanner maps the COALESCE'd retention_until text column onto the
// session's optional deadline.
type retentionScanner struct{ sess *core.Session }

func (r *retentionScanner) Scan(v interface{}) error {
	s := asString(v)
	if s == "" {
		r.sess.RetentionUntil = nil
		return nil
	}
	t := parseTime(s)
	r.sess.RetentionUntil = &t
	return nil
}

type legalHoldScanner struct{ sess *core.Session }

func (l *legalHoldScanner) Scan(v interface{}) error {
	switch vv := v.(type) {
	case int64:
		l.sess.LegalHold = vv != 0
	case bool:
		l.sess.LegalHold = vv
	}
	return nil
}

func asString(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return vv
	case []byte:
		return string(vv)
	default:
		return ""
	}
}
