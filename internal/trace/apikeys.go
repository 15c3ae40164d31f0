package trace

import (
	"context"
	"database/sql"

	"github.com/agentgate/backend/internal/core"
)

// APIKeyRecord is the stored half of a tenant API key. Only the bcrypt hash
// of the secret portion is persisted.
type APIKeyRecord struct {
	KeyID     string `json:"key_id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// CreateAPIKey stores a new key record. Key ids are caller-generated and
// unique; a collision is a conflict, never an overwrite.
func (s *Store) CreateAPIKey(ctx context.Context, rec *APIKeyRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO tenant_api_keys (key_id, tenant_id, name, key_hash, is_active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		rec.KeyID, rec.TenantID, rec.Name, rec.KeyHash, fmtTime(nowUTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return core.E(core.KindConflict, "api key id already exists")
		}
		return core.Wrap(core.KindTraceWriteFailed, "create api key", err)
	}
	return nil
}

// GetAPIKey looks up an active key record by id.
func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*APIKeyRecord, error) {
	var (
		rec    APIKeyRecord
		active int
	)
	err := s.queryRow(ctx,
		`SELECT key_id, tenant_id, COALESCE(name, ''), key_hash, is_active, created_at
		   FROM tenant_api_keys WHERE key_id = ?`, keyID,
	).Scan(&rec.KeyID, &rec.TenantID, &rec.Name, &rec.KeyHash, &active, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindUnauthenticated, "unknown api key")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read api key", err)
	}
	rec.IsActive = active != 0
	if !rec.IsActive {
		return nil, core.E(core.KindUnauthenticated, "api key is revoked")
	}
	return &rec, nil
}

// RevokeAPIKey deactivates a key without deleting its audit trail.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.exec(ctx,
		`UPDATE tenant_api_keys SET is_active = 0 WHERE key_id = ?`, keyID)
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "revoke api key", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.E(core.KindNotFound, "api key not found")
	}
	return nil
}
