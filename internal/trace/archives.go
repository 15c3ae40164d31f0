package trace

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"

	"github.com/agentgate/backend/internal/core"
)

// SaveArchive persists one exported evidence pack. Archives are write-once
// and content-addressed by (session, format, integrity_hash): saving the same
// pack twice is a no-op that returns the stored row, and nothing ever updates
// or deletes a row (the schema triggers reject both).
func (s *Store) SaveArchive(ctx context.Context, a *core.EvidenceArchive) (*core.EvidenceArchive, error) {
	var metaJSON interface{}
	if a.Metadata != nil {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, core.Wrap(core.KindTraceWriteFailed, "encode archive metadata", err)
		}
		metaJSON = string(b)
	}

	_, err := s.exec(ctx,
		`INSERT INTO evidence_archives (session_id, format, integrity_hash, payload, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, format, integrity_hash) DO NOTHING`,
		a.SessionID, a.Format, a.IntegrityHash,
		base64.StdEncoding.EncodeToString(a.Payload), metaJSON, fmtTime(nowUTC()))
	if err != nil {
		return nil, core.Wrap(core.KindTraceWriteFailed, "save evidence archive", err)
	}
	return s.GetArchive(ctx, a.SessionID, a.Format, a.IntegrityHash)
}

// GetArchive returns one stored evidence archive.
func (s *Store) GetArchive(ctx context.Context, sessionID, format, integrityHash string) (*core.EvidenceArchive, error) {
	var (
		a          core.EvidenceArchive
		payloadB64 string
		metaRaw    sql.NullString
		created    string
	)
	err := s.queryRow(ctx,
		`SELECT session_id, format, integrity_hash, payload, metadata, created_at
		   FROM evidence_archives
		  WHERE session_id = ? AND format = ? AND integrity_hash = ?`,
		sessionID, format, integrityHash,
	).Scan(&a.SessionID, &a.Format, &a.IntegrityHash, &payloadB64, &metaRaw, &created)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "evidence archive not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read evidence archive", err)
	}
	a.Payload, err = base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "decode archive payload", err)
	}
	if metaRaw.Valid && metaRaw.String != "" {
		json.Unmarshal([]byte(metaRaw.String), &a.Metadata)
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// ListArchives returns the archive records (without payloads) for a session.
func (s *Store) ListArchives(ctx context.Context, sessionID string) ([]core.EvidenceArchive, error) {
	rows, err := s.query(ctx,
		`SELECT session_id, format, integrity_hash, created_at
		   FROM evidence_archives WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list evidence archives", err)
	}
	defer rows.Close()

	var out []core.EvidenceArchive
	for rows.Next() {
		var (
			a       core.EvidenceArchive
			created string
		)
		if err := rows.Scan(&a.SessionID, &a.Format, &a.IntegrityHash, &created); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan evidence archive", err)
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveCheckpoint persists a transparency checkpoint. Write-once per
// (session, root, anchor source); replays return the stored row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *core.TransparencyCheckpoint) (*core.TransparencyCheckpoint, error) {
	_, err := s.exec(ctx,
		`INSERT INTO transparency_checkpoints (session_id, root_hash, anchor_source, receipt, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, root_hash, anchor_source) DO NOTHING`,
		cp.SessionID, cp.RootHash, cp.AnchorSource, cp.Receipt, fmtTime(nowUTC()))
	if err != nil {
		return nil, core.Wrap(core.KindTraceWriteFailed, "save checkpoint", err)
	}
	return s.GetCheckpoint(ctx, cp.SessionID, cp.RootHash, cp.AnchorSource)
}

// GetCheckpoint returns one stored checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID, rootHash, anchorSource string) (*core.TransparencyCheckpoint, error) {
	var (
		cp      core.TransparencyCheckpoint
		receipt sql.NullString
		created string
	)
	err := s.queryRow(ctx,
		`SELECT session_id, root_hash, anchor_source, receipt, created_at
		   FROM transparency_checkpoints
		  WHERE session_id = ? AND root_hash = ? AND anchor_source = ?`,
		sessionID, rootHash, anchorSource,
	).Scan(&cp.SessionID, &cp.RootHash, &cp.AnchorSource, &receipt, &created)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "checkpoint not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read checkpoint", err)
	}
	cp.Receipt = receipt.String
	cp.CreatedAt = parseTime(created)
	return &cp, nil
}

// ListCheckpoints returns all checkpoints recorded for a session.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]core.TransparencyCheckpoint, error) {
	rows, err := s.query(ctx,
		`SELECT session_id, root_hash, anchor_source, COALESCE(receipt, ''), created_at
		   FROM transparency_checkpoints WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list checkpoints", err)
	}
	defer rows.Close()

	var out []core.TransparencyCheckpoint
	for rows.Next() {
		var (
			cp      core.TransparencyCheckpoint
			created string
		)
		if err := rows.Scan(&cp.SessionID, &cp.RootHash, &cp.AnchorSource, &cp.Receipt, &created); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan checkpoint", err)
		}
		cp.CreatedAt = parseTime(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}
