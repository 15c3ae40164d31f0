package trace

import (
	"fmt"
)

// migration is one monotonic schema step. Statements run inside a
// transaction with a savepoint per statement so a failing step never leaves
// partial DDL behind. Backend-specific statements (triggers mostly) live in
// the per-dialect slices.
type migration struct {
	Version  int
	Name     string
	Common   []string
	SQLite   []string
	Postgres []string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "base_tables",
		Common: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				tenant_id  TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS session_tenants (
				session_id TEXT PRIMARY KEY,
				tenant_id  TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS trace_events (
				session_id     TEXT NOT NULL,
				event_id       INTEGER NOT NULL,
				tenant_id      TEXT NOT NULL,
				ts             TEXT NOT NULL,
				kind           TEXT NOT NULL,
				tool_name      TEXT,
				decision       TEXT,
				reason         TEXT,
				policy_version TEXT,
				rate_limit     TEXT,
				payload        TEXT,
				integrity_hash TEXT NOT NULL,
				PRIMARY KEY (session_id, event_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trace_events_tenant ON trace_events (tenant_id, session_id)`,
		},
	},
	{
		Version: 2,
		Name:    "incidents",
		Common: []string{
			`CREATE TABLE IF NOT EXISTS incidents (
				incident_id TEXT PRIMARY KEY,
				session_id  TEXT NOT NULL,
				tenant_id   TEXT NOT NULL,
				state       TEXT NOT NULL,
				reason      TEXT,
				risk_score  REAL NOT NULL DEFAULT 0,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			)`,
			// Exactly-once quarantine: at most one non-terminal incident per
			// session; concurrent creators collapse onto this index.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_active
				ON incidents (session_id)
				WHERE state NOT IN ('released', 'failed')`,
			`CREATE TABLE IF NOT EXISTS incident_events (
				incident_id TEXT NOT NULL,
				seq         INTEGER NOT NULL,
				step        TEXT NOT NULL,
				detail      TEXT,
				ts          TEXT NOT NULL,
				PRIMARY KEY (incident_id, seq)
			)`,
			`CREATE TABLE IF NOT EXISTS revocations (
				incident_id   TEXT NOT NULL,
				credential_id TEXT NOT NULL,
				reason        TEXT,
				ts            TEXT NOT NULL,
				PRIMARY KEY (incident_id, credential_id)
			)`,
		},
	},
	{
		Version: 3,
		Name:    "kill_switch_reflection",
		Common: []string{
			`CREATE TABLE IF NOT EXISTS kill_switches (
				scope  TEXT NOT NULL,
				target TEXT NOT NULL,
				reason TEXT,
				set_by TEXT,
				set_at TEXT NOT NULL,
				PRIMARY KEY (scope, target)
			)`,
		},
	},
	{
		Version: 4,
		Name:    "policy_packages_and_rollouts",
		Common: []string{
			`CREATE TABLE IF NOT EXISTS policy_packages (
				tenant_id   TEXT NOT NULL,
				version     TEXT NOT NULL,
				bundle_hash TEXT NOT NULL,
				signer      TEXT NOT NULL,
				signature   TEXT NOT NULL,
				bundle      TEXT NOT NULL,
				active      INTEGER NOT NULL DEFAULT 0,
				created_at  TEXT NOT NULL,
				PRIMARY KEY (tenant_id, version)
			)`,
			`CREATE TABLE IF NOT EXISTS replay_analyses (
				tenant_id         TEXT NOT NULL,
				candidate_version TEXT NOT NULL,
				critical_drift    INTEGER NOT NULL DEFAULT 0,
				total_drift       INTEGER NOT NULL DEFAULT 0,
				created_at        TEXT NOT NULL,
				PRIMARY KEY (tenant_id, candidate_version)
			)`,
			`CREATE TABLE IF NOT EXISTS rollouts (
				rollout_id        TEXT PRIMARY KEY,
				tenant_id         TEXT NOT NULL,
				candidate_version TEXT NOT NULL,
				previous_version  TEXT,
				state             TEXT NOT NULL,
				verdict           TEXT,
				created_at        TEXT NOT NULL,
				updated_at        TEXT NOT NULL
			)`,
			// One live promotion per (tenant, candidate); duplicate starts
			// read back the winner.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_rollouts_active
				ON rollouts (tenant_id, candidate_version)
				WHERE state NOT IN ('completed', 'rolled_back')`,
		},
	},
	{
		Version: 5,
		Name:    "archives_and_checkpoints",
		Common: []string{
			`CREATE TABLE IF NOT EXISTS evidence_archives (
				session_id     TEXT NOT NULL,
				format         TEXT NOT NULL,
				integrity_hash TEXT NOT NULL,
				payload        TEXT NOT NULL,
				metadata       TEXT,
				created_at     TEXT NOT NULL,
				PRIMARY KEY (session_id, format, integrity_hash)
			)`,
			`CREATE TABLE IF NOT EXISTS transparency_checkpoints (
				session_id    TEXT NOT NULL,
				root_hash     TEXT NOT NULL,
				anchor_source TEXT NOT NULL,
				receipt       TEXT,
				created_at    TEXT NOT NULL,
				PRIMARY KEY (session_id, root_hash, anchor_source)
			)`,
		},
		SQLite: []string{
			`CREATE TRIGGER IF NOT EXISTS evidence_archives_no_update
				BEFORE UPDATE ON evidence_archives
				BEGIN SELECT RAISE(ABORT, 'evidence_archives is write-once'); END`,
			`CREATE TRIGGER IF NOT EXISTS evidence_archives_no_delete
				BEFORE DELETE ON evidence_archives
				BEGIN SELECT RAISE(ABORT, 'evidence_archives is write-once'); END`,
			`CREATE TRIGGER IF NOT EXISTS checkpoints_no_update
				BEFORE UPDATE ON transparency_checkpoints
				BEGIN SELECT RAISE(ABORT, 'transparency_checkpoints is write-once'); END`,
			`CREATE TRIGGER IF NOT EXISTS checkpoints_no_delete
				BEFORE DELETE ON transparency_checkpoints
				BEGIN SELECT RAISE(ABORT, 'transparency_checkpoints is write-once'); END`,
		},
		Postgres: []string{
			`CREATE OR REPLACE FUNCTION agw_reject_mutation() RETURNS trigger AS $$
				BEGIN RAISE EXCEPTION 'table % is write-once', TG_TABLE_NAME; END;
			$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS evidence_archives_guard ON evidence_archives`,
			`CREATE TRIGGER evidence_archives_guard
				BEFORE UPDATE OR DELETE ON evidence_archives
				FOR EACH ROW EXECUTE FUNCTION agw_reject_mutation()`,
			`DROP TRIGGER IF EXISTS checkpoints_guard ON transparency_checkpoints`,
			`CREATE TRIGGER checkpoints_guard
				BEFORE UPDATE OR DELETE ON transparency_checkpoints
				FOR EACH ROW EXECUTE FUNCTION agw_reject_mutation()`,
		},
	},
	{
		Version: 6,
		Name:    "retention_and_api_keys",
		Common: []string{
			`CREATE TABLE IF NOT EXISTS session_retention (
				session_id      TEXT PRIMARY KEY,
				retention_until TEXT,
				legal_hold      INTEGER NOT NULL DEFAULT 0,
				updated_at      TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tenant_api_keys (
				key_id     TEXT PRIMARY KEY,
				tenant_id  TEXT NOT NULL,
				name       TEXT,
				key_hash   TEXT NOT NULL,
				is_active  INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			)`,
		},
	},
}

// migrate applies all pending migrations in registration order before any
// request is served.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		name        TEXT NOT NULL,
		applied_at  TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		s.logger.Printf("applied migration %04d %s", m.Version, m.Name)
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	stmts := append([]string{}, m.Common...)
	switch s.dialect {
	case DialectSQLite:
		stmts = append(stmts, m.SQLite...)
	case DialectPostgres:
		stmts = append(stmts, m.Postgres...)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range stmts {
		sp := fmt.Sprintf("mig_%d_step_%d", m.Version, i)
		if _, err := tx.Exec("SAVEPOINT " + sp); err != nil {
			return err
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Exec("ROLLBACK TO SAVEPOINT " + sp)
			return fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := tx.Exec("RELEASE SAVEPOINT " + sp); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(s.rebind(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Name, fmtTime(nowUTC())); err != nil {
		return err
	}
	return tx.Commit()
}
