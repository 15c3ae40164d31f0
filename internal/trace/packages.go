package trace

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/agentgate/backend/internal/core"
)

// ============================================================================
// POLICY PACKAGES
// ============================================================================

// SavePolicyPackage stores a verified package. Packages are immutable per
// (tenant, version); re-saving identical content is a no-op and a version
// collision with different content is a conflict.
func (s *Store) SavePolicyPackage(ctx context.Context, pkg *core.PolicyPackage) error {
	_, err := s.exec(ctx,
		`INSERT INTO policy_packages (tenant_id, version, bundle_hash, signer, signature, bundle, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (tenant_id, version) DO NOTHING`,
		pkg.TenantID, pkg.Version, pkg.BundleHash, pkg.Signer, pkg.Signature,
		string(pkg.Bundle), fmtTime(nowUTC()))
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "save policy package", err)
	}
	existing, err := s.GetPolicyPackage(ctx, pkg.TenantID, pkg.Version)
	if err != nil {
		return err
	}
	if existing.BundleHash != pkg.BundleHash {
		return core.E(core.KindConflict, "package version already exists with different content")
	}
	return nil
}

// GetPolicyPackage returns one stored package.
func (s *Store) GetPolicyPackage(ctx context.Context, tenantID, version string) (*core.PolicyPackage, error) {
	var (
		pkg    core.PolicyPackage
		bundle string
	)
	err := s.queryRow(ctx,
		`SELECT tenant_id, version, bundle_hash, signer, signature, bundle
		   FROM policy_packages WHERE tenant_id = ? AND version = ?`,
		tenantID, version,
	).Scan(&pkg.TenantID, &pkg.Version, &pkg.BundleHash, &pkg.Signer, &pkg.Signature, &bundle)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "policy package not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read policy package", err)
	}
	pkg.Bundle = json.RawMessage(bundle)
	return &pkg, nil
}

// ActivePolicyVersion returns the tenant's active package version, or "".
func (s *Store) ActivePolicyVersion(ctx context.Context, tenantID string) (string, error) {
	var version string
	err := s.queryRow(ctx,
		`SELECT version FROM policy_packages WHERE tenant_id = ? AND active = 1`, tenantID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", core.Wrap(core.KindInternal, "read active policy version", err)
	}
	return version, nil
}

// SetActivePolicyVersion atomically swaps the tenant's active package.
// Used both for promotion and for rollback restore.
func (s *Store) SetActivePolicyVersion(ctx context.Context, tenantID, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "begin activate", err)
	}
	defer tx.Rollback()

	if version != "" {
		var exists int
		if err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM policy_packages WHERE tenant_id = ? AND version = ?`),
			tenantID, version).Scan(&exists); err != nil {
			return core.Wrap(core.KindInternal, "check package", err)
		}
		if exists == 0 {
			return core.E(core.KindNotFound, "policy package not found")
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE policy_packages SET active = 0 WHERE tenant_id = ?`), tenantID); err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "deactivate packages", err)
	}
	if version != "" {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE policy_packages SET active = 1 WHERE tenant_id = ? AND version = ?`),
			tenantID, version); err != nil {
			return core.Wrap(core.KindTraceWriteFailed, "activate package", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "commit activate", err)
	}
	return nil
}

// ============================================================================
// REPLAY ANALYSES
// ============================================================================

// ReplayAnalysis summarizes a shadow replay of a candidate package.
type ReplayAnalysis struct {
	TenantID         string `json:"tenant_id"`
	CandidateVersion string `json:"candidate_version"`
	CriticalDrift    int    `json:"critical_drift"`
	TotalDrift       int    `json:"total_drift"`
}

// SaveReplayAnalysis records drift counters for a candidate.
func (s *Store) SaveReplayAnalysis(ctx context.Context, ra *ReplayAnalysis) error {
	_, err := s.exec(ctx,
		`INSERT INTO replay_analyses (tenant_id, candidate_version, critical_drift, total_drift, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, candidate_version) DO NOTHING`,
		ra.TenantID, ra.CandidateVersion, ra.CriticalDrift, ra.TotalDrift, fmtTime(nowUTC()))
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "save replay analysis", err)
	}
	return nil
}

// GetReplayAnalysis returns the replay result for a candidate, or nil.
func (s *Store) GetReplayAnalysis(ctx context.Context, tenantID, candidateVersion string) (*ReplayAnalysis, error) {
	var ra ReplayAnalysis
	err := s.queryRow(ctx,
		`SELECT tenant_id, candidate_version, critical_drift, total_drift
		   FROM replay_analyses WHERE tenant_id = ? AND candidate_version = ?`,
		tenantID, candidateVersion,
	).Scan(&ra.TenantID, &ra.CandidateVersion, &ra.CriticalDrift, &ra.TotalDrift)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read replay analysis", err)
	}
	return &ra, nil
}

// ============================================================================
// ROLLOUTS
// ============================================================================

// CreateRollout inserts a rollout in queued state. The active-rollout index
// makes identical concurrent starts idempotent: the loser reads back the
// winner and created=false.
func (s *Store) CreateRollout(ctx context.Context, tenantID, candidateVersion, previousVersion string) (*core.Rollout, bool, error) {
	now := nowUTC()
	r := &core.Rollout{
		RolloutID:        "ro-" + uuid.NewString(),
		TenantID:         tenantID,
		CandidateVersion: candidateVersion,
		PreviousVersion:  previousVersion,
		State:            core.RolloutQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := s.exec(ctx,
		`INSERT INTO rollouts (rollout_id, tenant_id, candidate_version, previous_version, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RolloutID, r.TenantID, r.CandidateVersion, r.PreviousVersion,
		string(r.State), fmtTime(now), fmtTime(now))
	if err == nil {
		return r, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, core.Wrap(core.KindTraceWriteFailed, "create rollout", err)
	}
	existing, gerr := s.ActiveRollout(ctx, tenantID, candidateVersion)
	if gerr != nil {
		return nil, false, gerr
	}
	if existing == nil {
		return nil, false, core.E(core.KindConflict, "rollout raced to terminal state")
	}
	return existing, false, nil
}

// ActiveRollout returns the live rollout for (tenant, candidate), or nil.
func (s *Store) ActiveRollout(ctx context.Context, tenantID, candidateVersion string) (*core.Rollout, error) {
	row := s.queryRow(ctx,
		`SELECT rollout_id, tenant_id, candidate_version, COALESCE(previous_version, ''), state, COALESCE(verdict, ''), created_at, updated_at
		   FROM rollouts
		  WHERE tenant_id = ? AND candidate_version = ? AND state NOT IN ('completed', 'rolled_back')`,
		tenantID, candidateVersion)
	return scanRollout(row)
}

// GetRollout returns a rollout by id.
func (s *Store) GetRollout(ctx context.Context, rolloutID string) (*core.Rollout, error) {
	row := s.queryRow(ctx,
		`SELECT rollout_id, tenant_id, candidate_version, COALESCE(previous_version, ''), state, COALESCE(verdict, ''), created_at, updated_at
		   FROM rollouts WHERE rollout_id = ?`, rolloutID)
	r, err := scanRollout(row)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, core.E(core.KindNotFound, "rollout not found")
	}
	return r, nil
}

// UpdateRolloutState performs a guarded state transition with a verdict.
func (s *Store) UpdateRolloutState(ctx context.Context, rolloutID string, from, to core.RolloutState, verdict string) error {
	res, err := s.exec(ctx,
		`UPDATE rollouts SET state = ?, verdict = ?, updated_at = ? WHERE rollout_id = ? AND state = ?`,
		string(to), verdict, fmtTime(nowUTC()), rolloutID, string(from))
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "update rollout state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.E(core.KindConflict, "rollout not in expected state")
	}
	return nil
}

func scanRollout(row *sql.Row) (*core.Rollout, error) {
	var (
		r                   core.Rollout
		state, created, upd string
	)
	err := row.Scan(&r.RolloutID, &r.TenantID, &r.CandidateVersion, &r.PreviousVersion,
		&state, &r.Verdict, &created, &upd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "scan rollout", err)
	}
	r.State = core.RolloutState(state)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(upd)
	return &r, nil
}

// ============================================================================
// KILL-SWITCH REFLECTION
// ============================================================================

// ReflectKillSwitch mirrors the shared-store flag into the relational store
// so audit queries can join containment state without touching Redis.
func (s *Store) ReflectKillSwitch(ctx context.Context, rec core.KillRecord, active bool) error {
	if !active {
		_, err := s.exec(ctx,
			`DELETE FROM kill_switches WHERE scope = ? AND target = ?`,
			string(rec.Scope), rec.Target)
		if err != nil {
			return core.Wrap(core.KindTraceWriteFailed, "clear kill reflection", err)
		}
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO kill_switches (scope, target, reason, set_by, set_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope, target) DO UPDATE SET reason = excluded.reason, set_by = excluded.set_by, set_at = excluded.set_at`,
		string(rec.Scope), rec.Target, rec.Reason, rec.SetBy, fmtTime(rec.SetAt))
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed, "reflect kill switch", err)
	}
	return nil
}
