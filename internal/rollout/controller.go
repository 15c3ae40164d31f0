// Package rollout promotes signed tenant policy packages through staged
// deployment: queued → canary → promoting → completed, with automatic
// rollback and restore of the previous active package when replay drift or
// live error signals exceed budget.
package rollout

import (
	"context"
	"fmt"
	"log"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/policy"
	"github.com/agentgate/backend/internal/trace"
)

// VerdictCriticalDrift is the verdict that forces a rollback.
const VerdictCriticalDrift = "critical_drift_exceeds_budget"

// ErrorRateSource reports the live error rate observed for a tenant, in
// [0, 1]. The SLO monitor satisfies this.
type ErrorRateSource interface {
	ErrorRate(tenantID string) float64
}

// Config tunes promotion gates.
type Config struct {
	// CriticalDriftBudget is the number of critical replay drifts tolerated
	// before rollback (default 0: any critical drift rolls back).
	CriticalDriftBudget int
	// MaxErrorRate is the live error-rate ceiling during promotion
	// (default 0.05).
	MaxErrorRate float64
	// Alert, when set, receives rollback notifications for external
	// delivery.
	Alert func(event, tenantID string, data map[string]interface{})
}

// Controller owns rollout state transitions.
type Controller struct {
	store    *trace.Store
	verifier *policy.Verifier
	errors   ErrorRateSource
	cfg      Config
	logger   *log.Logger
}

// New creates a rollout controller. errors may be nil when no live signal
// is available (the drift gate still applies).
func New(store *trace.Store, verifier *policy.Verifier, errors ErrorRateSource, cfg Config) *Controller {
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = 0.05
	}
	return &Controller{
		store:    store,
		verifier: verifier,
		errors:   errors,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[ROLLOUT] ", log.LstdFlags),
	}
}

// Start verifies the candidate package, requires a replay analysis for it,
// persists both and creates the rollout in queued state. Identical start
// requests return the existing live rollout.
func (c *Controller) Start(ctx context.Context, pkg *core.PolicyPackage) (*core.Rollout, error) {
	if c.verifier == nil {
		return nil, core.E(core.KindSignatureInvalid, "no package verifier configured")
	}
	if err := c.verifier.VerifyPackage(pkg); err != nil {
		return nil, err
	}
	if _, err := policy.ParseDocument(pkg.Bundle); err != nil {
		return nil, err
	}

	analysis, err := c.store.GetReplayAnalysis(ctx, pkg.TenantID, pkg.Version)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, core.EHint(core.KindValidation,
			"no replay analysis exists for the candidate version",
			"run a shadow replay before starting a rollout")
	}

	if err := c.store.SavePolicyPackage(ctx, pkg); err != nil {
		return nil, err
	}
	previous, err := c.store.ActivePolicyVersion(ctx, pkg.TenantID)
	if err != nil {
		return nil, err
	}

	r, created, err := c.store.CreateRollout(ctx, pkg.TenantID, pkg.Version, previous)
	if err != nil {
		return nil, err
	}
	if created {
		c.logger.Printf("🚀 rollout started: tenant=%s candidate=%s previous=%q id=%s",
			pkg.TenantID, pkg.Version, previous, r.RolloutID)
		c.appendTrace(ctx, r, "rollout queued")
	}
	return r, nil
}

// Advance moves the rollout one stage forward, applying the drift and live
// error gates at every step. Called by the operator endpoint or a ticker.
func (c *Controller) Advance(ctx context.Context, rolloutID string) (*core.Rollout, error) {
	r, err := c.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, core.E(core.KindConflict, fmt.Sprintf("rollout is already %s", r.State))
	}

	if verdict := c.verdict(ctx, r); verdict != "" {
		return c.rollBack(ctx, r, verdict)
	}

	var next core.RolloutState
	switch r.State {
	case core.RolloutQueued:
		next = core.RolloutCanary
	case core.RolloutCanary:
		next = core.RolloutPromoting
	case core.RolloutPromoting:
		next = core.RolloutCompleted
	default:
		return nil, core.E(core.KindConflict, fmt.Sprintf("rollout in unexpected state %s", r.State))
	}

	if next == core.RolloutCompleted {
		// Activation and completion belong together; activate first so a
		// crash between the two leaves the rollout re-advanceable.
		if err := c.store.SetActivePolicyVersion(ctx, r.TenantID, r.CandidateVersion); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpdateRolloutState(ctx, r.RolloutID, r.State, next, "ok"); err != nil {
		return nil, err
	}
	r.State = next
	c.logger.Printf("📈 rollout advanced: id=%s state=%s", r.RolloutID, next)
	c.appendTrace(ctx, r, "rollout "+string(next))
	return c.store.GetRollout(ctx, rolloutID)
}

// ForceRollback terminates a live rollout on operator demand, restoring the
// previous active package.
func (c *Controller) ForceRollback(ctx context.Context, rolloutID, reason string) (*core.Rollout, error) {
	r, err := c.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, core.E(core.KindConflict, fmt.Sprintf("rollout is already %s", r.State))
	}
	if reason == "" {
		reason = "operator_rollback"
	}
	return c.rollBack(ctx, r, reason)
}

// verdict returns a non-empty rollback verdict when a gate fails.
func (c *Controller) verdict(ctx context.Context, r *core.Rollout) string {
	analysis, err := c.store.GetReplayAnalysis(ctx, r.TenantID, r.CandidateVersion)
	if err == nil && analysis != nil && analysis.CriticalDrift > c.cfg.CriticalDriftBudget {
		return VerdictCriticalDrift
	}
	if c.errors != nil && r.State != core.RolloutQueued {
		if rate := c.errors.ErrorRate(r.TenantID); rate > c.cfg.MaxErrorRate {
			return fmt.Sprintf("live_error_rate_%.3f_exceeds_budget", rate)
		}
	}
	return ""
}

// rollBack terminates the rollout and atomically restores the previous
// active package.
func (c *Controller) rollBack(ctx context.Context, r *core.Rollout, verdict string) (*core.Rollout, error) {
	if err := c.store.SetActivePolicyVersion(ctx, r.TenantID, r.PreviousVersion); err != nil {
		return nil, err
	}
	if err := c.store.UpdateRolloutState(ctx, r.RolloutID, r.State, core.RolloutRolledBack, verdict); err != nil {
		return nil, err
	}
	c.logger.Printf("⛔ rollout rolled back: id=%s verdict=%s restored=%q", r.RolloutID, verdict, r.PreviousVersion)
	r.State = core.RolloutRolledBack
	r.Verdict = verdict
	c.appendTrace(ctx, r, "rollout rolled back: "+verdict)
	if c.cfg.Alert != nil {
		c.cfg.Alert("rollout.rolled_back", r.TenantID, map[string]interface{}{
			"rollout_id": r.RolloutID,
			"verdict":    verdict,
			"restored":   r.PreviousVersion,
		})
	}
	return c.store.GetRollout(ctx, r.RolloutID)
}

// rollout lifecycle events land on a reserved system session so the audit
// trail covers control-plane activity too.
const systemSession = "system"

func (c *Controller) appendTrace(ctx context.Context, r *core.Rollout, reason string) {
	if _, err := c.store.EnsureSession(ctx, systemSession+"-"+r.TenantID, r.TenantID); err != nil {
		return
	}
	_, err := c.store.AppendEvent(ctx, &core.TraceEvent{
		SessionID:     systemSession + "-" + r.TenantID,
		TenantID:      r.TenantID,
		Kind:          core.EventRollout,
		Reason:        reason,
		PolicyVersion: r.CandidateVersion,
		Payload: map[string]interface{}{
			"rollout_id": r.RolloutID,
			"state":      string(r.State),
		},
	})
	if err != nil {
		c.logger.Printf("⚠️ rollout trace append failed: %v", err)
	}
}
