// Package quarantine watches the decision stream for risk accumulation and,
// past the configured threshold, drives the containment playbook: open an
// incident, kill the session, revoke its credentials, and record every
// sub-step on the incident timeline. The coordinator is the only writer of
// incident rows and revocation records.
package quarantine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/killswitch"
	"github.com/agentgate/backend/internal/metrics"
	"github.com/agentgate/backend/internal/trace"
)

// Notification is one observed decision, delivered by the gateway over the
// intake channel. The gateway never calls back into the coordinator.
type Notification struct {
	SessionID string
	TenantID  string
	Decision  core.Decision
	Reason    string
	Kind      core.EventKind
}

// Config tunes the risk scorer and intake.
type Config struct {
	// Window is how many recent events feed the risk score (default 20).
	Window int
	// DenyThreshold is the score at which quarantine triggers (default 5.0).
	DenyThreshold float64
	// QueueSize bounds the intake channel (default 256). A full queue drops
	// notifications rather than blocking the request path.
	QueueSize int
	// Alert, when set, receives lifecycle notifications (quarantine
	// triggered, incident released) for external delivery.
	Alert func(event, tenantID string, data map[string]interface{})
}

// Coordinator consumes decisions and owns the quarantine lifecycle.
type Coordinator struct {
	store  *trace.Store
	kill   *killswitch.Controller
	broker broker.Broker
	cfg    Config

	intake chan Notification
	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *log.Logger
}

// New creates a coordinator with defaults applied.
func New(store *trace.Store, kill *killswitch.Controller, b broker.Broker, cfg Config) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.DenyThreshold <= 0 {
		cfg.DenyThreshold = 5.0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Coordinator{
		store:  store,
		kill:   kill,
		broker: b,
		cfg:    cfg,
		intake: make(chan Notification, cfg.QueueSize),
		logger: log.New(log.Writer(), "[QUARANTINE] ", log.LstdFlags),
	}
}

// Start launches the worker and runs the startup recovery scan.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.recover(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-c.intake:
				c.handle(ctx, n)
			}
		}
	}()
	c.logger.Printf("🚀 coordinator started: window=%d threshold=%.1f", c.cfg.Window, c.cfg.DenyThreshold)
}

// Stop drains the worker.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Observe enqueues a decision without blocking the request path. Returns
// false when the queue is saturated and the notification was dropped.
func (c *Coordinator) Observe(n Notification) bool {
	select {
	case c.intake <- n:
		return true
	default:
		c.logger.Printf("⚠️ intake queue full, dropped notification for session %s", n.SessionID)
		return false
	}
}

// riskWeight scores one trace event. Containment signals weigh heavier than
// ordinary denials so repeat offenders trip the threshold faster.
func riskWeight(e *core.TraceEvent) float64 {
	switch {
	case e.Kind == core.EventKill:
		return 2.0
	case e.Decision == core.DecisionDeny && e.Kind == core.EventDecision:
		if core.ErrorKind(eventReasonKind(e)) == core.KindKillSwitchActive {
			return 2.0
		}
		if core.ErrorKind(eventReasonKind(e)) == core.KindRateLimited {
			return 0.5
		}
		return 1.0
	default:
		return 0
	}
}

func eventReasonKind(e *core.TraceEvent) string {
	if e.Payload != nil {
		if k, ok := e.Payload["error_kind"].(string); ok {
			return k
		}
	}
	return ""
}

// Score computes the rolling risk over the session's recent events.
func (c *Coordinator) Score(ctx context.Context, tenantID, sessionID string) (float64, error) {
	events, err := c.store.TailEvents(ctx, tenantID, sessionID, c.cfg.Window)
	if err != nil {
		return 0, err
	}
	var score float64
	for i := range events {
		score += riskWeight(&events[i])
	}
	return score, nil
}

func (c *Coordinator) handle(ctx context.Context, n Notification) {
	// Only denials move the score; no point re-scoring on allows.
	if n.Decision != core.DecisionDeny && n.Kind != core.EventKill {
		return
	}
	score, err := c.Score(ctx, n.TenantID, n.SessionID)
	if err != nil {
		c.logger.Printf("⚠️ risk scoring failed for session %s: %v", n.SessionID, err)
		return
	}
	if score < c.cfg.DenyThreshold {
		return
	}
	c.Trigger(ctx, n.SessionID, n.TenantID,
		fmt.Sprintf("risk score %.1f exceeded threshold %.1f", score, c.cfg.DenyThreshold), score)
}

// Trigger runs the containment playbook for a session. Safe to call
// concurrently and repeatedly: the active-incident index reduces racing
// triggers to one winner, and observers resume from the winner's state.
func (c *Coordinator) Trigger(ctx context.Context, sessionID, tenantID, reason string, score float64) *core.Incident {
	inc, created, err := c.store.CreateIncident(ctx, sessionID, tenantID, reason, score, core.IncidentQuarantined)
	if err != nil {
		c.logger.Printf("⚠️ incident creation failed for session %s: %v", sessionID, err)
		return nil
	}
	if created {
		c.logger.Printf("🚨 quarantine triggered: session=%s incident=%s score=%.1f", sessionID, inc.IncidentID, score)
		metrics.Quarantines.WithLabelValues(tenantID).Inc()
		c.step(ctx, inc.IncidentID, "incident_created", reason)
		c.appendTrace(ctx, inc, core.EventQuarantine, reason)
		c.alert("quarantine.triggered", tenantID, map[string]interface{}{
			"incident_id": inc.IncidentID,
			"session_id":  sessionID,
			"reason":      reason,
			"score":       score,
		})
	}
	if inc.State == core.IncidentQuarantined {
		c.contain(ctx, inc)
	}
	return inc
}

// contain executes the kill + revoke sub-steps and settles the terminal-ward
// state. Every sub-step is idempotent so re-entry after a crash replays
// safely.
func (c *Coordinator) contain(ctx context.Context, inc *core.Incident) {
	if err := c.kill.Kill(ctx, core.ScopeSession, inc.SessionID, "quarantine: "+inc.Reason, "quarantine-coordinator"); err != nil {
		c.fail(ctx, inc, "session_kill_failed", err)
		return
	}
	c.step(ctx, inc.IncidentID, "session_killed", "")

	ids, err := c.broker.RevokeSession(ctx, inc.SessionID, "quarantine")
	if err != nil {
		c.fail(ctx, inc, "revocation_failed", err)
		return
	}
	newRevocations := 0
	for _, credID := range ids {
		inserted, rerr := c.store.RecordRevocation(ctx, inc.IncidentID, credID, "quarantine")
		if rerr != nil {
			c.fail(ctx, inc, "revocation_record_failed", rerr)
			return
		}
		if inserted {
			newRevocations++
			c.appendTrace(ctx, inc, core.EventRevocation, "credential "+credID+" revoked")
		}
	}
	c.step(ctx, inc.IncidentID, "credentials_revoked", fmt.Sprintf("%d credentials", newRevocations))

	if err := c.store.UpdateIncidentState(ctx, inc.IncidentID, core.IncidentQuarantined, core.IncidentRevoked); err != nil {
		// A concurrent worker already advanced it; that is the exactly-once
		// path, not a failure.
		if core.KindOf(err) != core.KindConflict {
			c.fail(ctx, inc, "state_transition_failed", err)
		}
		return
	}
	c.step(ctx, inc.IncidentID, "revoked", "")
	c.logger.Printf("🔒 containment complete: incident=%s session=%s", inc.IncidentID, inc.SessionID)
}

func (c *Coordinator) fail(ctx context.Context, inc *core.Incident, step string, cause error) {
	c.logger.Printf("❌ containment step %s failed for incident %s: %v", step, inc.IncidentID, cause)
	c.step(ctx, inc.IncidentID, step, cause.Error())
	if err := c.store.UpdateIncidentState(ctx, inc.IncidentID, core.IncidentQuarantined, core.IncidentFailed); err != nil {
		c.logger.Printf("⚠️ could not mark incident %s failed: %v", inc.IncidentID, err)
	}
}

// Release performs the operator-invoked revoked → released transition,
// clears the session kill-switch and records the releasing principal.
// Capability checks happen at the API layer; releasedBy is audit data.
func (c *Coordinator) Release(ctx context.Context, incidentID, releasedBy string) (*core.Incident, error) {
	inc, err := c.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.State != core.IncidentRevoked {
		return nil, core.EHint(core.KindConflict,
			fmt.Sprintf("incident is %s, only revoked incidents can be released", inc.State),
			"wait for containment to finish or investigate a failed incident")
	}
	if err := c.store.UpdateIncidentState(ctx, incidentID, core.IncidentRevoked, core.IncidentReleased); err != nil {
		return nil, err
	}
	if err := c.kill.Clear(ctx, core.ScopeSession, inc.SessionID, releasedBy); err != nil {
		c.logger.Printf("⚠️ kill clear failed during release of %s: %v", incidentID, err)
	}
	c.step(ctx, incidentID, "released", "by "+releasedBy)
	c.appendTrace(ctx, inc, core.EventRelease, "released by "+releasedBy)
	c.alert("incident.released", inc.TenantID, map[string]interface{}{
		"incident_id": incidentID,
		"session_id":  inc.SessionID,
		"released_by": releasedBy,
	})
	c.logger.Printf("✅ incident released: incident=%s session=%s by=%s", incidentID, inc.SessionID, releasedBy)
	return c.store.GetIncident(ctx, incidentID)
}

func (c *Coordinator) alert(event, tenantID string, data map[string]interface{}) {
	if c.cfg.Alert != nil {
		c.cfg.Alert(event, tenantID, data)
	}
}

// recover resumes incidents stranded in non-terminal states by a crash.
func (c *Coordinator) recover(ctx context.Context) {
	incidents, err := c.store.ListNonTerminalIncidents(ctx)
	if err != nil {
		c.logger.Printf("⚠️ recovery scan failed: %v", err)
		return
	}
	for i := range incidents {
		inc := incidents[i]
		switch inc.State {
		case core.IncidentOpen, core.IncidentQuarantined:
			c.logger.Printf("🔁 resuming incident %s (state=%s)", inc.IncidentID, inc.State)
			if inc.State == core.IncidentOpen {
				if err := c.store.UpdateIncidentState(ctx, inc.IncidentID, core.IncidentOpen, core.IncidentQuarantined); err != nil {
					continue
				}
				inc.State = core.IncidentQuarantined
			}
			c.contain(ctx, &inc)
		case core.IncidentRevoked:
			// Contained and awaiting operator release; nothing to do.
		}
	}
	if len(incidents) > 0 {
		c.logger.Printf("recovery scan processed %d incidents", len(incidents))
	}
}

func (c *Coordinator) step(ctx context.Context, incidentID, step, detail string) {
	if err := c.store.AddIncidentEvent(ctx, incidentID, step, detail); err != nil {
		c.logger.Printf("⚠️ timeline append failed (%s/%s): %v", incidentID, step, err)
	}
}

func (c *Coordinator) appendTrace(ctx context.Context, inc *core.Incident, kind core.EventKind, reason string) {
	_, err := c.store.AppendEvent(ctx, &core.TraceEvent{
		SessionID: inc.SessionID,
		TenantID:  inc.TenantID,
		Kind:      kind,
		Reason:    reason,
		Payload:   map[string]interface{}{"incident_id": inc.IncidentID},
	})
	if err != nil {
		c.logger.Printf("⚠️ trace append failed for incident %s: %v", inc.IncidentID, err)
	}
}
