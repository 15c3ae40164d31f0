// Package gateway runs the mediation pipeline for one tool call: session
// binding, kill-switch check, quarantine check, rate limit, policy
// evaluation, credential issuance, invocation. Every call leaves exactly one
// terminal decision event in the trace, and a call is never executed unless
// that decision was durably recorded first.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/invoker"
	"github.com/agentgate/backend/internal/killswitch"
	"github.com/agentgate/backend/internal/metrics"
	"github.com/agentgate/backend/internal/policy"
	"github.com/agentgate/backend/internal/quarantine"
	"github.com/agentgate/backend/internal/ratelimit"
	"github.com/agentgate/backend/internal/trace"
)

// Request is one mediated tool call. TenantID comes from the authenticated
// API key, never from the request body.
type Request struct {
	SessionID     string                 `json:"session_id"`
	ToolName      string                 `json:"tool_name"`
	Arguments     map[string]interface{} `json:"arguments"`
	ApprovalToken string                 `json:"approval_token,omitempty"`

	TenantID string `json:"-"`
}

// Response is the outcome of an allowed, executed call.
type Response struct {
	Decision      core.Decision           `json:"decision"`
	Reason        string                  `json:"reason"`
	PolicyVersion string                  `json:"policy_version,omitempty"`
	RateLimit     *core.RateLimitSnapshot `json:"rate_limit,omitempty"`
	EventID       int64                   `json:"event_id"`
	Output        map[string]interface{}  `json:"output,omitempty"`
	DurationMS    int64                   `json:"duration_ms"`
}

// Observer receives the decision stream; the quarantine coordinator
// satisfies it.
type Observer interface {
	Observe(n quarantine.Notification) bool
}

// Publisher receives committed trace events for live streaming.
type Publisher interface {
	Publish(e *core.TraceEvent)
}

// LatencySink records request outcomes for SLO accounting.
type LatencySink interface {
	Observe(tenantID string, ok bool, latency time.Duration)
}

// Pipeline wires the mediation stages together.
type Pipeline struct {
	store    *trace.Store
	kill     *killswitch.Controller
	limiter  *ratelimit.Limiter
	engine   *policy.Engine
	broker   broker.Broker
	invoker  invoker.Invoker
	observer Observer
	publish  Publisher
	slo      LatencySink
	credTTL  time.Duration
	logger   *log.Logger
}

// Config assembles a pipeline. Observer, Publisher and LatencySink are
// optional.
type Config struct {
	Store    *trace.Store
	Kill     *killswitch.Controller
	Limiter  *ratelimit.Limiter
	Engine   *policy.Engine
	Broker   broker.Broker
	Invoker  invoker.Invoker
	Observer Observer
	Publish  Publisher
	SLO      LatencySink

	// CredentialTTL bounds issued credentials (default 2m).
	CredentialTTL time.Duration
}

// New creates the pipeline.
func New(cfg Config) *Pipeline {
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = 2 * time.Minute
	}
	return &Pipeline{
		store:    cfg.Store,
		kill:     cfg.Kill,
		limiter:  cfg.Limiter,
		engine:   cfg.Engine,
		broker:   cfg.Broker,
		invoker:  cfg.Invoker,
		observer: cfg.Observer,
		publish:  cfg.Publish,
		slo:      cfg.SLO,
		credTTL:  cfg.CredentialTTL,
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// CallTool mediates one tool invocation end to end.
func (p *Pipeline) CallTool(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := p.callTool(ctx, req)

	elapsed := time.Since(start)
	metrics.RequestDuration.WithLabelValues(req.TenantID).Observe(elapsed.Seconds())
	if p.slo != nil {
		// Policy denials are the gateway working as intended; only
		// infrastructure failures count against availability.
		failed := err != nil && isInfrastructureFailure(core.KindOf(err))
		p.slo.Observe(req.TenantID, !failed, elapsed)
	}
	return resp, err
}

func isInfrastructureFailure(kind core.ErrorKind) bool {
	switch kind {
	case core.KindUnavailable, core.KindTraceWriteFailed, core.KindPolicyUnavailable,
		core.KindBrokerFailed, core.KindToolFailure, core.KindInternal:
		return true
	}
	return false
}

func (p *Pipeline) callTool(ctx context.Context, req *Request) (*Response, error) {
	if req.ToolName == "" {
		return nil, core.E(core.KindValidation, "tool_name is required")
	}
	if _, err := p.store.EnsureSession(ctx, req.SessionID, req.TenantID); err != nil {
		return nil, err
	}

	// The call itself enters the trace before any gate runs; if the store
	// cannot record it, nothing executes.
	if err := p.appendToolCall(ctx, req); err != nil {
		metrics.TraceAppendFailures.Inc()
		return nil, err
	}

	// Kill switch: global, then tool, then session.
	killRec, err := p.kill.Check(ctx, req.SessionID, req.ToolName)
	if err != nil {
		metrics.KillChecks.WithLabelValues("degraded").Inc()
		return nil, p.deny(ctx, req, core.Wrap(core.KindUnavailable,
			"kill-switch state unknown, refusing to execute", err), nil)
	}
	if killRec != nil {
		metrics.KillChecks.WithLabelValues("blocked").Inc()
		return nil, p.deny(ctx, req, core.EHint(core.KindKillSwitchActive,
			"kill switch is active: "+string(killRec.Scope),
			"an operator must clear the kill switch before calls resume"), nil)
	}
	metrics.KillChecks.WithLabelValues("clear").Inc()

	// Quarantined sessions stay contained until an operator releases them.
	inc, err := p.store.ActiveIncident(ctx, req.SessionID)
	if err != nil {
		return nil, p.deny(ctx, req, core.Wrap(core.KindUnavailable,
			"quarantine state unknown, refusing to execute", err), nil)
	}
	if inc != nil {
		return nil, p.deny(ctx, req, core.EHint(core.KindQuarantined,
			"session is quarantined under incident "+inc.IncidentID,
			"an operator must release the incident before calls resume"), nil)
	}

	snapshot, err := p.limiter.Allow(ctx, req.TenantID, req.SessionID, req.ToolName)
	if err != nil {
		metrics.RateLimited.WithLabelValues(req.TenantID).Inc()
		return nil, p.deny(ctx, req, err, snapshot)
	}

	verdict, err := p.engine.Evaluate(ctx, policy.Input{
		ToolName:         req.ToolName,
		SessionID:        req.SessionID,
		TenantID:         req.TenantID,
		Arguments:        req.Arguments,
		HasApprovalToken: req.ApprovalToken != "",
	})
	if err != nil {
		return nil, p.deny(ctx, req, err, snapshot)
	}

	switch verdict.Decision {
	case core.DecisionDeny:
		return nil, p.denyVerdict(ctx, req, verdict, snapshot)
	case core.DecisionRequireApproval:
		ev := p.appendDecision(ctx, req, core.DecisionRequireApproval, verdict.Reason,
			verdict.PolicyVersion, snapshot, string(core.KindApprovalRequired))
		p.notify(req, core.DecisionRequireApproval, verdict.Reason, ev)
		return nil, core.EHint(core.KindApprovalRequired,
			"tool requires human approval: "+verdict.Reason,
			"retry with a valid approval_token")
	case core.DecisionAllow:
		// fall through
	default:
		return nil, p.deny(ctx, req, core.E(core.KindPolicyDenied,
			"evaluator returned unknown decision, failing closed"), snapshot)
	}

	cred, err := p.broker.Issue(ctx, req.SessionID, req.ToolName, "invoke:"+req.ToolName, p.credTTL)
	if err != nil {
		return nil, p.deny(ctx, req, err, snapshot)
	}
	metrics.CredentialsIssued.WithLabelValues(req.ToolName).Inc()

	// The ALLOW decision must be durable before the side effect happens. A
	// failed append revokes the credential and refuses the call.
	ev, appendErr := p.tryAppendDecision(ctx, req, core.DecisionAllow, verdict.Reason,
		verdict.PolicyVersion, snapshot, "")
	if appendErr != nil {
		metrics.TraceAppendFailures.Inc()
		if rerr := p.broker.RevokeCredential(ctx, cred.CredentialID, "trace write failed"); rerr == nil {
			metrics.CredentialsRevoked.Inc()
		}
		return nil, core.Wrap(core.KindTraceWriteFailed,
			"decision could not be recorded, refusing to execute", appendErr)
	}
	metrics.Decisions.WithLabelValues(req.TenantID, string(core.DecisionAllow), verdict.RuleID).Inc()

	result, err := p.invoker.Invoke(ctx, &invoker.Request{
		SessionID:  req.SessionID,
		TenantID:   req.TenantID,
		ToolName:   req.ToolName,
		Arguments:  req.Arguments,
		Credential: cred,
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Decision:      core.DecisionAllow,
		Reason:        verdict.Reason,
		PolicyVersion: verdict.PolicyVersion,
		RateLimit:     snapshot,
		Output:        result.Output,
		DurationMS:    result.DurationMS,
	}
	if ev != nil {
		resp.EventID = ev.EventID
	}
	return resp, nil
}

// deny records the terminal DENY decision for a typed error and returns the
// error unchanged.
func (p *Pipeline) deny(ctx context.Context, req *Request, cause error, snapshot *core.RateLimitSnapshot) error {
	kind := core.KindOf(cause)
	reason := cause.Error()
	ev := p.appendDecision(ctx, req, core.DecisionDeny, reason, p.engine.ActiveVersion(), snapshot, string(kind))
	metrics.Decisions.WithLabelValues(req.TenantID, string(core.DecisionDeny), string(kind)).Inc()
	p.notify(req, core.DecisionDeny, reason, ev)
	return cause
}

// denyVerdict records a policy DENY and converts it to the typed error the
// API layer maps to 403.
func (p *Pipeline) denyVerdict(ctx context.Context, req *Request, verdict *policy.Result, snapshot *core.RateLimitSnapshot) error {
	ev := p.appendDecision(ctx, req, core.DecisionDeny, verdict.Reason,
		verdict.PolicyVersion, snapshot, string(core.KindPolicyDenied))
	metrics.Decisions.WithLabelValues(req.TenantID, string(core.DecisionDeny), verdict.RuleID).Inc()
	p.notify(req, core.DecisionDeny, verdict.Reason, ev)
	return core.E(core.KindPolicyDenied, "policy denied "+req.ToolName+": "+verdict.Reason)
}

func (p *Pipeline) appendToolCall(ctx context.Context, req *Request) error {
	ev, err := p.store.AppendEvent(ctx, &core.TraceEvent{
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
		Kind:      core.EventToolCall,
		ToolName:  req.ToolName,
		Payload:   map[string]interface{}{"arguments": req.Arguments},
	})
	if err != nil {
		return core.Wrap(core.KindTraceWriteFailed,
			"tool call could not be recorded, refusing to execute", err)
	}
	if p.publish != nil {
		p.publish.Publish(ev)
	}
	return nil
}

func (p *Pipeline) tryAppendDecision(ctx context.Context, req *Request, d core.Decision,
	reason, version string, snapshot *core.RateLimitSnapshot, errorKind string) (*core.TraceEvent, error) {
	ev := &core.TraceEvent{
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		Kind:          core.EventDecision,
		ToolName:      req.ToolName,
		Decision:      d,
		Reason:        reason,
		PolicyVersion: version,
		RateLimit:     snapshot,
	}
	if errorKind != "" {
		ev.Payload = map[string]interface{}{"error_kind": errorKind}
	}
	committed, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if p.publish != nil {
		p.publish.Publish(committed)
	}
	return committed, nil
}

// appendDecision is the best-effort variant for the deny paths: the call is
// already refused, a failed append must not mask the original cause.
func (p *Pipeline) appendDecision(ctx context.Context, req *Request, d core.Decision,
	reason, version string, snapshot *core.RateLimitSnapshot, errorKind string) *core.TraceEvent {
	ev, err := p.tryAppendDecision(ctx, req, d, reason, version, snapshot, errorKind)
	if err != nil {
		metrics.TraceAppendFailures.Inc()
		p.logger.Printf("⚠️ decision append failed for session=%s: %v", req.SessionID, err)
		return nil
	}
	return ev
}

func (p *Pipeline) notify(req *Request, d core.Decision, reason string, ev *core.TraceEvent) {
	if p.observer == nil || ev == nil {
		return
	}
	p.observer.Observe(quarantine.Notification{
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
		Decision:  d,
		Reason:    reason,
		Kind:      ev.Kind,
	})
}
