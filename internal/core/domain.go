// Package core holds the domain model shared by every AgentGate component:
// sessions, trace events, incidents, kill switches, policy packages,
// rollouts and the error taxonomy.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ============================================================================
// DECISIONS & TRACE EVENTS
// ============================================================================

// Decision is the outcome of policy evaluation for one tool call.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// EventKind categorizes a trace event.
type EventKind string

const (
	EventToolCall   EventKind = "tool_call"
	EventDecision   EventKind = "decision"
	EventKill       EventKind = "kill"
	EventRevocation EventKind = "revocation"
	EventQuarantine EventKind = "quarantine"
	EventRelease    EventKind = "release"
	EventApproval   EventKind = "approval"
	EventReload     EventKind = "reload"
	EventRollout    EventKind = "rollout"
	EventHealth     EventKind = "health"
	EventSLO        EventKind = "slo"
	EventRetention  EventKind = "retention"
)

// RateLimitSnapshot captures the limiter state observed for one request.
type RateLimitSnapshot struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetUnix int64 `json:"reset"`
}

// TraceEvent is one immutable entry in a session's append-only log.
// EventID is dense and strictly increasing within a session; assignment is
// owned by the trace store.
type TraceEvent struct {
	EventID       int64                  `json:"event_id"`
	SessionID     string                 `json:"session_id"`
	TenantID      string                 `json:"tenant_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Kind          EventKind              `json:"kind"`
	ToolName      string                 `json:"tool_name,omitempty"`
	Decision      Decision               `json:"decision,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	PolicyVersion string                 `json:"policy_version,omitempty"`
	RateLimit     *RateLimitSnapshot     `json:"rate_limit,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	IntegrityHash string                 `json:"integrity_hash"`
}

// Canonical returns the deterministic byte representation used for both the
// integrity hash and Merkle leaves. The integrity hash itself is excluded.
func (e *TraceEvent) Canonical() []byte {
	cp := *e
	cp.IntegrityHash = ""
	data, _ := json.Marshal(cp)
	return data
}

// ComputeIntegrityHash returns the SHA-256 hex digest of the canonical event.
func (e *TraceEvent) ComputeIntegrityHash() string {
	sum := sha256.Sum256(e.Canonical())
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether the stored hash matches the event content.
func (e *TraceEvent) VerifyIntegrity() bool {
	return e.IntegrityHash == e.ComputeIntegrityHash()
}

// ============================================================================
// SESSIONS
// ============================================================================

// Session is one logical conversation between an agent and the gateway.
// TenantID is bound on first call and immutable for the session's lifetime.
type Session struct {
	SessionID      string     `json:"session_id"`
	TenantID       string     `json:"tenant_id"`
	CreatedAt      time.Time  `json:"created_at"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
	LegalHold      bool       `json:"legal_hold"`
}

// ============================================================================
// KILL SWITCHES
// ============================================================================

// KillScope identifies which containment flag a record belongs to.
type KillScope string

const (
	ScopeSession KillScope = "session"
	ScopeTool    KillScope = "tool"
	ScopeGlobal  KillScope = "global"
)

// KillRecord is the shared-store representation of one kill-switch flag.
type KillRecord struct {
	Scope  KillScope `json:"scope"`
	Target string    `json:"target"` // session id, tool name, or "*" for global
	Reason string    `json:"reason"`
	SetBy  string    `json:"set_by"`
	SetAt  time.Time `json:"set_at"`
}

// ============================================================================
// INCIDENTS
// ============================================================================

// IncidentState tracks the quarantine lifecycle of a session.
type IncidentState string

const (
	IncidentOpen        IncidentState = "open"
	IncidentQuarantined IncidentState = "quarantined"
	IncidentRevoked     IncidentState = "revoked"
	IncidentReleased    IncidentState = "released"
	IncidentFailed      IncidentState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s IncidentState) Terminal() bool {
	return s == IncidentReleased || s == IncidentFailed
}

// Incident is the durable record of one quarantine decision. At most one
// non-terminal incident may exist per session at any instant.
type Incident struct {
	IncidentID string        `json:"incident_id"`
	SessionID  string        `json:"session_id"`
	TenantID   string        `json:"tenant_id"`
	State      IncidentState `json:"state"`
	Reason     string        `json:"reason"`
	RiskScore  float64       `json:"risk_score"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ============================================================================
// POLICY PACKAGES & ROLLOUTS
// ============================================================================

// PolicyPackage is an immutable, content-addressed rule bundle for one
// tenant version. BundleHash must equal the digest of Bundle and Signature
// must verify against the configured key for Signer.
type PolicyPackage struct {
	TenantID   string          `json:"tenant_id"`
	Version    string          `json:"version"`
	BundleHash string          `json:"bundle_hash"`
	Signer     string          `json:"signer"`
	Signature  string          `json:"signature"`
	Bundle     json.RawMessage `json:"bundle"`
}

// ComputeBundleHash returns the SHA-256 hex digest over the bundle bytes.
func (p *PolicyPackage) ComputeBundleHash() string {
	sum := sha256.Sum256(p.Bundle)
	return hex.EncodeToString(sum[:])
}

// RolloutState tracks the staged promotion of a candidate package.
type RolloutState string

const (
	RolloutQueued     RolloutState = "queued"
	RolloutCanary     RolloutState = "canary"
	RolloutPromoting  RolloutState = "promoting"
	RolloutCompleted  RolloutState = "completed"
	RolloutRolledBack RolloutState = "rolled_back"
)

// Terminal reports whether the rollout admits no further transitions.
func (s RolloutState) Terminal() bool {
	return s == RolloutCompleted || s == RolloutRolledBack
}

// Rollout is the ordered promotion of a candidate package for a tenant.
type Rollout struct {
	RolloutID        string       `json:"rollout_id"`
	TenantID         string       `json:"tenant_id"`
	CandidateVersion string       `json:"candidate_version"`
	PreviousVersion  string       `json:"previous_version"`
	State            RolloutState `json:"state"`
	Verdict          string       `json:"verdict,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ============================================================================
// EVIDENCE & TRANSPARENCY
// ============================================================================

// EvidenceArchive is a write-once copy of an exported evidence pack.
type EvidenceArchive struct {
	SessionID     string                 `json:"session_id"`
	Format        string                 `json:"format"`
	IntegrityHash string                 `json:"integrity_hash"`
	Payload       []byte                 `json:"-"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// TransparencyCheckpoint is a persisted Merkle root for a session,
// optionally anchored to an external witness.
type TransparencyCheckpoint struct {
	SessionID    string    `json:"session_id"`
	RootHash     string    `json:"root_hash"`
	AnchorSource string    `json:"anchor_source"`
	Receipt      string    `json:"receipt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
