package policy

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/agentgate/backend/internal/core"
)

// Evaluator is the decision interface the gateway consumes.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*Result, error)
}

// snapshot is one immutable loaded policy. The engine swaps whole snapshots;
// readers hold one for the duration of a request and never observe a
// half-applied reload.
type snapshot struct {
	version string
	doc     *Document
}

// Engine owns the active policy snapshot. When a remote evaluator is
// configured it decides; otherwise the builtin allowlist evaluator runs over
// the loaded document. Reloads are atomic: either the new bundle replaces
// the snapshot wholly or the previous one stays active.
type Engine struct {
	mu       sync.RWMutex
	current  *snapshot
	remote   Evaluator
	verifier *Verifier
	strict   bool
	logger   *log.Logger
}

// Config for the engine.
type Config struct {
	// Remote, when non-nil, delegates decisions to the external evaluator.
	Remote Evaluator
	// Verifier checks package provenance on reload.
	Verifier *Verifier
	// Strict refuses unsigned bundles entirely (required in production).
	Strict bool
}

// NewEngine creates an engine with no policy loaded. Until a bundle is
// loaded every builtin decision is DENY.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		remote:   cfg.Remote,
		verifier: cfg.Verifier,
		strict:   cfg.Strict,
		logger:   log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
}

// LoadFile loads an unsigned bundle from disk at startup. Refused in strict
// mode, where only verified packages may become active.
func (e *Engine) LoadFile(path string) error {
	if e.strict {
		return core.EHint(core.KindSignatureInvalid,
			"strict provenance mode refuses file bundles",
			"load a signed policy package instead")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return core.Wrap(core.KindInternal, "read policy file", err)
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	e.swap(&snapshot{version: doc.Version, doc: doc})
	e.logger.Printf("📦 policy loaded from file: version=%s tools=%d", doc.Version, len(doc.VisibleTools()))
	return nil
}

// LoadPackage verifies and activates a signed policy package. Any failure
// leaves the active policy unchanged.
func (e *Engine) LoadPackage(pkg *core.PolicyPackage) error {
	if e.verifier == nil {
		return core.E(core.KindSignatureInvalid, "no package verifier configured")
	}
	if err := e.verifier.VerifyPackage(pkg); err != nil {
		e.logger.Printf("⚠️ package rejected: tenant=%s version=%s: %v", pkg.TenantID, pkg.Version, err)
		return err
	}
	doc, err := ParseDocument(pkg.Bundle)
	if err != nil {
		return err
	}
	e.swap(&snapshot{version: pkg.Version, doc: doc})
	e.logger.Printf("✅ policy package activated: tenant=%s version=%s", pkg.TenantID, pkg.Version)
	return nil
}

// Reload re-reads the given file bundle. Identical atomicity contract as
// LoadFile; used by the admin reload endpoint in non-strict deployments.
func (e *Engine) Reload(path string) error {
	return e.LoadFile(path)
}

func (e *Engine) swap(s *snapshot) {
	e.mu.Lock()
	e.current = s
	e.mu.Unlock()
}

func (e *Engine) load() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// ActiveVersion returns the loaded policy version, or "".
func (e *Engine) ActiveVersion() string {
	if s := e.load(); s != nil {
		return s.version
	}
	return ""
}

// VisibleTools lists tools grantable under the active policy.
func (e *Engine) VisibleTools() ([]string, error) {
	s := e.load()
	if s == nil {
		return nil, core.E(core.KindPolicyUnavailable, "no policy loaded")
	}
	return s.doc.VisibleTools(), nil
}

// Evaluate returns the decision for one tool call. Remote evaluation wins
// when configured; the builtin allowlist evaluator is the fallback-free
// default for self-contained deployments.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if e.remote != nil {
		res, err := e.remote.Evaluate(ctx, in)
		if err != nil {
			return nil, err
		}
		if res.PolicyVersion == "" {
			res.PolicyVersion = e.ActiveVersion()
		}
		return res, nil
	}
	return e.evaluateBuiltin(in)
}

func (e *Engine) evaluateBuiltin(in Input) (*Result, error) {
	s := e.load()
	if s == nil {
		return nil, core.E(core.KindPolicyUnavailable, "no policy loaded")
	}

	res := &Result{PolicyVersion: s.version}
	switch {
	case contains(s.doc.DeniedTools, in.ToolName):
		res.Decision = core.DecisionDeny
		res.Reason = "tool is explicitly denied"
		res.RuleID = "denied_tools"
	case contains(s.doc.ReadOnlyTools, in.ToolName):
		res.Decision = core.DecisionAllow
		res.Reason = "tool is in the read-only allowlist"
		res.RuleID = "read_only_tools"
	case contains(s.doc.WriteTools, in.ToolName):
		if in.HasApprovalToken {
			res.Decision = core.DecisionAllow
			res.Reason = "write tool approved"
			res.RuleID = "write_tools_approved"
		} else {
			res.Decision = core.DecisionRequireApproval
			res.Reason = "write tool requires approval"
			res.RuleID = "write_tools"
		}
	default:
		res.Decision = core.DecisionDeny
		res.Reason = "tool is not in any allowlist"
		res.RuleID = "default_deny"
	}
	return res, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// MarshalDocument is a helper for tooling that needs canonical bundle bytes.
func MarshalDocument(doc *Document) json.RawMessage {
	b, _ := json.Marshal(doc)
	return b
}
