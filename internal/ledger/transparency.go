package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/trace"
)

// Anchorer submits a session root to an external witness and returns a
// receipt. Implementations must be idempotent per (session, root).
type Anchorer interface {
	Anchor(ctx context.Context, sessionID, rootHash string) (receipt string, err error)
	Source() string
}

// Log computes session roots, persists checkpoints and drives anchoring.
type Log struct {
	store          *trace.Store
	anchorer       Anchorer
	allowedSchemes map[string]bool
	logger         *log.Logger
}

// Config for the transparency log.
type Config struct {
	// Anchorer is optional; without one checkpoints record source "local".
	Anchorer Anchorer
	// AllowedSchemes restricts anchor URLs (default https only).
	AllowedSchemes []string
}

// New creates the transparency log.
func New(store *trace.Store, cfg Config) *Log {
	schemes := map[string]bool{}
	if len(cfg.AllowedSchemes) == 0 {
		schemes["https"] = true
	}
	for _, s := range cfg.AllowedSchemes {
		schemes[s] = true
	}
	return &Log{
		store:          store,
		anchorer:       cfg.Anchorer,
		allowedSchemes: schemes,
		logger:         log.New(log.Writer(), "[TRANSPARENCY] ", log.LstdFlags),
	}
}

// BuildTree loads a session's events and returns the tree with the events
// it was built from, so callers can pair proofs with event content.
func (l *Log) BuildTree(ctx context.Context, tenantID, sessionID string) (*Tree, []core.TraceEvent, error) {
	events, err := l.store.ListEvents(ctx, tenantID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, core.E(core.KindNotFound, "session has no trace events")
	}
	return Build(events), events, nil
}

// Checkpoint computes the session root, writes the write-once checkpoint
// row and, when an anchorer is configured, submits the root for witnessing.
// Re-running for an unchanged log returns the stored checkpoint.
func (l *Log) Checkpoint(ctx context.Context, tenantID, sessionID string) (*core.TransparencyCheckpoint, error) {
	tree, _, err := l.BuildTree(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	source := "local"
	receipt := ""
	if l.anchorer != nil {
		source = l.anchorer.Source()
		receipt, err = l.anchorer.Anchor(ctx, sessionID, tree.Root())
		if err != nil {
			return nil, core.Wrap(core.KindUnavailable, "anchor submission failed", err)
		}
	}

	cp, err := l.store.SaveCheckpoint(ctx, &core.TransparencyCheckpoint{
		SessionID:    sessionID,
		RootHash:     tree.Root(),
		AnchorSource: source,
		Receipt:      receipt,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Printf("🌲 checkpoint: session=%s root=%.12s source=%s leaves=%d", sessionID, cp.RootHash, source, tree.Size())
	return cp, nil
}

// ProveEvent returns the inclusion proof for one event id.
func (l *Log) ProveEvent(ctx context.Context, tenantID, sessionID string, eventID int64) (*InclusionProof, error) {
	tree, events, err := l.BuildTree(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].EventID == eventID {
			return tree.Prove(i, eventID)
		}
	}
	return nil, core.E(core.KindNotFound, "event not found in session log")
}

// NewHTTPAnchorer builds an anchorer that POSTs roots to an external
// witness. The URL scheme must be on the allowlist; anything else is a
// configuration error, fail-closed.
func (l *Log) NewHTTPAnchorer(anchorURL string) (Anchorer, error) {
	u, err := url.Parse(anchorURL)
	if err != nil {
		return nil, core.Wrap(core.KindValidation, "parse anchor URL", err)
	}
	if !l.allowedSchemes[u.Scheme] {
		return nil, core.EHint(core.KindValidation,
			fmt.Sprintf("anchor URL scheme %q is not allowed", u.Scheme),
			"configure ANCHOR_ALLOWED_SCHEMES to extend the allowlist")
	}
	return &httpAnchorer{
		url:    anchorURL,
		source: u.Host,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type httpAnchorer struct {
	url    string
	source string
	client *http.Client
}

func (a *httpAnchorer) Source() string { return a.source }

func (a *httpAnchorer) Anchor(ctx context.Context, sessionID, rootHash string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"root_hash":  rootHash,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("witness returned status %d", resp.StatusCode)
	}
	receipt, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	return string(receipt), nil
}
