// Package broker issues time-bound, scope-limited credentials for allowed
// tool calls and revokes them on quarantine or session termination. The
// variant is selected once at startup; all variants share the same
// capability surface and fail with typed broker_failed errors so the
// gateway can fail closed uniformly.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/agentgate/backend/internal/core"
)

// Credential is one issued, revocable grant.
type Credential struct {
	CredentialID string    `json:"credential_id"`
	SessionID    string    `json:"session_id"`
	ToolName     string    `json:"tool_name"`
	Scope        string    `json:"scope"`
	Token        string    `json:"token"`
	Attribution  string    `json:"attribution,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Broker is the capability surface every variant satisfies.
type Broker interface {
	// Issue mints a credential for one allowed tool call.
	Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*Credential, error)
	// RevokeCredential invalidates a single credential. Idempotent.
	RevokeCredential(ctx context.Context, credentialID, reason string) error
	// RevokeSession invalidates every live credential for a session and
	// returns their ids. Idempotent; a second call returns an empty list.
	RevokeSession(ctx context.Context, sessionID, reason string) ([]string, error)
}

// Kind selects a broker variant.
type Kind string

const (
	KindStub              Kind = "stub"
	KindTokenService      Kind = "token"
	KindHTTPExchange      Kind = "http"
	KindClientCredentials Kind = "client_credentials"
)

// Config carries the variant selection plus variant-specific material.
type Config struct {
	Kind Kind

	// Token service variant.
	HMACSecret    string
	Issuer        string
	DefaultTTL    time.Duration
	MaxPerSession int

	// HTTP exchange and client-credentials variants.
	URL          string
	ClientID     string
	ClientSecret string

	// RevocationURL is the RFC 7009 endpoint for the client-credentials
	// variant; empty leaves revocation to the token TTL.
	RevocationURL string
}

// New builds the configured variant.
func New(cfg Config) (Broker, error) {
	switch cfg.Kind {
	case KindStub, "":
		return NewStub(), nil
	case KindTokenService:
		return NewTokenService(cfg), nil
	case KindHTTPExchange:
		if cfg.URL == "" {
			return nil, core.E(core.KindInternal, "http broker requires a URL")
		}
		return NewHTTPExchange(cfg.URL), nil
	case KindClientCredentials:
		if cfg.URL == "" || cfg.ClientID == "" {
			return nil, core.E(core.KindInternal, "client-credentials broker requires a URL and client id")
		}
		return NewClientCredentials(cfg), nil
	default:
		return nil, core.E(core.KindInternal, fmt.Sprintf("unknown broker kind %q", cfg.Kind))
	}
}
