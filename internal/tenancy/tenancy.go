// Package tenancy authenticates tenant API keys and carries the resolved
// tenant through request contexts. Keys look like agw_<id>.<secret>; only a
// bcrypt hash of the secret half is ever stored.
package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/trace"
)

const keyPrefix = "agw_"

type contextKey string

const tenantContextKey contextKey = "agentgate.tenant"

// Identity is the authenticated caller.
type Identity struct {
	TenantID string
	KeyID    string
}

// WithIdentity stores the authenticated identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, tenantContextKey, id)
}

// FromContext returns the authenticated identity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(tenantContextKey).(*Identity)
	return id, ok
}

// Authenticator resolves API keys against the trace store.
type Authenticator struct {
	store *trace.Store
}

// NewAuthenticator creates an authenticator backed by the store.
func NewAuthenticator(store *trace.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Mint creates a new key for a tenant and returns the record plus the full
// plaintext key. The plaintext is shown exactly once; only its hash
// survives.
func (a *Authenticator) Mint(ctx context.Context, tenantID, name string) (*trace.APIKeyRecord, string, error) {
	if tenantID == "" {
		return nil, "", core.E(core.KindValidation, "tenant id is required")
	}
	id, err := randomHex(8)
	if err != nil {
		return nil, "", core.Wrap(core.KindInternal, "generate key id", err)
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, "", core.Wrap(core.KindInternal, "generate key secret", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", core.Wrap(core.KindInternal, "hash key secret", err)
	}

	rec := &trace.APIKeyRecord{
		KeyID:    id,
		TenantID: tenantID,
		Name:     name,
		KeyHash:  string(hash),
	}
	if err := a.store.CreateAPIKey(ctx, rec); err != nil {
		return nil, "", err
	}
	return rec, keyPrefix + id + "." + secret, nil
}

// Authenticate verifies a presented key and returns the caller identity.
// Every failure mode returns unauthenticated without detail.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*Identity, error) {
	id, secret, err := splitKey(presented)
	if err != nil {
		return nil, err
	}
	rec, err := a.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), []byte(secret)) != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid api key")
	}
	return &Identity{TenantID: rec.TenantID, KeyID: rec.KeyID}, nil
}

// Revoke deactivates a key for a tenant. The tenant check prevents one
// tenant revoking another's keys through a guessed id.
func (a *Authenticator) Revoke(ctx context.Context, tenantID, keyID string) error {
	rec, err := a.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if rec.TenantID != tenantID {
		return core.E(core.KindCrossTenant, "api key belongs to another tenant")
	}
	return a.store.RevokeAPIKey(ctx, keyID)
}

func splitKey(presented string) (id, secret string, err error) {
	if !strings.HasPrefix(presented, keyPrefix) {
		return "", "", core.E(core.KindUnauthenticated, "malformed api key")
	}
	rest := strings.TrimPrefix(presented, keyPrefix)
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return "", "", core.E(core.KindUnauthenticated, "malformed api key")
	}
	return rest[:dot], rest[dot+1:], nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
