package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/backend/internal/core"
)

// credentialClaims are embedded in a token-service credential.
type credentialClaims struct {
	CredentialID string `json:"cid"`
	SessionID    string `json:"sid"`
	ToolName     string `json:"tool"`
	Scope        string `json:"scope"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
	Issuer       string `json:"iss"`
}

// TokenService issues short-lived HMAC-SHA256 signed credentials from local
// key material. Tokens are self-contained; revocation is tracked in an
// in-process set, so this variant suits single-replica deployments and
// development.
type TokenService struct {
	mu            sync.RWMutex
	secret        []byte
	issuer        string
	defaultTTL    time.Duration
	maxPerSession int

	// credential id → claims for live credentials
	active map[string]*credentialClaims
	// credential id → revocation time
	revoked map[string]time.Time
	// session → live credential count
	sessionCount map[string]int
}

// NewTokenService creates the token-service variant with config defaults.
func NewTokenService(cfg Config) *TokenService {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "agentgate"
	}
	if cfg.MaxPerSession == 0 {
		cfg.MaxPerSession = 50
	}
	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret = []byte("agentgate-dev-broker-secret")
	}
	return &TokenService{
		secret:        secret,
		issuer:        cfg.Issuer,
		defaultTTL:    cfg.DefaultTTL,
		maxPerSession: cfg.MaxPerSession,
		active:        make(map[string]*credentialClaims),
		revoked:       make(map[string]time.Time),
		sessionCount:  make(map[string]int),
	}
}

// Issue mints a signed credential bound to (session, tool, scope).
func (ts *TokenService) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*Credential, error) {
	if ttl <= 0 {
		ttl = ts.defaultTTL
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.sessionCount[sessionID] >= ts.maxPerSession {
		return nil, core.E(core.KindBrokerFailed,
			fmt.Sprintf("session has reached max live credentials (%d)", ts.maxPerSession))
	}

	now := time.Now().UTC()
	claims := &credentialClaims{
		CredentialID: "cred-" + uuid.NewString(),
		SessionID:    sessionID,
		ToolName:     toolName,
		Scope:        scope,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		Issuer:       ts.issuer,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "serialize credential claims", err)
	}

	mac := hmac.New(sha256.New, ts.secret)
	mac.Write(claimsJSON)
	token := base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	// Attribution binds session and token hash for downstream audit headers.
	tokenHash := sha256.Sum256([]byte(token))
	attribution := fmt.Sprintf("%s:%s:%d",
		sessionID, base64.RawURLEncoding.EncodeToString(tokenHash[:8]), now.Unix())

	ts.active[claims.CredentialID] = claims
	ts.sessionCount[sessionID]++

	return &Credential{
		CredentialID: claims.CredentialID,
		SessionID:    sessionID,
		ToolName:     toolName,
		Scope:        scope,
		Token:        token,
		Attribution:  attribution,
		ExpiresAt:    time.Unix(claims.ExpiresAt, 0).UTC(),
	}, nil
}

// Verify validates signature, expiry and revocation for a credential token.
func (ts *TokenService) Verify(token string) (*Credential, error) {
	dot := -1
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return nil, core.E(core.KindBrokerFailed, "invalid credential format")
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "invalid credential encoding", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "invalid signature encoding", err)
	}
	mac := hmac.New(sha256.New, ts.secret)
	mac.Write(claimsJSON)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, core.E(core.KindBrokerFailed, "invalid credential signature")
	}

	var claims credentialClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "invalid credential claims", err)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, core.E(core.KindBrokerFailed, "credential expired")
	}

	ts.mu.RLock()
	_, isRevoked := ts.revoked[claims.CredentialID]
	ts.mu.RUnlock()
	if isRevoked {
		return nil, core.E(core.KindBrokerFailed, "credential has been revoked")
	}

	return &Credential{
		CredentialID: claims.CredentialID,
		SessionID:    claims.SessionID,
		ToolName:     claims.ToolName,
		Scope:        claims.Scope,
		ExpiresAt:    time.Unix(claims.ExpiresAt, 0).UTC(),
	}, nil
}

// RevokeCredential moves one credential to the revocation set. Idempotent.
func (ts *TokenService) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if claims, ok := ts.active[credentialID]; ok {
		delete(ts.active, credentialID)
		if ts.sessionCount[claims.SessionID] > 0 {
			ts.sessionCount[claims.SessionID]--
		}
	}
	ts.revoked[credentialID] = time.Now().UTC()
	return nil
}

// RevokeSession revokes every live credential for a session.
func (ts *TokenService) RevokeSession(ctx context.Context, sessionID, reason string) ([]string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now().UTC()
	var ids []string
	for id, claims := range ts.active {
		if claims.SessionID == sessionID {
			delete(ts.active, id)
			ts.revoked[id] = now
			ids = append(ids, id)
		}
	}
	ts.sessionCount[sessionID] = 0
	return ids, nil
}

// SweepExpired removes expired credentials from the live set and ages out
// old revocation entries. Returns the number of credentials swept.
func (ts *TokenService) SweepExpired() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now().Unix()
	swept := 0
	for id, claims := range ts.active {
		if now > claims.ExpiresAt {
			delete(ts.active, id)
			if ts.sessionCount[claims.SessionID] > 0 {
				ts.sessionCount[claims.SessionID]--
			}
			swept++
		}
	}
	cutoff := time.Now().Add(-1 * time.Hour)
	for id, revokedAt := range ts.revoked {
		if revokedAt.Before(cutoff) {
			delete(ts.revoked, id)
		}
	}
	return swept
}

// Stats reports live counters for the monitoring surface.
func (ts *TokenService) Stats() map[string]interface{} {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return map[string]interface{}{
		"active_credentials":  len(ts.active),
		"revoked_credentials": len(ts.revoked),
		"tracked_sessions":    len(ts.sessionCount),
		"default_ttl_sec":     ts.defaultTTL.Seconds(),
	}
}
