package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/backend/internal/core"
)

type adminContextKey struct{}

// Principal returns the authenticated operator name for audit trails.
func Principal(ctx context.Context) string {
	if claims, ok := ctx.Value(adminContextKey{}).(*adminClaims); ok {
		return claims.Subject
	}
	return "legacy-admin"
}

// Role scopes an admin credential to one operation domain.
type Role string

const (
	RolePolicy    Role = "policy_admin"
	RoleIncident  Role = "incident_admin"
	RoleRollout   Role = "rollout_admin"
	RoleRetention Role = "retention_admin"
)

type adminClaims struct {
	Subject string `json:"sub"`
	Roles   []Role `json:"roles"`
	Expires int64  `json:"exp"`
}

// AdminAuth verifies operator credentials: HMAC-signed role tokens on the
// Authorization header, or the legacy shared key header when explicitly
// enabled.
type AdminAuth struct {
	secret      []byte
	legacyKey   string
	allowLegacy bool
}

// NewAdminAuth creates the verifier. legacyKey is only honored when
// allowLegacy is set.
func NewAdminAuth(secret string, legacyKey string, allowLegacy bool) *AdminAuth {
	return &AdminAuth{secret: []byte(secret), legacyKey: legacyKey, allowLegacy: allowLegacy}
}

// MintToken issues a role token. Used by the operator CLI and by tests.
func (a *AdminAuth) MintToken(subject string, ttl time.Duration, roles ...Role) string {
	claims, _ := json.Marshal(adminClaims{
		Subject: subject,
		Roles:   roles,
		Expires: time.Now().Add(ttl).Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return payload + "." + a.sign(payload)
}

func (a *AdminAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verify returns the claims for a well-formed, unexpired, signed token.
func (a *AdminAuth) verify(token string) (*adminClaims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 {
		return nil, core.E(core.KindUnauthenticated, "malformed admin token")
	}
	payload, sig := token[:dot], token[dot+1:]
	if !hmac.Equal([]byte(a.sign(payload)), []byte(sig)) {
		return nil, core.E(core.KindUnauthenticated, "admin token signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, core.E(core.KindUnauthenticated, "malformed admin token")
	}
	var claims adminClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, core.E(core.KindUnauthenticated, "malformed admin token")
	}
	if claims.Expires > 0 && time.Now().Unix() > claims.Expires {
		return nil, core.E(core.KindUnauthenticated, "admin token expired")
	}
	return &claims, nil
}

// Require wraps a handler with the role check for one operation domain.
func (a *AdminAuth) Require(role Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.allowLegacy && a.legacyKey != "" && r.Header.Get("X-Admin-Key") == a.legacyKey {
			next(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, core.EHint(core.KindUnauthenticated,
				"admin credential is required",
				"send Authorization: Bearer <role token>"))
			return
		}
		claims, err := a.verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, have := range claims.Roles {
			if have == role {
				next(w, r.WithContext(context.WithValue(r.Context(), adminContextKey{}, claims)))
				return
			}
		}
		writeError(w, core.EHint(core.KindForbidden,
			"credential lacks the "+string(role)+" role",
			"mint a token carrying the required role"))
	}
}
