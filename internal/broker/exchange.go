package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/retry"
)

// HTTPExchange talks to an external credential service over a simple
// request/response protocol: POST {base}/issue and POST {base}/revoke.
type HTTPExchange struct {
	base   string
	client *http.Client
}

// NewHTTPExchange creates the request/response exchange variant.
func NewHTTPExchange(base string) *HTTPExchange {
	return &HTTPExchange{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPExchange) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.Wrap(core.KindBrokerFailed, "encode broker request", err)
	}
	return retry.Do(ctx, retry.Once, func(ctx context.Context) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(payload))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/json")
		resp, rerr := h.client.Do(req)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("broker returned status %d", resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (h *HTTPExchange) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*Credential, error) {
	var cred Credential
	err := h.post(ctx, "/issue", map[string]interface{}{
		"session_id":  sessionID,
		"tool_name":   toolName,
		"scope":       scope,
		"ttl_seconds": int(ttl.Seconds()),
	}, &cred)
	if err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "credential issue failed", err)
	}
	if cred.CredentialID == "" || cred.Token == "" {
		return nil, core.E(core.KindBrokerFailed, "broker returned an incomplete credential")
	}
	return &cred, nil
}

func (h *HTTPExchange) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	err := h.post(ctx, "/revoke", map[string]string{
		"credential_id": credentialID,
		"reason":        reason,
	}, nil)
	if err != nil {
		return core.Wrap(core.KindBrokerFailed, "credential revoke failed", err)
	}
	return nil
}

func (h *HTTPExchange) RevokeSession(ctx context.Context, sessionID, reason string) ([]string, error) {
	var out struct {
		Revoked []string `json:"revoked"`
	}
	err := h.post(ctx, "/revoke", map[string]string{
		"session_id": sessionID,
		"reason":     reason,
	}, &out)
	if err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "session revoke failed", err)
	}
	return out.Revoked, nil
}

// ClientCredentials exchanges an OAuth2 client-credentials grant for a
// scoped access token. Issued tokens are tracked per session so quarantine
// can revoke them through an RFC 7009 revocation endpoint when one is
// configured; without one, containment falls back to short TTLs.
type ClientCredentials struct {
	tokenURL      string
	revocationURL string
	clientID      string
	clientSecret  string
	client        *http.Client

	mu sync.Mutex
	// credential id → live credential, pruned on expiry
	issued map[string]*Credential
}

// NewClientCredentials creates the client-credentials exchange variant.
func NewClientCredentials(cfg Config) *ClientCredentials {
	return &ClientCredentials{
		tokenURL:      cfg.URL,
		revocationURL: cfg.RevocationURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		client:        &http.Client{Timeout: 10 * time.Second},
		issued:        make(map[string]*Credential),
	}
}

func (c *ClientCredentials) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*Credential, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {scope},
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	err := retry.Do(ctx, retry.Once, func(ctx context.Context) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.clientID, c.clientSecret)
		resp, rerr := c.client.Do(req)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&body)
	})
	if err != nil {
		return nil, core.Wrap(core.KindBrokerFailed, "client-credentials exchange failed", err)
	}
	if body.AccessToken == "" {
		return nil, core.E(core.KindBrokerFailed, "token endpoint returned no access token")
	}
	expires := ttl
	if body.ExpiresIn > 0 {
		expires = time.Duration(body.ExpiresIn) * time.Second
	}
	cred := &Credential{
		CredentialID: "cc-" + uuid.NewString(),
		SessionID:    sessionID,
		ToolName:     toolName,
		Scope:        scope,
		Token:        body.AccessToken,
		ExpiresAt:    time.Now().UTC().Add(expires),
	}

	c.mu.Lock()
	c.pruneLocked(time.Now().UTC())
	c.issued[cred.CredentialID] = cred
	c.mu.Unlock()
	return cred, nil
}

// RevokeCredential posts the tracked token to the revocation endpoint.
// Without an endpoint the token stays a plain bearer credential and the
// short TTL is the only containment. Idempotent: unknown ids are a no-op.
func (c *ClientCredentials) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	c.mu.Lock()
	cred, ok := c.issued[credentialID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if c.revocationURL != "" {
		if err := c.revokeToken(ctx, cred.Token); err != nil {
			return core.Wrap(core.KindBrokerFailed, "credential revoke failed", err)
		}
	}
	c.mu.Lock()
	delete(c.issued, credentialID)
	c.mu.Unlock()
	return nil
}

// RevokeSession revokes every tracked credential for a session. A
// credential leaves the tracking map only after the endpoint accepted the
// revocation, so a failed call can be retried.
func (c *ClientCredentials) RevokeSession(ctx context.Context, sessionID, reason string) ([]string, error) {
	c.mu.Lock()
	var pending []string
	for id, cred := range c.issued {
		if cred.SessionID == sessionID {
			pending = append(pending, id)
		}
	}
	c.mu.Unlock()

	var ids []string
	for _, id := range pending {
		if err := c.RevokeCredential(ctx, id, reason); err != nil {
			return ids, core.Wrap(core.KindBrokerFailed, "session revoke failed", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// revokeToken follows RFC 7009: a form post authenticated like the token
// request, 200 regardless of whether the token was still live.
func (c *ClientCredentials) revokeToken(ctx context.Context, token string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	return retry.Do(ctx, retry.Once, func(ctx context.Context) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationURL, strings.NewReader(form.Encode()))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.clientID, c.clientSecret)
		resp, rerr := c.client.Do(req)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
}

func (c *ClientCredentials) pruneLocked(now time.Time) {
	for id, cred := range c.issued {
		if now.After(cred.ExpiresAt) {
			delete(c.issued, id)
		}
	}
}
