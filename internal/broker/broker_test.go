package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/core"
)

func TestTokenServiceIssueAndVerify(t *testing.T) {
	ts := NewTokenService(Config{HMACSecret: "test-secret"})
	ctx := context.Background()

	cred, err := ts.Issue(ctx, "sess-1", "send_email", "email:send", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Token)
	assert.NotEmpty(t, cred.Attribution)

	verified, err := ts.Verify(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, cred.CredentialID, verified.CredentialID)
	assert.Equal(t, "sess-1", verified.SessionID)
	assert.Equal(t, "email:send", verified.Scope)
}

func TestTokenServiceRejectsTamperedToken(t *testing.T) {
	ts := NewTokenService(Config{HMACSecret: "test-secret"})
	cred, err := ts.Issue(context.Background(), "sess-1", "search", "read", time.Minute)
	require.NoError(t, err)

	_, err = ts.Verify(cred.Token + "x")
	require.Error(t, err)
	assert.Equal(t, core.KindBrokerFailed, core.KindOf(err))
}

func TestTokenServiceRevokeSession(t *testing.T) {
	ts := NewTokenService(Config{HMACSecret: "test-secret"})
	ctx := context.Background()

	c1, err := ts.Issue(ctx, "sess-r", "search", "read", time.Minute)
	require.NoError(t, err)
	c2, err := ts.Issue(ctx, "sess-r", "fetch", "read", time.Minute)
	require.NoError(t, err)
	other, err := ts.Issue(ctx, "sess-other", "search", "read", time.Minute)
	require.NoError(t, err)

	ids, err := ts.RevokeSession(ctx, "sess-r", "quarantine")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.CredentialID, c2.CredentialID}, ids)

	_, err = ts.Verify(c1.Token)
	require.Error(t, err)
	_, err = ts.Verify(other.Token)
	require.NoError(t, err, "other sessions keep their credentials")

	// Second revoke is idempotent and reports nothing new.
	ids, err = ts.RevokeSession(ctx, "sess-r", "quarantine retry")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTokenServiceSessionQuota(t *testing.T) {
	ts := NewTokenService(Config{HMACSecret: "s", MaxPerSession: 2})
	ctx := context.Background()

	_, err := ts.Issue(ctx, "sess-q", "a", "r", time.Minute)
	require.NoError(t, err)
	_, err = ts.Issue(ctx, "sess-q", "b", "r", time.Minute)
	require.NoError(t, err)
	_, err = ts.Issue(ctx, "sess-q", "c", "r", time.Minute)
	require.Error(t, err)
	assert.Equal(t, core.KindBrokerFailed, core.KindOf(err))
}

func TestHTTPExchangeIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/issue", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess-1", body["session_id"])
		json.NewEncoder(w).Encode(Credential{
			CredentialID: "cred-remote-1",
			SessionID:    "sess-1",
			Token:        "remote-token",
			ExpiresAt:    time.Now().Add(time.Minute),
		})
	}))
	defer srv.Close()

	h := NewHTTPExchange(srv.URL)
	cred, err := h.Issue(context.Background(), "sess-1", "search", "read", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "cred-remote-1", cred.CredentialID)
}

func TestHTTPExchangeFailureIsBrokerFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHTTPExchange(srv.URL)
	_, err := h.Issue(context.Background(), "sess-1", "search", "read", time.Minute)
	require.Error(t, err)
	assert.Equal(t, core.KindBrokerFailed, core.KindOf(err))
}

func TestClientCredentialsExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-1", user)
		assert.Equal(t, "hunter2", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-123", "expires_in": 60,
		})
	}))
	defer srv.Close()

	cc := NewClientCredentials(Config{URL: srv.URL, ClientID: "client-1", ClientSecret: "hunter2"})
	cred, err := cc.Issue(context.Background(), "sess-1", "search", "read", 0)
	require.NoError(t, err)
	assert.Equal(t, "at-123", cred.Token)
}

func TestClientCredentialsRevocationEndpoint(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-" + r.FormValue("scope"), "expires_in": 60,
		})
	}))
	defer issuer.Close()

	var revoked []string
	revoker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-1", user)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "access_token", r.PostForm.Get("token_type_hint"))
		revoked = append(revoked, r.PostForm.Get("token"))
	}))
	defer revoker.Close()

	cc := NewClientCredentials(Config{
		URL: issuer.URL, RevocationURL: revoker.URL,
		ClientID: "client-1", ClientSecret: "hunter2",
	})
	ctx := context.Background()

	c1, err := cc.Issue(ctx, "sess-cc", "search", "read", time.Minute)
	require.NoError(t, err)
	c2, err := cc.Issue(ctx, "sess-cc", "fetch", "write", time.Minute)
	require.NoError(t, err)
	other, err := cc.Issue(ctx, "sess-other", "search", "read", time.Minute)
	require.NoError(t, err)

	ids, err := cc.RevokeSession(ctx, "sess-cc", "quarantine")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.CredentialID, c2.CredentialID}, ids)
	assert.ElementsMatch(t, []string{c1.Token, c2.Token}, revoked)
	assert.NotContains(t, revoked, other.Token, "other sessions keep their tokens")

	// Second revoke is idempotent and posts nothing new.
	ids, err = cc.RevokeSession(ctx, "sess-cc", "quarantine retry")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, revoked, 2)
}

func TestClientCredentialsRevocationFailureKeepsTracking(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-1", "expires_in": 60})
	}))
	defer issuer.Close()

	healthy := false
	revoker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer revoker.Close()

	cc := NewClientCredentials(Config{
		URL: issuer.URL, RevocationURL: revoker.URL, ClientID: "client-1",
	})
	ctx := context.Background()
	cred, err := cc.Issue(ctx, "sess-rt", "search", "read", time.Minute)
	require.NoError(t, err)

	_, err = cc.RevokeSession(ctx, "sess-rt", "quarantine")
	require.Error(t, err)
	assert.Equal(t, core.KindBrokerFailed, core.KindOf(err))

	// The credential stayed tracked, so the retry after recovery revokes it.
	healthy = true
	ids, err := cc.RevokeSession(ctx, "sess-rt", "quarantine retry")
	require.NoError(t, err)
	assert.Equal(t, []string{cred.CredentialID}, ids)
}

func TestStubTracksRevocations(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	c1, err := s.Issue(ctx, "sess-1", "search", "read", time.Minute)
	require.NoError(t, err)

	ids, err := s.RevokeSession(ctx, "sess-1", "quarantine")
	require.NoError(t, err)
	assert.Equal(t, []string{c1.CredentialID}, ids)
}

func TestNewSelectsVariant(t *testing.T) {
	b, err := New(Config{Kind: KindStub})
	require.NoError(t, err)
	assert.IsType(t, &Stub{}, b)

	b, err = New(Config{Kind: KindTokenService, HMACSecret: "s"})
	require.NoError(t, err)
	assert.IsType(t, &TokenService{}, b)

	_, err = New(Config{Kind: KindHTTPExchange})
	require.Error(t, err, "http variant without URL must be a startup error")

	_, err = New(Config{Kind: "bogus"})
	require.Error(t, err)
}
