package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/core"
)

func TestHTTPInvokerForwardsCredentialHeaders(t *testing.T) {
	var gotPath, gotAuth, gotCred, gotAttr string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCred = r.Header.Get("X-AgentGate-Credential")
		gotAttr = r.Header.Get("X-AgentGate-Attribution")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "done"})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	res, err := inv.Invoke(context.Background(), &Request{
		SessionID: "sess-1",
		TenantID:  "tenant-a",
		ToolName:  "send_email",
		Arguments: map[string]interface{}{"to": "ops@example.com"},
		Credential: &broker.Credential{
			CredentialID: "cred-1",
			Token:        "tok-abc",
			Attribution:  "sess-1:deadbeef:123",
			ExpiresAt:    time.Now().Add(time.Minute),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output["status"])
	assert.Equal(t, "/tools/send_email", gotPath)
	assert.Equal(t, "Bearer tok-abc", gotAuth)
	assert.Equal(t, "cred-1", gotCred)
	assert.Equal(t, "sess-1:deadbeef:123", gotAttr)
}

func TestHTTPInvokerRetriesOnceThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	res, err := inv.Invoke(context.Background(), &Request{ToolName: "search"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["ok"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestHTTPInvokerPersistentFailureIsToolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	_, err := inv.Invoke(context.Background(), &Request{ToolName: "search"})
	require.Error(t, err)
	assert.Equal(t, core.KindToolFailure, core.KindOf(err))
}

func TestEchoReflectsArguments(t *testing.T) {
	inv := NewEcho()
	res, err := inv.Invoke(context.Background(), &Request{
		ToolName:  "search",
		Arguments: map[string]interface{}{"query": "hello"},
	})
	require.NoError(t, err)
	echo := res.Output["echo"].(map[string]interface{})
	assert.Equal(t, "hello", echo["query"])
	assert.Equal(t, false, res.Output["attributed"])
}
