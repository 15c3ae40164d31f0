package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.heads = append(c.heads, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestEmitDeliversSignedPayload(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	reg.Register("", srv.URL, "hook-secret", nil)

	d := NewDispatcher(reg, 2)
	d.Start()
	d.Emit(EventQuarantine, "tenant-a", map[string]interface{}{"session_id": "sess-1"})
	require.Eventually(t, func() bool { return cap.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Shutdown()

	cap.mu.Lock()
	body, head := cap.bodies[0], cap.heads[0]
	cap.mu.Unlock()

	var delivery Delivery
	require.NoError(t, json.Unmarshal(body, &delivery))
	assert.Equal(t, EventQuarantine, delivery.Event)
	assert.Equal(t, "tenant-a", delivery.TenantID)
	assert.Equal(t, "sess-1", delivery.Data["session_id"])

	assert.Equal(t, string(EventQuarantine), head.Get("X-AgentGate-Event"))
	assert.Equal(t, "1", head.Get("X-AgentGate-Attempt"))
	assert.Equal(t, "sha256="+SignPayload(body, "hook-secret"), head.Get("X-AgentGate-Signature"))
}

func TestSubscriptionFilters(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	// Only kill events, only tenant-a.
	reg.Register("tenant-a", srv.URL, "", []EventType{EventKillActivated})

	d := NewDispatcher(reg, 1)
	d.Start()
	d.Emit(EventQuarantine, "tenant-a", nil)    // wrong event
	d.Emit(EventKillActivated, "tenant-b", nil) // wrong tenant
	d.Emit(EventKillActivated, "tenant-a", nil) // matches
	require.Eventually(t, func() bool { return cap.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Shutdown()

	assert.Equal(t, 1, cap.count())
}

func TestFailedDeliveryMarksSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := NewRegistry()
	sub := reg.Register("", srv.URL, "", nil)

	d := NewDispatcher(reg, 1)
	d.maxRetries = 1
	d.Start()
	d.Emit(EventSLOBreach, "tenant-a", nil)
	d.Shutdown()

	stats := d.Stats()
	assert.Equal(t, int64(1), stats["failed"])
	assert.Equal(t, 1, sub.Failures)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	reg := NewRegistry()
	reg.Register("", "http://127.0.0.1:0", "", nil)

	d := NewDispatcher(reg, 1)
	// Workers never started: the queue only drains by overflowing.
	for i := 0; i < 1100; i++ {
		d.Emit(EventSLOBreach, "tenant-a", nil)
	}
	stats := d.Stats()
	assert.Equal(t, int64(100), stats["dropped"])
}

func TestUnregisterStopsDeliveries(t *testing.T) {
	reg := NewRegistry()
	sub := reg.Register("", "http://example.invalid", "", nil)
	assert.Len(t, reg.Subscribers(EventQuarantine), 1)
	assert.True(t, reg.Unregister(sub.ID))
	assert.False(t, reg.Unregister(sub.ID))
	assert.Empty(t, reg.Subscribers(EventQuarantine))
}
