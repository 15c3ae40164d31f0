// Package webhooks delivers containment alerts (kills, quarantines, SLO
// breaches, rollbacks) to operator-registered endpoints with HMAC-signed
// payloads.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

const (
	EventKillActivated     EventType = "kill.activated"
	EventKillCleared       EventType = "kill.cleared"
	EventQuarantine        EventType = "quarantine.triggered"
	EventIncidentReleased  EventType = "incident.released"
	EventSLOBreach         EventType = "slo.breach"
	EventSLORecovered      EventType = "slo.recovered"
	EventRolloutRolledBack EventType = "rollout.rolled_back"
)

// Subscription is one registered delivery target.
type Subscription struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id,omitempty"` // empty = all tenants
	URL       string      `json:"url"`
	Secret    string      `json:"-"`
	Events    []EventType `json:"events"` // empty = all events
	CreatedAt time.Time   `json:"created_at"`
	Failures  int         `json:"failures"`
}

// Registry holds subscriptions in memory; registrations come from config at
// startup and from the admin surface at runtime.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Register adds a subscription and returns its id.
func (r *Registry) Register(tenantID, url, secret string, events []EventType) *Subscription {
	sub := &Subscription{
		ID:        "whk-" + uuid.NewString(),
		TenantID:  tenantID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// Subscribers returns the targets interested in an event type.
func (r *Registry) Subscribers(event EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.subs {
		if len(sub.Events) == 0 {
			out = append(out, sub)
			continue
		}
		for _, e := range sub.Events {
			if e == event {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}

// MarkFailed increments the failure counter for a subscription.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.Failures++
	}
}

// SignPayload computes the hex HMAC-SHA256 for the delivery signature
// header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
