// Package health tracks dependency availability transitions. It backs the
// /health endpoint and guarantees that recovery signals fire exactly once
// per down-to-up transition.
package health

import (
	"log"
	"sync"
	"time"
)

// State is the availability of one dependency.
type State string

const (
	StateUp      State = "up"
	StateDown    State = "down"
	StateUnknown State = "unknown"
)

// Transition is delivered to the optional listener on every state change.
type Transition struct {
	Dependency string
	From       State
	To         State
	At         time.Time
	Reason     string
}

// Tracker records per-dependency state. Components call MarkSuccess and
// MarkFailure on every interaction; the tracker collapses those into
// transitions.
type Tracker struct {
	mu       sync.Mutex
	states   map[string]State
	changed  map[string]time.Time
	listener func(Transition)
	logger   *log.Logger
}

// NewTracker creates a tracker. The listener may be nil.
func NewTracker(listener func(Transition)) *Tracker {
	return &Tracker{
		states:   make(map[string]State),
		changed:  make(map[string]time.Time),
		listener: listener,
		logger:   log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
	}
}

// MarkSuccess records a successful interaction. Returns true exactly when
// this call transitions the dependency from down to up.
func (t *Tracker) MarkSuccess(dep string) bool {
	return t.transition(dep, StateUp, "")
}

// MarkFailure records a failed interaction. Returns true exactly when this
// call transitions the dependency from up (or unknown) to down.
func (t *Tracker) MarkFailure(dep, reason string) bool {
	return t.transition(dep, StateDown, reason)
}

func (t *Tracker) transition(dep string, to State, reason string) bool {
	t.mu.Lock()
	from, ok := t.states[dep]
	if !ok {
		from = StateUnknown
	}
	if from == to {
		t.mu.Unlock()
		return false
	}
	now := time.Now()
	t.states[dep] = to
	t.changed[dep] = now
	listener := t.listener
	t.mu.Unlock()

	if to == StateDown {
		t.logger.Printf("⚠️ dependency down: %s (%s)", dep, reason)
	} else if from == StateDown {
		t.logger.Printf("✅ dependency recovered: %s", dep)
	}
	if listener != nil {
		listener(Transition{Dependency: dep, From: from, To: to, At: now, Reason: reason})
	}
	// A recovery signal only fires for a genuine down→up edge.
	return to == StateUp && from == StateDown || to == StateDown
}

// Snapshot returns the current state of every tracked dependency.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Healthy reports whether no tracked dependency is down.
func (t *Tracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.states {
		if s == StateDown {
			return false
		}
	}
	return true
}
