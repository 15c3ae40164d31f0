package infra

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is the in-process fallback used when REDIS_URL is unset and in
// tests. Semantics match RedisKV for the operations the gateway uses; it is
// obviously not shared across replicas.
type MemoryKV struct {
	mu      sync.Mutex
	items   map[string]memItem
	windows map[string]*memWindow

	// FailNext forces the next N operations to fail, for resilience tests.
	FailNext int
	failErr  error
}

type memItem struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

type memWindow struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		items:   make(map[string]memItem),
		windows: make(map[string]*memWindow),
	}
}

// InjectFailures makes the next n operations return err.
func (m *MemoryKV) InjectFailures(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNext = n
	m.failErr = err
}

func (m *MemoryKV) takeFailure() error {
	if m.FailNext > 0 {
		m.FailNext--
		return m.failErr
	}
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	item, ok := m.items[key]
	if !ok || (!item.expiresAt.IsZero() && time.Now().After(item.expiresAt)) {
		delete(m.items, key)
		return nil, NotFound(key)
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	item := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *MemoryKV) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	now := time.Now()
	w, ok := m.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &memWindow{expiresAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (m *MemoryKV) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFailure()
}

func (m *MemoryKV) Close() error { return nil }
