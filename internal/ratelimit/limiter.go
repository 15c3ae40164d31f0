// Package ratelimit enforces a sliding-window request budget per
// (tenant, session, tool) tuple on the shared store, so replicas share one
// budget. Breaches surface as typed rate_limited errors carrying the
// snapshot the API layer turns into X-RateLimit-* headers.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/infra"
)

// Config for the limiter.
type Config struct {
	// DefaultPerMinute is the budget applied to tenants without an override.
	DefaultPerMinute int
	// TenantPerMinute overrides the budget per tenant id.
	TenantPerMinute map[string]int
	// Window is the sliding-window width (default one minute).
	Window time.Duration
}

// Limiter counts requests on the shared store.
type Limiter struct {
	kv     infra.KV
	cfg    Config
	logger *log.Logger
}

// New creates a limiter with config defaults applied.
func New(kv infra.KV, cfg Config) *Limiter {
	if cfg.DefaultPerMinute <= 0 {
		cfg.DefaultPerMinute = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		kv:     kv,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

func (l *Limiter) budgetFor(tenantID string) int {
	if b, ok := l.cfg.TenantPerMinute[tenantID]; ok && b > 0 {
		return b
	}
	return l.cfg.DefaultPerMinute
}

// Allow consumes one unit of budget for the tuple. On breach it returns a
// rate_limited error; the snapshot is returned in both cases so the caller
// can always emit headers. A store failure does not block the request: the
// limiter degrades open because containment decisions belong to the
// kill-switch and policy layers, not the budget counter.
func (l *Limiter) Allow(ctx context.Context, tenantID, sessionID, toolName string) (*core.RateLimitSnapshot, error) {
	limit := l.budgetFor(tenantID)
	key := fmt.Sprintf("agw:rate:%s:%s:%s", tenantID, sessionID, toolName)

	count, err := l.kv.IncrWindow(ctx, key, l.cfg.Window)
	if err != nil {
		l.logger.Printf("⚠️ rate-limit store unavailable, degrading open: %v", err)
		return &core.RateLimitSnapshot{
			Limit:     limit,
			Remaining: limit,
			ResetUnix: time.Now().Add(l.cfg.Window).Unix(),
		}, nil
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	snap := &core.RateLimitSnapshot{
		Limit:     limit,
		Remaining: remaining,
		ResetUnix: time.Now().Add(l.cfg.Window).Unix(),
	}
	if int(count) > limit {
		return snap, core.EHint(core.KindRateLimited,
			fmt.Sprintf("budget of %d per window exhausted for tool %s", limit, toolName),
			"retry after the window resets")
	}
	return snap, nil
}
