// Package killswitch maintains the three-scope containment flag (session,
// tool, global) on the shared store so a kill issued on one gateway replica
// is observed by every other replica. All mutations go through the
// Controller; other components only read.
package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/health"
	"github.com/agentgate/backend/internal/infra"
	"github.com/agentgate/backend/internal/retry"
)

const (
	keyGlobal        = "agw:kill:global"
	keyToolPrefix    = "agw:kill:tool:"
	keySessionPrefix = "agw:kill:session:"

	// DependencyName identifies the shared store in health reporting.
	DependencyName = "kill_switch_store"
)

// Recorder mirrors each mutation into the trace store. active=false means
// the flag was cleared.
type Recorder func(ctx context.Context, rec core.KillRecord, active bool)

// reconnecter is implemented by backends that can dial a fresh connection
// for the retry path (RedisKV does; MemoryKV has nothing to reconnect).
type reconnecter interface {
	Reconnect() error
}

// Controller owns kill-switch state. Reads are bounded by CheckTimeout so a
// wedged store degrades to unavailable instead of stalling the hot path.
type Controller struct {
	kv           infra.KV
	record       Recorder
	health       *health.Tracker
	checkTimeout time.Duration
	logger       *log.Logger
}

// Config for the controller.
type Config struct {
	// CheckTimeout bounds one hot-path read (default 250ms).
	CheckTimeout time.Duration
}

// NewController creates a kill-switch controller. recorder may be nil.
func NewController(kv infra.KV, recorder Recorder, tracker *health.Tracker, cfg Config) *Controller {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 250 * time.Millisecond
	}
	if recorder == nil {
		recorder = func(context.Context, core.KillRecord, bool) {}
	}
	return &Controller{
		kv:           kv,
		record:       recorder,
		health:       tracker,
		checkTimeout: cfg.CheckTimeout,
		logger:       log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
}

func keyFor(scope core.KillScope, target string) (string, error) {
	switch scope {
	case core.ScopeGlobal:
		return keyGlobal, nil
	case core.ScopeTool:
		if target == "" {
			return "", core.E(core.KindValidation, "tool kill requires a tool name")
		}
		return keyToolPrefix + target, nil
	case core.ScopeSession:
		if target == "" {
			return "", core.E(core.KindValidation, "session kill requires a session id")
		}
		return keySessionPrefix + target, nil
	default:
		return "", core.E(core.KindValidation, fmt.Sprintf("unknown kill scope %q", scope))
	}
}

// Kill activates the flag for the given scope and records the mutation.
func (c *Controller) Kill(ctx context.Context, scope core.KillScope, target, reason, setBy string) error {
	key, err := keyFor(scope, target)
	if err != nil {
		return err
	}
	rec := core.KillRecord{Scope: scope, Target: target, Reason: reason, SetBy: setBy, SetAt: time.Now().UTC()}
	if scope == core.ScopeGlobal {
		rec.Target = "*"
	}
	data, _ := json.Marshal(rec)

	if err := c.withStore(ctx, func(ctx context.Context) error {
		return c.kv.Set(ctx, key, data, 0)
	}); err != nil {
		return err
	}

	c.logger.Printf("🛑 kill activated: scope=%s target=%s by=%s reason=%q", scope, rec.Target, setBy, reason)
	c.record(ctx, rec, true)
	return nil
}

// Clear deactivates the flag for the given scope and records the mutation.
func (c *Controller) Clear(ctx context.Context, scope core.KillScope, target, clearedBy string) error {
	key, err := keyFor(scope, target)
	if err != nil {
		return err
	}
	if err := c.withStore(ctx, func(ctx context.Context) error {
		return c.kv.Del(ctx, key)
	}); err != nil {
		return err
	}

	rec := core.KillRecord{Scope: scope, Target: target, SetBy: clearedBy, SetAt: time.Now().UTC()}
	if scope == core.ScopeGlobal {
		rec.Target = "*"
	}
	c.logger.Printf("✅ kill cleared: scope=%s target=%s by=%s", scope, rec.Target, clearedBy)
	c.record(ctx, rec, false)
	return nil
}

// Check returns the first active kill record matching the request, in the
// mandated precedence global → tool → session, or nil when none is set.
// A store failure after the retry budget returns kind=unavailable; the
// gateway fails closed on it.
func (c *Controller) Check(ctx context.Context, sessionID, toolName string) (*core.KillRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	keys := []string{keyGlobal}
	if toolName != "" {
		keys = append(keys, keyToolPrefix+toolName)
	}
	if sessionID != "" {
		keys = append(keys, keySessionPrefix+sessionID)
	}

	for _, key := range keys {
		var data []byte
		err := c.withStore(ctx, func(ctx context.Context) error {
			var getErr error
			data, getErr = c.kv.Get(ctx, key)
			if infra.ErrKeyNotFound(getErr) {
				data = nil
				return nil
			}
			return getErr
		})
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var rec core.KillRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, core.Wrap(core.KindUnavailable, "corrupt kill record", err)
		}
		return &rec, nil
	}
	return nil, nil
}

// SessionKilled is a convenience read for a single session flag.
func (c *Controller) SessionKilled(ctx context.Context, sessionID string) (bool, error) {
	rec, err := c.Check(ctx, sessionID, "")
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Scope == core.ScopeSession, nil
}

// withStore runs op with the single-retry policy. Before the retry the
// controller asks the backend for a fresh connection; transient faults that
// survive the retry surface as unavailable and flip the health state.
func (c *Controller) withStore(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, retry.Once, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if rc, ok := c.kv.(reconnecter); ok {
				if rerr := rc.Reconnect(); rerr != nil {
					c.logger.Printf("reconnect failed: %v", rerr)
				}
			}
		}
		return op(ctx)
	})
	if err != nil {
		if c.health != nil {
			c.health.MarkFailure(DependencyName, err.Error())
		}
		return core.Wrap(core.KindUnavailable, "kill-switch store unavailable", err)
	}
	if c.health != nil {
		c.health.MarkSuccess(DependencyName)
	}
	return nil
}
