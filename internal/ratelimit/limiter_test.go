package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/infra"
)

func TestBudgetEnforcedPerTuple(t *testing.T) {
	l := New(infra.NewMemoryKV(), Config{DefaultPerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := l.Allow(ctx, "tenant-a", "sess-1", "search")
		require.NoError(t, err)
		assert.Equal(t, 3, snap.Limit)
		assert.Equal(t, 3-(i+1), snap.Remaining)
	}

	snap, err := l.Allow(ctx, "tenant-a", "sess-1", "search")
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
	assert.Equal(t, 0, snap.Remaining, "snapshot accompanies the breach for headers")

	// A different tool on the same session has its own budget.
	_, err = l.Allow(ctx, "tenant-a", "sess-1", "fetch")
	require.NoError(t, err)

	// A different session does too.
	_, err = l.Allow(ctx, "tenant-a", "sess-2", "search")
	require.NoError(t, err)
}

func TestTenantOverrideBeatsDefault(t *testing.T) {
	l := New(infra.NewMemoryKV(), Config{
		DefaultPerMinute: 100,
		TenantPerMinute:  map[string]int{"tenant-small": 1},
	})
	ctx := context.Background()

	_, err := l.Allow(ctx, "tenant-small", "sess-1", "search")
	require.NoError(t, err)
	_, err = l.Allow(ctx, "tenant-small", "sess-1", "search")
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
}

func TestWindowResetRestoresBudget(t *testing.T) {
	l := New(infra.NewMemoryKV(), Config{DefaultPerMinute: 1, Window: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := l.Allow(ctx, "tenant-a", "sess-1", "search")
	require.NoError(t, err)
	_, err = l.Allow(ctx, "tenant-a", "sess-1", "search")
	require.Error(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = l.Allow(ctx, "tenant-a", "sess-1", "search")
	require.NoError(t, err)
}

func TestStoreFailureDegradesOpen(t *testing.T) {
	kv := infra.NewMemoryKV()
	l := New(kv, Config{DefaultPerMinute: 5})
	kv.InjectFailures(1, errors.New("connection reset"))

	snap, err := l.Allow(context.Background(), "tenant-a", "sess-1", "search")
	require.NoError(t, err, "budget accounting must not block requests when the store is down")
	assert.Equal(t, 5, snap.Remaining)
}
