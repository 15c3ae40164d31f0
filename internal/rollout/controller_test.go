package rollout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/policy"
	"github.com/agentgate/backend/internal/trace"
)

func newStore(t *testing.T) *trace.Store {
	t.Helper()
	s, err := trace.Open(filepath.Join(t.TempDir(), "trace.db"), trace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func signedPackage(t *testing.T, v *policy.Verifier, version string) *core.PolicyPackage {
	t.Helper()
	pkg := &core.PolicyPackage{
		TenantID: "tenant-a",
		Version:  version,
		Signer:   "ops",
		Bundle:   policy.MarshalDocument(&policy.Document{Version: version, ReadOnlyTools: []string{"search"}}),
	}
	pkg.BundleHash = pkg.ComputeBundleHash()
	sig, err := v.Sign(pkg.Bundle)
	require.NoError(t, err)
	pkg.Signature = sig
	return pkg
}

func seedReplay(t *testing.T, store *trace.Store, version string, critical int) {
	t.Helper()
	require.NoError(t, store.SaveReplayAnalysis(context.Background(), &trace.ReplayAnalysis{
		TenantID: "tenant-a", CandidateVersion: version, CriticalDrift: critical, TotalDrift: critical + 2,
	}))
}

func TestStartRequiresSignatureAndReplay(t *testing.T) {
	store := newStore(t)
	verifier := policy.NewHMACVerifier([]byte("secret"))
	c := New(store, verifier, nil, Config{})
	ctx := context.Background()

	// Unsigned package is rejected.
	pkg := signedPackage(t, verifier, "v2")
	pkg.Signature = ""
	_, err := c.Start(ctx, pkg)
	require.Error(t, err)
	assert.Equal(t, core.KindSignatureInvalid, core.KindOf(err))

	// Signed but without a replay analysis: rejected with a hint.
	pkg = signedPackage(t, verifier, "v2")
	_, err = c.Start(ctx, pkg)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	seedReplay(t, store, "v2", 0)
	r, err := c.Start(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, core.RolloutQueued, r.State)
}

func TestStartIsIdempotent(t *testing.T) {
	store := newStore(t)
	verifier := policy.NewHMACVerifier([]byte("secret"))
	c := New(store, verifier, nil, Config{})
	ctx := context.Background()

	pkg := signedPackage(t, verifier, "v2")
	seedReplay(t, store, "v2", 0)

	first, err := c.Start(ctx, pkg)
	require.NoError(t, err)
	second, err := c.Start(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, first.RolloutID, second.RolloutID, "identical starts return the same rollout")
}

func TestFullPromotionActivatesCandidate(t *testing.T) {
	store := newStore(t)
	verifier := policy.NewHMACVerifier([]byte("secret"))
	c := New(store, verifier, nil, Config{})
	ctx := context.Background()

	// v1 is live before the rollout.
	v1 := signedPackage(t, verifier, "v1")
	require.NoError(t, store.SavePolicyPackage(ctx, v1))
	require.NoError(t, store.SetActivePolicyVersion(ctx, "tenant-a", "v1"))

	pkg := signedPackage(t, verifier, "v2")
	seedReplay(t, store, "v2", 0)
	r, err := c.Start(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, "v1", r.PreviousVersion)

	for _, want := range []core.RolloutState{core.RolloutCanary, core.RolloutPromoting, core.RolloutCompleted} {
		r, err = c.Advance(ctx, r.RolloutID)
		require.NoError(t, err)
		assert.Equal(t, want, r.State)
	}

	active, err := store.ActivePolicyVersion(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "v2", active)

	// A completed rollout cannot advance further.
	_, err = c.Advance(ctx, r.RolloutID)
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestCriticalDriftRollsBackAndRestoresPrevious(t *testing.T) {
	store := newStore(t)
	verifier := policy.NewHMACVerifier([]byte("secret"))
	c := New(store, verifier, nil, Config{})
	ctx := context.Background()

	v1 := signedPackage(t, verifier, "v1")
	require.NoError(t, store.SavePolicyPackage(ctx, v1))
	require.NoError(t, store.SetActivePolicyVersion(ctx, "tenant-a", "v1"))

	pkg := signedPackage(t, verifier, "v2")
	seedReplay(t, store, "v2", 3)
	r, err := c.Start(ctx, pkg)
	require.NoError(t, err)

	r, err = c.Advance(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, core.RolloutRolledBack, r.State)
	assert.Equal(t, VerdictCriticalDrift, r.Verdict)

	active, err := store.ActivePolicyVersion(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "v1", active, "previous package must be restored")
}

type fixedErrorRate float64

func (f fixedErrorRate) ErrorRate(string) float64 { return float64(f) }

func TestLiveErrorRateGateRollsBack(t *testing.T) {
	store := newStore(t)
	verifier := policy.NewHMACVerifier([]byte("secret"))
	c := New(store, verifier, fixedErrorRate(0.5), Config{MaxErrorRate: 0.05})
	ctx := context.Background()

	pkg := signedPackage(t, verifier, "v2")
	seedReplay(t, store, "v2", 0)
	r, err := c.Start(ctx, pkg)
	require.NoError(t, err)

	// The live gate does not apply in queued; the first advance reaches
	// canary, the second observes the error rate and rolls back.
	r, err = c.Advance(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, core.RolloutCanary, r.State)

	r, err = c.Advance(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, core.RolloutRolledBack, r.State)
	assert.Contains(t, r.Verdict, "live_error_rate")
}
