package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/trace"
)

func makeEvents(n int) []core.TraceEvent {
	events := make([]core.TraceEvent, n)
	for i := range events {
		events[i] = core.TraceEvent{
			EventID:   int64(i + 1),
			SessionID: "sess-m",
			TenantID:  "tenant-a",
			Kind:      core.EventDecision,
			Decision:  core.DecisionAllow,
			Reason:    fmt.Sprintf("call %d", i+1),
		}
		events[i].IntegrityHash = events[i].ComputeIntegrityHash()
	}
	return events
}

func TestRootIsDeterministic(t *testing.T) {
	events := makeEvents(5)
	assert.Equal(t, Build(events).Root(), Build(events).Root())
	assert.NotEmpty(t, Build(events).Root())
}

func TestRootChangesWithContentAndOrder(t *testing.T) {
	events := makeEvents(4)
	base := Build(events).Root()

	altered := makeEvents(4)
	altered[2].Reason = "tampered"
	assert.NotEqual(t, base, Build(altered).Root())

	reordered := makeEvents(4)
	reordered[0].EventID, reordered[1].EventID = reordered[1].EventID, reordered[0].EventID
	assert.NotEqual(t, base, Build(reordered).Root())
}

func TestInclusionProofsVerifyForAllSizes(t *testing.T) {
	// Cover single leaf, even counts, and odd counts that exercise the
	// last-leaf duplication rule.
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8} {
		events := makeEvents(n)
		tree := Build(events)
		for i := range events {
			proof, err := tree.Prove(i, events[i].EventID)
			require.NoError(t, err, "n=%d i=%d", n, i)
			assert.True(t, Verify(&events[i], proof), "n=%d i=%d", n, i)
		}
	}
}

func TestSizeMatchesLeafCount(t *testing.T) {
	// Odd counts pad the hashing rows; the reported size must stay the
	// event count.
	for _, n := range []int{1, 2, 3, 5, 6, 7, 9} {
		events := makeEvents(n)
		tree := Build(events)
		assert.Equal(t, n, tree.Size(), "n=%d", n)
		assert.NotEmpty(t, tree.Root())
	}
	assert.Equal(t, 0, Build(nil).Size())
}

func TestProofRejectsWrongEvent(t *testing.T) {
	events := makeEvents(4)
	tree := Build(events)
	proof, err := tree.Prove(1, events[1].EventID)
	require.NoError(t, err)

	forged := events[1]
	forged.Reason = "never happened"
	assert.False(t, Verify(&forged, proof))

	// A proof for one leaf must not verify another.
	assert.False(t, Verify(&events[2], proof))
}

func TestEmptyTree(t *testing.T) {
	tree := Build(nil)
	assert.Empty(t, tree.Root())
	_, err := tree.Prove(0, 1)
	require.Error(t, err)
}

func newLogStore(t *testing.T) *trace.Store {
	t.Helper()
	s, err := trace.Open(filepath.Join(t.TempDir(), "trace.db"), trace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpointIsIdempotentPerRoot(t *testing.T) {
	store := newLogStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, "sess-cp", "tenant-a")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, &core.TraceEvent{
			SessionID: "sess-cp", TenantID: "tenant-a", Kind: core.EventToolCall, ToolName: "search",
		})
		require.NoError(t, err)
	}

	l := New(store, Config{})
	first, err := l.Checkpoint(ctx, "tenant-a", "sess-cp")
	require.NoError(t, err)
	assert.Equal(t, "local", first.AnchorSource)

	second, err := l.Checkpoint(ctx, "tenant-a", "sess-cp")
	require.NoError(t, err)
	assert.Equal(t, first.RootHash, second.RootHash)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "unchanged log returns the stored checkpoint")

	// The log grew: a new root, a new checkpoint row.
	_, err = store.AppendEvent(ctx, &core.TraceEvent{
		SessionID: "sess-cp", TenantID: "tenant-a", Kind: core.EventDecision, Decision: core.DecisionDeny,
	})
	require.NoError(t, err)
	third, err := l.Checkpoint(ctx, "tenant-a", "sess-cp")
	require.NoError(t, err)
	assert.NotEqual(t, first.RootHash, third.RootHash)
}

func TestProveEventAgainstStore(t *testing.T) {
	store := newLogStore(t)
	ctx := context.Background()

	_, err := store.EnsureSession(ctx, "sess-pr", "tenant-a")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := store.AppendEvent(ctx, &core.TraceEvent{
			SessionID: "sess-pr", TenantID: "tenant-a", Kind: core.EventToolCall, ToolName: "fetch",
		})
		require.NoError(t, err)
	}

	l := New(store, Config{})
	proof, err := l.ProveEvent(ctx, "tenant-a", "sess-pr", 3)
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, "tenant-a", "sess-pr")
	require.NoError(t, err)
	assert.True(t, Verify(&events[2], proof))
}

func TestAnchorSchemeAllowlist(t *testing.T) {
	l := New(newLogStore(t), Config{})

	_, err := l.NewHTTPAnchorer("ftp://witness.example/anchor")
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = l.NewHTTPAnchorer("https://witness.example/anchor")
	require.NoError(t, err)

	permissive := New(newLogStore(t), Config{AllowedSchemes: []string{"https", "http"}})
	_, err = permissive.NewHTTPAnchorer("http://localhost:9999/anchor")
	require.NoError(t, err)
}
