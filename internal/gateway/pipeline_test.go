package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/infra"
	"github.com/agentgate/backend/internal/invoker"
	"github.com/agentgate/backend/internal/killswitch"
	"github.com/agentgate/backend/internal/policy"
	"github.com/agentgate/backend/internal/quarantine"
	"github.com/agentgate/backend/internal/ratelimit"
	"github.com/agentgate/backend/internal/trace"
)

type fixture struct {
	store    *trace.Store
	kv       *infra.MemoryKV
	kill     *killswitch.Controller
	pipeline *Pipeline
	notices  []quarantine.Notification
}

func (f *fixture) Observe(n quarantine.Notification) bool {
	f.notices = append(f.notices, n)
	return true
}

func policyFile(t *testing.T) string {
	t.Helper()
	doc := policy.MarshalDocument(&policy.Document{
		Version:       "v1",
		ReadOnlyTools: []string{"search"},
		WriteTools:    []string{"send_email"},
		DeniedTools:   []string{"delete_database"},
	})
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, doc, 0o600))
	return path
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := trace.Open(filepath.Join(t.TempDir(), "trace.db"), trace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kv := infra.NewMemoryKV()
	kill := killswitch.NewController(kv, nil, nil, killswitch.Config{})
	engine := policy.NewEngine(policy.Config{})
	require.NoError(t, engine.LoadFile(policyFile(t)))

	f := &fixture{store: store, kv: kv, kill: kill}
	f.pipeline = New(Config{
		Store:    store,
		Kill:     kill,
		Limiter:  ratelimit.New(kv, ratelimit.Config{DefaultPerMinute: 100}),
		Engine:   engine,
		Broker:   broker.NewTokenService(broker.Config{HMACSecret: "secret"}),
		Invoker:  invoker.NewEcho(),
		Observer: f,
	})
	return f
}

func call(f *fixture, tool string) (*Response, error) {
	return f.pipeline.CallTool(context.Background(), &Request{
		SessionID: "sess-1",
		TenantID:  "tenant-a",
		ToolName:  tool,
		Arguments: map[string]interface{}{"query": "status"},
	})
}

func decisions(t *testing.T, f *fixture) []core.TraceEvent {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), "tenant-a", "sess-1")
	require.NoError(t, err)
	var out []core.TraceEvent
	for _, e := range events {
		if e.Kind == core.EventDecision {
			out = append(out, e)
		}
	}
	return out
}

func TestAllowedCallExecutesAndTraces(t *testing.T) {
	f := newFixture(t)

	resp, err := call(f, "search")
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, resp.Decision)
	assert.Equal(t, "read_only_tools", resp.Reason)
	assert.NotNil(t, resp.Output)

	ds := decisions(t, f)
	require.Len(t, ds, 1, "exactly one terminal decision per call")
	assert.Equal(t, core.DecisionAllow, ds[0].Decision)
	assert.True(t, ds[0].EventID > 0)
}

func TestDeniedToolNeverExecutes(t *testing.T) {
	f := newFixture(t)

	_, err := call(f, "delete_database")
	require.Error(t, err)
	assert.Equal(t, core.KindPolicyDenied, core.KindOf(err))

	ds := decisions(t, f)
	require.Len(t, ds, 1)
	assert.Equal(t, core.DecisionDeny, ds[0].Decision)

	require.Len(t, f.notices, 1, "denials feed the quarantine scorer")
	assert.Equal(t, core.DecisionDeny, f.notices[0].Decision)
}

func TestWriteToolRequiresApproval(t *testing.T) {
	f := newFixture(t)

	_, err := call(f, "send_email")
	require.Error(t, err)
	assert.Equal(t, core.KindApprovalRequired, core.KindOf(err))

	resp, err := f.pipeline.CallTool(context.Background(), &Request{
		SessionID:     "sess-1",
		TenantID:      "tenant-a",
		ToolName:      "send_email",
		ApprovalToken: "appr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, resp.Decision)
	assert.Equal(t, "write_tools_approved", resp.Reason)
}

func TestKillSwitchBlocksBeforePolicy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.kill.Kill(context.Background(), core.ScopeGlobal, "", "drill", "ops"))

	_, err := call(f, "search")
	require.Error(t, err)
	assert.Equal(t, core.KindKillSwitchActive, core.KindOf(err))

	ds := decisions(t, f)
	require.Len(t, ds, 1)
	assert.Equal(t, "kill_switch_active", ds[0].Payload["error_kind"])
}

func TestKillStoreFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	_, err := call(f, "search")
	require.NoError(t, err)

	f.kv.InjectFailures(4, errors.New("store down"))
	_, err = call(f, "search")
	require.Error(t, err)
	assert.Equal(t, core.KindUnavailable, core.KindOf(err))
}

func TestQuarantinedSessionIsRefused(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.CreateIncident(context.Background(), "sess-1", "tenant-a", "risk", 9.9, core.IncidentQuarantined)
	require.NoError(t, err)

	_, err = call(f, "search")
	require.Error(t, err)
	assert.Equal(t, core.KindQuarantined, core.KindOf(err))
}

func TestRateLimitDenies(t *testing.T) {
	store, err := trace.Open(filepath.Join(t.TempDir(), "trace.db"), trace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kv := infra.NewMemoryKV()
	engine := policy.NewEngine(policy.Config{})
	require.NoError(t, engine.LoadFile(policyFile(t)))

	p := New(Config{
		Store:   store,
		Kill:    killswitch.NewController(kv, nil, nil, killswitch.Config{}),
		Limiter: ratelimit.New(kv, ratelimit.Config{DefaultPerMinute: 2}),
		Engine:  engine,
		Broker:  broker.NewStub(),
		Invoker: invoker.NewEcho(),
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := p.CallTool(ctx, &Request{SessionID: "sess-1", TenantID: "tenant-a", ToolName: "search"})
		require.NoError(t, err)
	}
	_, err = p.CallTool(ctx, &Request{SessionID: "sess-1", TenantID: "tenant-a", ToolName: "search"})
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
}

func TestTenantBindingIsImmutable(t *testing.T) {
	f := newFixture(t)
	_, err := call(f, "search")
	require.NoError(t, err)

	_, err = f.pipeline.CallTool(context.Background(), &Request{
		SessionID: "sess-1", TenantID: "tenant-b", ToolName: "search",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindTenantConflict, core.KindOf(err))
}

type failingBroker struct{}

func (failingBroker) Issue(context.Context, string, string, string, time.Duration) (*broker.Credential, error) {
	return nil, core.E(core.KindBrokerFailed, "broker offline")
}
func (failingBroker) RevokeCredential(context.Context, string, string) error { return nil }
func (failingBroker) RevokeSession(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func TestBrokerFailureDeniesAllowedCall(t *testing.T) {
	f := newFixture(t)
	f.pipeline.broker = failingBroker{}

	_, err := call(f, "search")
	require.Error(t, err)
	assert.Equal(t, core.KindBrokerFailed, core.KindOf(err))

	ds := decisions(t, f)
	require.Len(t, ds, 1)
	assert.Equal(t, core.DecisionDeny, ds[0].Decision)
	assert.Equal(t, "broker_failed", ds[0].Payload["error_kind"])
}

func TestNoPolicyFailsClosed(t *testing.T) {
	store, err := trace.Open(filepath.Join(t.TempDir(), "trace.db"), trace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kv := infra.NewMemoryKV()
	p := New(Config{
		Store:   store,
		Kill:    killswitch.NewController(kv, nil, nil, killswitch.Config{}),
		Limiter: ratelimit.New(kv, ratelimit.Config{}),
		Engine:  policy.NewEngine(policy.Config{}),
		Broker:  broker.NewStub(),
		Invoker: invoker.NewEcho(),
	})

	_, err = p.CallTool(context.Background(), &Request{SessionID: "sess-1", TenantID: "tenant-a", ToolName: "search"})
	require.Error(t, err)
	assert.Equal(t, core.KindPolicyUnavailable, core.KindOf(err))
}
