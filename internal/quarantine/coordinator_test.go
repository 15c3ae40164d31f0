package quarantine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/infra"
	"github.com/agentgate/backend/internal/killswitch"
	"github.com/agentgate/backend/internal/trace"
)

type fixture struct {
	store  *trace.Store
	kill   *killswitch.Controller
	broker *broker.TokenService
	coord  *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := trace.Open(filepath.Join(t.TempDir(), "trace.db"), trace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kill := killswitch.NewController(infra.NewMemoryKV(), nil, nil, killswitch.Config{})
	b := broker.NewTokenService(broker.Config{HMACSecret: "test"})
	return &fixture{
		store:  store,
		kill:   kill,
		broker: b,
		coord:  New(store, kill, b, cfg),
	}
}

func (f *fixture) seedSession(t *testing.T, sessionID string) {
	t.Helper()
	_, err := f.store.EnsureSession(context.Background(), sessionID, "tenant-a")
	require.NoError(t, err)
}

func TestTriggerRunsFullPlaybook(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedSession(t, "sess-q")

	c1, err := f.broker.Issue(ctx, "sess-q", "search", "read", time.Minute)
	require.NoError(t, err)
	c2, err := f.broker.Issue(ctx, "sess-q", "fetch", "read", time.Minute)
	require.NoError(t, err)

	inc := f.coord.Trigger(ctx, "sess-q", "tenant-a", "test trigger", 6.0)
	require.NotNil(t, inc)

	got, err := f.store.GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentRevoked, got.State)

	// Session kill-switch is set.
	rec, err := f.kill.Check(ctx, "sess-q", "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, core.ScopeSession, rec.Scope)

	// Both credentials revoked and recorded.
	n, err := f.store.CountRevocations(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = f.broker.Verify(c1.Token)
	require.Error(t, err)
	_, err = f.broker.Verify(c2.Token)
	require.Error(t, err)

	// Timeline records every sub-step in order.
	timeline, err := f.store.IncidentTimeline(ctx, inc.IncidentID)
	require.NoError(t, err)
	var steps []string
	for _, entry := range timeline {
		steps = append(steps, entry["step"].(string))
	}
	assert.Equal(t, []string{"incident_created", "session_killed", "credentials_revoked", "revoked"}, steps)
}

func TestTriggerIsExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedSession(t, "sess-once")

	_, err := f.broker.Issue(ctx, "sess-once", "search", "read", time.Minute)
	require.NoError(t, err)

	first := f.coord.Trigger(ctx, "sess-once", "tenant-a", "trigger", 6.0)
	require.NotNil(t, first)
	second := f.coord.Trigger(ctx, "sess-once", "tenant-a", "trigger again", 7.0)
	require.NotNil(t, second)
	assert.Equal(t, first.IncidentID, second.IncidentID)

	n, err := f.store.CountRevocations(ctx, first.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "re-trigger must not duplicate revocations")
}

func TestRiskScoreWeighting(t *testing.T) {
	f := newFixture(t, Config{Window: 10})
	ctx := context.Background()
	f.seedSession(t, "sess-score")

	addEvent := func(kind core.EventKind, decision core.Decision, errorKind string) {
		ev := &core.TraceEvent{
			SessionID: "sess-score", TenantID: "tenant-a", Kind: kind, Decision: decision,
		}
		if errorKind != "" {
			ev.Payload = map[string]interface{}{"error_kind": errorKind}
		}
		_, err := f.store.AppendEvent(ctx, ev)
		require.NoError(t, err)
	}

	addEvent(core.EventDecision, core.DecisionAllow, "")
	score, err := f.coord.Score(ctx, "tenant-a", "sess-score")
	require.NoError(t, err)
	assert.Equal(t, 0.0, score, "allows do not accumulate risk")

	addEvent(core.EventDecision, core.DecisionDeny, "policy_denied")      // 1.0
	addEvent(core.EventDecision, core.DecisionDeny, "rate_limited")       // 0.5
	addEvent(core.EventKill, "", "")                                      // 2.0
	addEvent(core.EventDecision, core.DecisionDeny, "kill_switch_active") // 2.0

	score, err = f.coord.Score(ctx, "tenant-a", "sess-score")
	require.NoError(t, err)
	assert.InDelta(t, 5.5, score, 0.001)
}

func TestObserveTriggersPastThreshold(t *testing.T) {
	f := newFixture(t, Config{Window: 10, DenyThreshold: 3.0})
	ctx := context.Background()
	f.seedSession(t, "sess-obs")

	for i := 0; i < 3; i++ {
		_, err := f.store.AppendEvent(ctx, &core.TraceEvent{
			SessionID: "sess-obs", TenantID: "tenant-a", Kind: core.EventDecision,
			Decision: core.DecisionDeny, Payload: map[string]interface{}{"error_kind": "policy_denied"},
		})
		require.NoError(t, err)
	}

	f.coord.Start(ctx)
	defer f.coord.Stop()

	require.True(t, f.coord.Observe(Notification{
		SessionID: "sess-obs", TenantID: "tenant-a",
		Decision: core.DecisionDeny, Kind: core.EventDecision,
	}))

	require.Eventually(t, func() bool {
		inc, err := f.store.ActiveIncident(ctx, "sess-obs")
		if err != nil || inc == nil {
			return false
		}
		return inc.State == core.IncidentRevoked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReleaseClearsKillAndRecordsPrincipal(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedSession(t, "sess-rel")

	inc := f.coord.Trigger(ctx, "sess-rel", "tenant-a", "trigger", 6.0)
	require.NotNil(t, inc)

	released, err := f.coord.Release(ctx, inc.IncidentID, "operator-7")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentReleased, released.State)

	rec, err := f.kill.Check(ctx, "sess-rel", "")
	require.NoError(t, err)
	assert.Nil(t, rec, "session kill must be cleared on release")

	timeline, err := f.store.IncidentTimeline(ctx, inc.IncidentID)
	require.NoError(t, err)
	last := timeline[len(timeline)-1]
	assert.Equal(t, "released", last["step"])
	assert.Contains(t, last["detail"], "operator-7")

	// A released incident cannot be released again.
	_, err = f.coord.Release(ctx, inc.IncidentID, "operator-7")
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestAlertsFireOnTriggerAndRelease(t *testing.T) {
	var events []string
	f := newFixture(t, Config{Alert: func(event, tenantID string, data map[string]interface{}) {
		events = append(events, event+"/"+tenantID)
	}})
	ctx := context.Background()
	f.seedSession(t, "sess-alert")

	inc := f.coord.Trigger(ctx, "sess-alert", "tenant-a", "trigger", 6.0)
	require.NotNil(t, inc)
	// Re-trigger on the same incident must not alert again.
	f.coord.Trigger(ctx, "sess-alert", "tenant-a", "trigger again", 7.0)

	_, err := f.coord.Release(ctx, inc.IncidentID, "operator-7")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"quarantine.triggered/tenant-a",
		"incident.released/tenant-a",
	}, events)
}

func TestBrokerFailureMarksIncidentFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.coord.broker = &failingBroker{}
	ctx := context.Background()
	f.seedSession(t, "sess-fail")

	inc := f.coord.Trigger(ctx, "sess-fail", "tenant-a", "trigger", 6.0)
	require.NotNil(t, inc)

	got, err := f.store.GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentFailed, got.State)

	// The terminal failed state is preserved; re-trigger opens a fresh
	// incident rather than resurrecting the failed one.
	second := f.coord.Trigger(ctx, "sess-fail", "tenant-a", "again", 6.0)
	require.NotNil(t, second)
	assert.NotEqual(t, inc.IncidentID, second.IncidentID)
}

func TestStartupRecoveryResumesStrandedIncidents(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedSession(t, "sess-rec")

	// Simulate a crash after incident creation but before containment.
	inc, created, err := f.store.CreateIncident(ctx, "sess-rec", "tenant-a", "crashed mid-flight", 6.0, core.IncidentQuarantined)
	require.NoError(t, err)
	require.True(t, created)

	f.coord.Start(ctx)
	defer f.coord.Stop()

	got, err := f.store.GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentRevoked, got.State, "recovery must finish the playbook")

	rec, err := f.kill.Check(ctx, "sess-rec", "")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

type failingBroker struct{}

func (f *failingBroker) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*broker.Credential, error) {
	return nil, errors.New("broker down")
}

func (f *failingBroker) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	return errors.New("broker down")
}

func (f *failingBroker) RevokeSession(ctx context.Context, sessionID, reason string) ([]string, error) {
	return nil, errors.New("broker down")
}
