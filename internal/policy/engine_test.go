package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/core"
)

func testDocument() *Document {
	return &Document{
		Version:       "v1",
		ReadOnlyTools: []string{"search", "fetch"},
		WriteTools:    []string{"send_email"},
		DeniedTools:   []string{"shell"},
	}
}

func writeBundle(t *testing.T, doc *Document) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestBuiltinEvaluatorDecisions(t *testing.T) {
	e := NewEngine(Config{})
	require.NoError(t, e.LoadFile(writeBundle(t, testDocument())))
	ctx := context.Background()

	cases := []struct {
		name     string
		in       Input
		decision core.Decision
		ruleID   string
	}{
		{"read only tool allows", Input{ToolName: "search"}, core.DecisionAllow, "read_only_tools"},
		{"write tool needs approval", Input{ToolName: "send_email"}, core.DecisionRequireApproval, "write_tools"},
		{"write tool with token allows", Input{ToolName: "send_email", HasApprovalToken: true}, core.DecisionAllow, "write_tools_approved"},
		{"denied tool denies", Input{ToolName: "shell"}, core.DecisionDeny, "denied_tools"},
		{"unknown tool default denies", Input{ToolName: "hack_the_planet"}, core.DecisionDeny, "default_deny"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Evaluate(ctx, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.decision, res.Decision)
			assert.Equal(t, tc.ruleID, res.RuleID)
			assert.Equal(t, "v1", res.PolicyVersion)
		})
	}
}

func TestNoPolicyLoadedFailsClosed(t *testing.T) {
	e := NewEngine(Config{})
	_, err := e.Evaluate(context.Background(), Input{ToolName: "search"})
	require.Error(t, err)
	assert.Equal(t, core.KindPolicyUnavailable, core.KindOf(err))
}

func TestReloadFailureLeavesActivePolicy(t *testing.T) {
	e := NewEngine(Config{})
	require.NoError(t, e.LoadFile(writeBundle(t, testDocument())))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"not": "a bundle"}`), 0o600))

	err := e.Reload(bad)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	// The v1 policy must still be answering.
	res, err := e.Evaluate(context.Background(), Input{ToolName: "search"})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, res.Decision)
	assert.Equal(t, "v1", e.ActiveVersion())
}

func TestStrictModeRefusesFileBundles(t *testing.T) {
	e := NewEngine(Config{Strict: true, Verifier: NewHMACVerifier([]byte("secret"))})
	err := e.LoadFile(writeBundle(t, testDocument()))
	require.Error(t, err)
	assert.Equal(t, core.KindSignatureInvalid, core.KindOf(err))
}

func signedPackage(t *testing.T, v *Verifier, doc *Document) *core.PolicyPackage {
	t.Helper()
	pkg := &core.PolicyPackage{
		TenantID: "tenant-a",
		Version:  doc.Version,
		Signer:   "ops",
		Bundle:   MarshalDocument(doc),
	}
	pkg.BundleHash = pkg.ComputeBundleHash()
	sig, err := v.Sign(pkg.Bundle)
	require.NoError(t, err)
	pkg.Signature = sig
	return pkg
}

func TestSignedPackageActivation(t *testing.T) {
	v := NewHMACVerifier([]byte("package-secret"))
	e := NewEngine(Config{Strict: true, Verifier: v})

	require.NoError(t, e.LoadPackage(signedPackage(t, v, testDocument())))
	assert.Equal(t, "v1", e.ActiveVersion())

	tools, err := e.VisibleTools()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"search", "fetch", "send_email"}, tools)
}

func TestTamperedPackageRejectedWithoutSwap(t *testing.T) {
	v := NewHMACVerifier([]byte("package-secret"))
	e := NewEngine(Config{Strict: true, Verifier: v})
	require.NoError(t, e.LoadPackage(signedPackage(t, v, testDocument())))

	// Bytes altered after signing: the declared hash no longer matches.
	tampered := signedPackage(t, v, &Document{Version: "v2", ReadOnlyTools: []string{"everything"}})
	tampered.Bundle = MarshalDocument(&Document{Version: "v2", ReadOnlyTools: []string{"everything", "more"}})
	err := e.LoadPackage(tampered)
	require.Error(t, err)
	assert.Equal(t, core.KindSignatureInvalid, core.KindOf(err))
	assert.Equal(t, "v1", e.ActiveVersion())

	// Wrong key: hash matches but the MAC does not.
	forged := signedPackage(t, NewHMACVerifier([]byte("wrong-secret")), &Document{Version: "v3"})
	err = e.LoadPackage(forged)
	require.Error(t, err)
	assert.Equal(t, core.KindSignatureInvalid, core.KindOf(err))
	assert.Equal(t, "v1", e.ActiveVersion())
}

func TestUnsignedPackageRejected(t *testing.T) {
	v := NewHMACVerifier([]byte("package-secret"))
	pkg := signedPackage(t, v, testDocument())
	pkg.Signature = ""
	err := v.VerifyPackage(pkg)
	require.Error(t, err)
	assert.Equal(t, core.KindSignatureInvalid, core.KindOf(err))
}

func TestRemoteEvaluatorRetriesOnce(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": Result{Decision: core.DecisionAllow, Reason: "ok", RuleID: "remote_rule"},
		})
	}))
	defer srv.Close()

	re, err := NewRemoteEvaluator(srv.URL, MTLSConfig{}, nil)
	require.NoError(t, err)

	res, err := re.Evaluate(context.Background(), Input{ToolName: "search"})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, res.Decision)
	assert.Equal(t, 2, attempts, "first failure must be retried exactly once")
}

func TestRemoteEvaluatorPersistentFailureIsPolicyUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	re, err := NewRemoteEvaluator(srv.URL, MTLSConfig{}, nil)
	require.NoError(t, err)

	_, err = re.Evaluate(context.Background(), Input{ToolName: "search"})
	require.Error(t, err)
	assert.Equal(t, core.KindPolicyUnavailable, core.KindOf(err))
}

func TestMTLSRequiredWithoutMaterialIsStartupError(t *testing.T) {
	_, err := NewRemoteEvaluator("https://evaluator.internal", MTLSConfig{Required: true}, nil)
	require.Error(t, err)
}
