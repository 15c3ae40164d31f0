package policy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/health"
	"github.com/agentgate/backend/internal/retry"
)

// EvaluatorDependency identifies the remote evaluator in health reporting.
const EvaluatorDependency = "policy_evaluator"

// Input is the structured query sent to the rule evaluator for one call.
type Input struct {
	ToolName         string                 `json:"tool_name"`
	SessionID        string                 `json:"session_id"`
	TenantID         string                 `json:"tenant_id"`
	Arguments        map[string]interface{} `json:"arguments,omitempty"`
	HasApprovalToken bool                   `json:"has_approval_token"`
}

// Result is the evaluator's verdict with its matched rule.
type Result struct {
	Decision      core.Decision `json:"decision"`
	Reason        string        `json:"reason"`
	RuleID        string        `json:"rule_id"`
	PolicyVersion string        `json:"policy_version,omitempty"`
}

// MTLSConfig carries mutual TLS material for the evaluator transport.
type MTLSConfig struct {
	Required bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// RemoteEvaluator queries an external rule engine over HTTP(S). The wire
// shape follows the OPA data API: the input is wrapped in {"input": ...}
// and the verdict arrives under "result".
type RemoteEvaluator struct {
	url    string
	client *http.Client
	health *health.Tracker
}

// NewRemoteEvaluator builds the evaluator client. When mTLS is required but
// material is missing this is a startup error, not a silent downgrade.
func NewRemoteEvaluator(url string, mtls MTLSConfig, tracker *health.Tracker) (*RemoteEvaluator, error) {
	transport := &http.Transport{}
	if mtls.CertFile != "" || mtls.KeyFile != "" || mtls.CAFile != "" {
		tlsCfg, err := buildTLSConfig(mtls)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	} else if mtls.Required {
		return nil, core.EHint(core.KindInternal,
			"mTLS required but no client certificate configured",
			"set MTLS_CERT_FILE, MTLS_KEY_FILE and MTLS_CA_FILE")
	}
	return &RemoteEvaluator{
		url:    url,
		client: &http.Client{Transport: transport, Timeout: 5 * time.Second},
		health: tracker,
	}, nil
}

func buildTLSConfig(mtls MTLSConfig) (*tls.Config, error) {
	if mtls.CertFile == "" || mtls.KeyFile == "" {
		return nil, core.E(core.KindInternal, "mTLS requires both a certificate and a key file")
	}
	cert, err := tls.LoadX509KeyPair(mtls.CertFile, mtls.KeyFile)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "load mTLS client certificate", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if mtls.CAFile != "" {
		pem, err := os.ReadFile(mtls.CAFile)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, "read mTLS CA bundle", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, core.E(core.KindInternal, "mTLS CA bundle contains no certificates")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Evaluate sends one decision query. Transport failures are retried once;
// a persistent failure surfaces as policy_unavailable and the caller must
// fail closed.
func (r *RemoteEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	body, err := json.Marshal(map[string]interface{}{"input": in})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "encode policy query", err)
	}

	var result *Result
	err = retry.Do(ctx, retry.Once, func(ctx context.Context) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, rerr := r.client.Do(req)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("evaluator returned status %d", resp.StatusCode)
		}

		var envelope struct {
			Result Result `json:"result"`
		}
		if rerr := json.NewDecoder(resp.Body).Decode(&envelope); rerr != nil {
			return fmt.Errorf("decode evaluator response: %w", rerr)
		}
		result = &envelope.Result
		return nil
	})
	if err != nil {
		if r.health != nil {
			r.health.MarkFailure(EvaluatorDependency, err.Error())
		}
		return nil, core.Wrap(core.KindPolicyUnavailable, "policy evaluator unreachable", err)
	}
	if r.health != nil {
		r.health.MarkSuccess(EvaluatorDependency)
	}
	if result.Decision == "" {
		return nil, core.E(core.KindPolicyUnavailable, "evaluator returned no decision")
	}
	return result, nil
}
