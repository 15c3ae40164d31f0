// Package invoker executes allowed tool calls against the backing tool
// runtime. The gateway never passes agent-supplied credentials through; the
// invoker attaches the broker-issued credential itself.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/retry"
)

// Request is one tool execution order.
type Request struct {
	SessionID  string                 `json:"session_id"`
	TenantID   string                 `json:"tenant_id"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments"`
	Credential *broker.Credential     `json:"-"`
}

// Result is what the tool runtime returned.
type Result struct {
	Output     map[string]interface{} `json:"output"`
	DurationMS int64                  `json:"duration_ms"`
}

// Invoker executes one allowed tool call.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// ============================================================================
// HTTP INVOKER
// ============================================================================

// HTTPInvoker forwards calls to a tool runtime over HTTP. Transport failures
// surface as typed tool_failure errors so the trace records them distinctly
// from policy denials.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewHTTPInvoker creates an invoker targeting the runtime at baseURL.
func NewHTTPInvoker(baseURL string) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.New(log.Writer(), "[INVOKE] ", log.LstdFlags),
	}
}

// Invoke POSTs the call to <base>/tools/<name>. The credential travels in
// headers, never in the body the agent can observe.
func (h *HTTPInvoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"session_id": req.SessionID,
		"arguments":  req.Arguments,
	})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "encode tool request", err)
	}

	var result *Result
	op := func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			h.baseURL+"/tools/"+req.ToolName, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if cred := req.Credential; cred != nil {
			httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
			httpReq.Header.Set("X-AgentGate-Credential", cred.CredentialID)
			httpReq.Header.Set("X-AgentGate-Attribution", cred.Attribution)
			httpReq.Header.Set("X-AgentGate-Scope", cred.Scope)
		}
		httpReq.Header.Set("X-AgentGate-Tenant", req.TenantID)

		resp, err := h.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("tool runtime returned %d", resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		var output map[string]interface{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &output); err != nil {
				return fmt.Errorf("tool runtime returned malformed output: %w", err)
			}
		}
		result = &Result{Output: output}
		return nil
	}

	start := time.Now()
	if err := retry.Do(ctx, retry.Once, op); err != nil {
		h.logger.Printf("❌ tool %s failed after retry: %v", req.ToolName, err)
		return nil, core.Wrap(core.KindToolFailure, fmt.Sprintf("tool %s failed", req.ToolName), err)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// ============================================================================
// ECHO INVOKER
// ============================================================================

// Echo is the development invoker: it reflects the arguments back without
// touching any external runtime.
type Echo struct{}

// NewEcho creates the development invoker.
func NewEcho() *Echo { return &Echo{} }

// Invoke reflects the request.
func (e *Echo) Invoke(_ context.Context, req *Request) (*Result, error) {
	return &Result{
		Output: map[string]interface{}{
			"tool":       req.ToolName,
			"echo":       req.Arguments,
			"attributed": req.Credential != nil,
		},
	}, nil
}
