package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/gateway"
)

// handleToolsCall runs one tool call through the mediation pipeline.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.EHint(core.KindValidation, "malformed request body", "expected JSON with session_id and tool_name"))
		return
	}
	req.TenantID = tenantID

	resp, err := s.pipeline.CallTool(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if resp.RateLimit != nil {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", resp.RateLimit.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", resp.RateLimit.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resp.RateLimit.ResetUnix))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"decision":       resp.Decision,
		"reason":         resp.Reason,
		"policy_version": resp.PolicyVersion,
		"trace_id":       fmt.Sprintf("%s/%d", req.SessionID, resp.EventID),
		"result":         resp.Output,
		"duration_ms":    resp.DurationMS,
	})
}

// handleToolsList reports the tools visible under the active policy.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, tenantID string) {
	tools, err := s.engine.VisibleTools()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy_version": s.engine.ActiveVersion(),
		"tools":          tools,
	})
}
