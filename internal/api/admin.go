package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentgate/backend/internal/core"
)

// ============================================================================
// CONTAINMENT CONTROLS
// ============================================================================

func (s *Server) handleSystemPause(w http.ResponseWriter, r *http.Request) {
	if err := s.kill.Kill(r.Context(), core.ScopeGlobal, "", "system paused", Principal(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSystemResume(w http.ResponseWriter, r *http.Request) {
	if err := s.kill.Clear(r.Context(), core.ScopeGlobal, "", Principal(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToolKill(w http.ResponseWriter, r *http.Request) {
	tool := mux.Vars(r)["name"]
	if err := s.kill.Kill(r.Context(), core.ScopeTool, tool, "tool disabled", Principal(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// POLICY & ROLLOUTS
// ============================================================================

// handlePolicyReload swaps the active policy. A signed package in the body
// is verified and loaded; an empty body reloads the configured bundle file
// (refused in strict mode).
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, core.E(core.KindValidation, "unreadable request body"))
		return
	}

	if len(body) > 0 {
		var pkg core.PolicyPackage
		if err := json.Unmarshal(body, &pkg); err != nil {
			writeError(w, core.E(core.KindValidation, "malformed policy package"))
			return
		}
		if err := s.engine.LoadPackage(&pkg); err != nil {
			writeError(w, err)
			return
		}
	} else {
		if s.policyPath == "" {
			writeError(w, core.EHint(core.KindValidation,
				"no policy package in body and no POLICY_PATH configured",
				"POST a signed policy package"))
			return
		}
		if err := s.engine.Reload(s.policyPath); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_version": s.engine.ActiveVersion(),
	})
}

func (s *Server) handleRolloutStart(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["t"]
	var pkg core.PolicyPackage
	if err := json.NewDecoder(r.Body).Decode(&pkg); err != nil {
		writeError(w, core.E(core.KindValidation, "malformed policy package"))
		return
	}
	pkg.TenantID = tenantID

	rollout, err := s.rollouts.Start(r.Context(), &pkg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rollout)
}

func (s *Server) handleRolloutGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rollout, err := s.store.GetRollout(r.Context(), vars["r"])
	if err != nil {
		writeError(w, err)
		return
	}
	if rollout.TenantID != vars["t"] {
		writeError(w, core.E(core.KindNotFound, "rollout not found"))
		return
	}
	writeJSON(w, http.StatusOK, rollout)
}

func (s *Server) handleRolloutAdvance(w http.ResponseWriter, r *http.Request) {
	rollout, err := s.rollouts.Advance(r.Context(), mux.Vars(r)["r"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollout)
}

func (s *Server) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	rollout, err := s.rollouts.ForceRollback(r.Context(), mux.Vars(r)["r"], "operator_rollback")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollout)
}

// ============================================================================
// INCIDENTS
// ============================================================================

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.store.ListNonTerminalIncidents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["id"]
	inc, err := s.store.GetIncident(r.Context(), incidentID)
	if err != nil {
		writeError(w, err)
		return
	}
	timeline, err := s.store.IncidentTimeline(r.Context(), incidentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident": inc,
		"timeline": timeline,
	})
}

func (s *Server) handleIncidentRelease(w http.ResponseWriter, r *http.Request) {
	inc, err := s.quarantine.Release(r.Context(), mux.Vars(r)["id"], Principal(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// ============================================================================
// TENANCY & RETENTION
// ============================================================================

func (s *Server) handleMintAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, core.E(core.KindUnavailable, "api key auth is not enabled"))
		return
	}
	tenantID := mux.Vars(r)["t"]
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, key, err := s.auth.Mint(r.Context(), tenantID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key_id":  rec.KeyID,
		"api_key": key, // shown exactly once
	})
}

func (s *Server) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req struct {
		RetentionUntil string `json:"retention_until,omitempty"`
		LegalHold      bool   `json:"legal_hold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.KindValidation, "malformed request body"))
		return
	}

	var until *time.Time
	if req.RetentionUntil != "" {
		t, err := time.Parse(time.RFC3339, req.RetentionUntil)
		if err != nil {
			writeError(w, core.E(core.KindValidation, "retention_until must be RFC3339"))
			return
		}
		until = &t
	}
	if err := s.store.SetRetention(r.Context(), sessionID, until, req.LegalHold); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"legal_hold": req.LegalHold,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// OBSERVABILITY
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := map[string]interface{}{}
	if s.tracker != nil {
		for dep, state := range s.tracker.Snapshot() {
			deps[dep] = string(state)
		}
		if !s.tracker.Healthy() {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       http.StatusText(status),
		"dependencies": deps,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"policy_version": s.engine.ActiveVersion(),
	}
	if s.monitor != nil {
		stats["slo"] = s.monitor.Snapshot()
	}
	if s.streamer != nil {
		stats["stream"] = s.streamer.Stats()
	}
	if s.dispatcher != nil {
		stats["webhooks"] = s.dispatcher.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}
