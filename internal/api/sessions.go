package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/evidence"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, tenantID string) {
	sessions, err := s.store.ListSessions(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionTrace(w http.ResponseWriter, r *http.Request, tenantID string) {
	sessionID := mux.Vars(r)["id"]
	events, err := s.store.ListEvents(r.Context(), tenantID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"events":     events,
	})
}

// handleSessionKill activates the session-scope kill switch. The session
// must exist and belong to the caller's tenant.
func (s *Server) handleSessionKill(w http.ResponseWriter, r *http.Request, tenantID string) {
	sessionID := mux.Vars(r)["id"]
	if _, err := s.store.GetSession(r.Context(), tenantID, sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.kill.Kill(r.Context(), core.ScopeSession, sessionID, "killed via api", tenantID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvidence exports the session's evidence pack. archive=true returns
// the archive metadata and signature; otherwise the artifact body itself.
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, tenantID string) {
	sessionID := mux.Vars(r)["id"]
	format := evidence.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = evidence.FormatJSON
	}

	result, err := s.exporter.Export(r.Context(), tenantID, sessionID, format)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("archive") == "true" {
		writeJSON(w, http.StatusOK, result)
		return
	}
	switch format {
	case evidence.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case evidence.FormatPDF:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("X-AgentGate-Signature", result.Signature.Signature)
	w.Write(result.Archive.Payload)
}

// handleTransparency reports the session's Merkle root. anchor=true also
// persists a checkpoint; event_id=N returns an inclusion proof.
func (s *Server) handleTransparency(w http.ResponseWriter, r *http.Request, tenantID string) {
	sessionID := mux.Vars(r)["id"]
	ctx := r.Context()

	tree, events, err := s.ledger.BuildTree(ctx, tenantID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"session_id": sessionID,
		"root_hash":  tree.Root(),
		"tree_size":  tree.Size(),
		"events":     len(events),
	}

	if idStr := r.URL.Query().Get("event_id"); idStr != "" {
		eventID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			writeError(w, core.E(core.KindValidation, "event_id must be an integer"))
			return
		}
		proof, err := s.ledger.ProveEvent(ctx, tenantID, sessionID, eventID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["proof"] = proof
	}

	if r.URL.Query().Get("anchor") == "true" {
		cp, err := s.ledger.Checkpoint(ctx, tenantID, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["checkpoint"] = cp
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream upgrades to a websocket delivering the session's live events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, tenantID string) {
	if s.streamer == nil {
		writeError(w, core.E(core.KindUnavailable, "live streaming is not enabled"))
		return
	}
	sessionID := mux.Vars(r)["id"]
	if _, err := s.store.GetSession(r.Context(), tenantID, sessionID); err != nil {
		writeError(w, err)
		return
	}
	s.streamer.HandleSession(w, r, sessionID, tenantID)
}
