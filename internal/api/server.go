// Package api exposes the gateway over REST/JSON plus the websocket event
// stream and the Prometheus exposition endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/evidence"
	"github.com/agentgate/backend/internal/gateway"
	"github.com/agentgate/backend/internal/health"
	"github.com/agentgate/backend/internal/killswitch"
	"github.com/agentgate/backend/internal/ledger"
	"github.com/agentgate/backend/internal/policy"
	"github.com/agentgate/backend/internal/quarantine"
	"github.com/agentgate/backend/internal/rollout"
	"github.com/agentgate/backend/internal/slo"
	"github.com/agentgate/backend/internal/stream"
	"github.com/agentgate/backend/internal/tenancy"
	"github.com/agentgate/backend/internal/trace"
	"github.com/agentgate/backend/internal/webhooks"
)

// APIVersion is the version this build speaks natively.
const APIVersion = "v1"

// Server wires every component behind the HTTP surface.
type Server struct {
	pipeline   *gateway.Pipeline
	store      *trace.Store
	kill       *killswitch.Controller
	engine     *policy.Engine
	quarantine *quarantine.Coordinator
	rollouts   *rollout.Controller
	exporter   *evidence.Exporter
	ledger     *ledger.Log
	streamer   *stream.Streamer
	monitor    *slo.Monitor
	tracker    *health.Tracker
	auth       *tenancy.Authenticator
	admin      *AdminAuth
	dispatcher *webhooks.Dispatcher

	supportedVersions []string
	policyPath        string
	logger            *log.Logger
}

// Deps collects the server's collaborators. Streamer, Monitor, Tracker and
// Dispatcher are optional.
type Deps struct {
	Pipeline   *gateway.Pipeline
	Store      *trace.Store
	Kill       *killswitch.Controller
	Engine     *policy.Engine
	Quarantine *quarantine.Coordinator
	Rollouts   *rollout.Controller
	Exporter   *evidence.Exporter
	Ledger     *ledger.Log
	Streamer   *stream.Streamer
	Monitor    *slo.Monitor
	Tracker    *health.Tracker
	Auth       *tenancy.Authenticator
	Admin      *AdminAuth
	Dispatcher *webhooks.Dispatcher

	SupportedVersions []string
	PolicyPath        string
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	versions := d.SupportedVersions
	if len(versions) == 0 {
		versions = []string{APIVersion}
	}
	return &Server{
		pipeline:          d.Pipeline,
		store:             d.Store,
		kill:              d.Kill,
		engine:            d.Engine,
		quarantine:        d.Quarantine,
		rollouts:          d.Rollouts,
		exporter:          d.Exporter,
		ledger:            d.Ledger,
		streamer:          d.Streamer,
		monitor:           d.Monitor,
		tracker:           d.Tracker,
		auth:              d.Auth,
		admin:             d.Admin,
		dispatcher:        d.Dispatcher,
		supportedVersions: versions,
		policyPath:        d.PolicyPath,
		logger:            log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.versionMiddleware)

	// Request path.
	r.HandleFunc("/tools/call", s.withTenant(s.handleToolsCall)).Methods("POST")
	r.HandleFunc("/tools/list", s.withTenant(s.handleToolsList)).Methods("GET")

	// Sessions and audit artifacts.
	r.HandleFunc("/sessions", s.withTenant(s.handleListSessions)).Methods("GET")
	r.HandleFunc("/sessions/{id}/trace", s.withTenant(s.handleSessionTrace)).Methods("GET")
	r.HandleFunc("/sessions/{id}/kill", s.withTenant(s.handleSessionKill)).Methods("POST")
	r.HandleFunc("/sessions/{id}/evidence", s.withTenant(s.handleEvidence)).Methods("GET")
	r.HandleFunc("/sessions/{id}/transparency", s.withTenant(s.handleTransparency)).Methods("GET")
	r.HandleFunc("/sessions/{id}/stream", s.withTenant(s.handleStream)).Methods("GET")

	// Containment controls.
	r.HandleFunc("/tools/{name}/kill", s.admin.Require(RoleIncident, s.handleToolKill)).Methods("POST")
	r.HandleFunc("/system/pause", s.admin.Require(RoleIncident, s.handleSystemPause)).Methods("POST")
	r.HandleFunc("/system/resume", s.admin.Require(RoleIncident, s.handleSystemResume)).Methods("POST")

	// Admin plane.
	r.HandleFunc("/admin/policies/reload", s.admin.Require(RolePolicy, s.handlePolicyReload)).Methods("POST")
	r.HandleFunc("/admin/incidents", s.admin.Require(RoleIncident, s.handleListIncidents)).Methods("GET")
	r.HandleFunc("/admin/incidents/{id}", s.admin.Require(RoleIncident, s.handleGetIncident)).Methods("GET")
	r.HandleFunc("/admin/incidents/{id}/release", s.admin.Require(RoleIncident, s.handleIncidentRelease)).Methods("POST")
	r.HandleFunc("/admin/tenants/{t}/rollouts", s.admin.Require(RoleRollout, s.handleRolloutStart)).Methods("POST")
	r.HandleFunc("/admin/tenants/{t}/rollouts/{r}", s.admin.Require(RoleRollout, s.handleRolloutGet)).Methods("GET")
	r.HandleFunc("/admin/tenants/{t}/rollouts/{r}/advance", s.admin.Require(RoleRollout, s.handleRolloutAdvance)).Methods("POST")
	r.HandleFunc("/admin/tenants/{t}/rollouts/{r}/rollback", s.admin.Require(RoleRollout, s.handleRolloutRollback)).Methods("POST")
	r.HandleFunc("/admin/tenants/{t}/apikeys", s.admin.Require(RolePolicy, s.handleMintAPIKey)).Methods("POST")
	r.HandleFunc("/admin/sessions/{id}/retention", s.admin.Require(RoleRetention, s.handleSetRetention)).Methods("POST")
	r.HandleFunc("/admin/sessions/{id}", s.admin.Require(RoleRetention, s.handleDeleteSession)).Methods("DELETE")

	// Observability.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Printf("🚀 AgentGate API listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe()
}

// versionMiddleware stamps the version headers and rejects requests for
// versions this build does not speak.
func (s *Server) versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-AgentGate-API-Version", APIVersion)
		w.Header().Set("X-AgentGate-Supported-Versions", strings.Join(s.supportedVersions, ", "))

		if requested := r.Header.Get("X-AgentGate-Requested-Version"); requested != "" {
			supported := false
			for _, v := range s.supportedVersions {
				if v == requested {
					supported = true
					break
				}
			}
			if !supported {
				writeError(w, core.EHint(core.KindVersionUnsupported,
					fmt.Sprintf("api version %q is not supported", requested),
					"supported versions: "+strings.Join(s.supportedVersions, ", ")))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withTenant resolves the caller's tenant: an agw API key on the
// Authorization header wins, the X-Tenant-ID header is the development
// fallback.
func (s *Server) withTenant(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearer := bearerToken(r); strings.HasPrefix(bearer, "agw_") {
			if s.auth == nil {
				writeError(w, core.E(core.KindUnauthenticated, "api key auth is not enabled"))
				return
			}
			id, err := s.auth.Authenticate(r.Context(), bearer)
			if err != nil {
				writeError(w, err)
				return
			}
			next(w, r.WithContext(tenancy.WithIdentity(r.Context(), id)), id.TenantID)
			return
		}

		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			tenantID = "default"
		}
		next(w, r, tenantID)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// errorEnvelope is the uniform failure body.
type errorEnvelope struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Hint   string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	env := errorEnvelope{Error: string(kind), Reason: err.Error()}
	var typed *core.Error
	if errors.As(err, &typed) {
		env.Reason = typed.Reason
		env.Hint = typed.Hint
	}
	writeJSON(w, core.HTTPStatus(kind), env)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}
