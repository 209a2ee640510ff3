// Package api exposes the control plane over HTTP+JSON: approval workflow,
// deployment lifecycle, metrics windows, regression reports, and the prompt
// version graph. Handlers are thin; business rules live in the service
// packages and surface here as faults mapped to status codes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/promptpilot/promptpilot/internal/approval"
	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/deploy"
	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/graph"
	"github.com/promptpilot/promptpilot/internal/metrics"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/regression"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Server is the control-plane HTTP server.
type Server struct {
	cfg        func() config.Config
	store      store.Store
	graph      *graph.Service
	approvals  *approval.Service
	deploys    *deploy.Controller
	metrics    *metrics.Service
	detector   *regression.Detector
	checker    *auth.Checker
	wsHub      *notify.WSHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the service layer into an HTTP server. The WebSocket hub
// may be nil when the live event stream is disabled.
func NewServer(
	cfg func() config.Config,
	st store.Store,
	graphSvc *graph.Service,
	approvalSvc *approval.Service,
	deploySvc *deploy.Controller,
	metricsSvc *metrics.Service,
	detector *regression.Detector,
	checker *auth.Checker,
	wsHub *notify.WSHub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		store:     st,
		graph:     graphSvc,
		approvals: approvalSvc,
		deploys:   deploySvc,
		metrics:   metricsSvc,
		detector:  detector,
		checker:   checker,
		wsHub:     wsHub,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Approvals
	s.mux.HandleFunc("POST /approvals/request", s.handleRequestApproval)
	s.mux.HandleFunc("POST /approvals/{versionId}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /approvals/{versionId}/reject", s.handleReject)
	s.mux.HandleFunc("GET /approvals/pending", s.handlePendingApprovals)
	s.mux.HandleFunc("GET /approvals/{versionId}", s.handleApprovalStatus)

	// Deployments
	s.mux.HandleFunc("POST /deployments", s.handleDeploy)
	s.mux.HandleFunc("POST /deployments/{id}/rollback", s.handleRollback)
	s.mux.HandleFunc("GET /deployments/{id}", s.handleGetDeployment)
	s.mux.HandleFunc("GET /deployments/agent/{agentId}", s.handleDeploymentHistory)
	s.mux.HandleFunc("GET /deployments/agent/{agentId}/current", s.handleCurrentDeployment)

	// Metrics
	s.mux.HandleFunc("GET /metrics/agent/{agentId}", s.handleAgentMetrics)
	s.mux.HandleFunc("GET /metrics/deployment/{id}", s.handleDeploymentMetrics)

	// Regression
	s.mux.HandleFunc("POST /regression/evaluate/{deploymentId}", s.handleEvaluateRegression)
	s.mux.HandleFunc("GET /regression/report/{deploymentId}", s.handleRegressionReport)

	// Version graph
	s.mux.HandleFunc("POST /branches", s.handleCreateBranch)
	s.mux.HandleFunc("POST /branches/merge", s.handleMergeBranches)
	s.mux.HandleFunc("GET /branches/{agentId}", s.handleListBranches)
	s.mux.HandleFunc("DELETE /branches/{id}", s.handleDeleteBranch)
	s.mux.HandleFunc("POST /versions", s.handleCreateVersion)
	s.mux.HandleFunc("GET /versions/{id}", s.handleGetVersion)
	s.mux.HandleFunc("GET /versions/{id}/lineage", s.handleVersionLineage)
	s.mux.HandleFunc("POST /versions/{id}/fitness/recompute", s.handleRecomputeFitness)

	// Agents and reviewers
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("POST /reviewers", s.handleCreateReviewer)
	s.mux.HandleFunc("GET /reviewers", s.handleListReviewers)

	// Live event stream
	if s.wsHub != nil {
		s.mux.HandleFunc("GET /events/ws", s.wsHub.HandleWebSocket)
	}
}

// Handler returns the HTTP handler, wrapped with CORS when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfg().Server.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start begins serving on the configured port and blocks until the listener
// closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg().Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps a service-layer error onto the HTTP taxonomy. Non-fault
// errors are internal and deliberately opaque.
func writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// decodeJSON reads the request body into v. A false return means the 400 has
// already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
