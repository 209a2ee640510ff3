package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/graph"
	"github.com/promptpilot/promptpilot/internal/store"
)

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"database":  "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Approvals ---

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VersionID         string  `json:"versionId"`
		RequestedBy       string  `json:"requestedBy"`
		RequiredApprovals int     `json:"requiredApprovals"`
		ExpiresInHours    float64 `json:"expiresInHours"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	ar, err := s.approvals.RequestApproval(r.Context(), req.VersionID, req.RequestedBy, req.RequiredApprovals, req.ExpiresInHours)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ar)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	versionID := r.PathValue("versionId")
	var req struct {
		ApproverID string `json:"approverId"`
		Reason     string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	status, err := s.approvals.Approve(r.Context(), versionID, req.ApproverID, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	versionID := r.PathValue("versionId")
	var req struct {
		ApproverID string `json:"approverId"`
		Reason     string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.approvals.Reject(r.Context(), versionID, req.ApproverID, req.Reason); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.approvals.GetApprovalStatus(r.Context(), r.PathValue("versionId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.ListPending(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if pending == nil {
		pending = []*store.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// --- Deployments ---

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VersionID  string `json:"versionId"`
		DeployedBy string `json:"deployedBy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	dep, err := s.deploys.Deploy(r.Context(), req.VersionID, req.DeployedBy)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		RolledBackBy string `json:"rolledBackBy"`
		Reason       string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	restored, err := s.deploys.Rollback(r.Context(), id, req.RolledBackBy, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deploys.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}

	// The report is optional context; absence is not an error here.
	report, err := s.detector.LatestReport(r.Context(), dep.ID)
	if err != nil && !fault.IsKind(err, fault.KindNotFound) {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployment":       dep,
		"regressionReport": report,
	})
}

func (s *Server) handleDeploymentHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deploys.History(r.Context(), r.PathValue("agentId"), queryInt(r, "limit", 50))
	if err != nil {
		writeFault(w, err)
		return
	}
	if history == nil {
		history = []*store.Deployment{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCurrentDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deploys.Current(r.Context(), r.PathValue("agentId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// --- Metrics ---

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(queryInt(r, "window", 60)) * time.Minute)

	window, err := s.metrics.AgentWindow(r.Context(), r.PathValue("agentId"), start, end)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (s *Server) handleDeploymentMetrics(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deploys.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}

	window, err := s.metrics.VersionWindow(r.Context(), dep.VersionID, dep.DeployedAt, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

// --- Regression ---

func (s *Server) handleEvaluateRegression(w http.ResponseWriter, r *http.Request) {
	report, err := s.detector.Evaluate(r.Context(), r.PathValue("deploymentId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRegressionReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.detector.LatestReport(r.Context(), r.PathValue("deploymentId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Version graph ---

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID        string `json:"agentId"`
		Name           string `json:"name"`
		ParentBranchID string `json:"parentBranchId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	branch, err := s.graph.CreateBranch(r.Context(), req.AgentID, req.Name, req.ParentBranchID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.graph.ListBranches(r.Context(), r.PathValue("agentId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if branches == nil {
		branches = []*store.Branch{}
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.DeleteBranch(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMergeBranches(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceBranchID string `json:"sourceBranchId"`
		TargetBranchID string `json:"targetBranchId"`
		Approver       string `json:"approver"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	merged, err := s.graph.MergeBranch(r.Context(), req.SourceBranchID, req.TargetBranchID, req.Approver)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, merged)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID         string              `json:"agentId"`
		BranchID        string              `json:"branchId"`
		Content         store.PromptContent `json:"content"`
		ParentIDs       []string            `json:"parentIds"`
		MutationType    string              `json:"mutationType"`
		MutationDetails string              `json:"mutationDetails"`
		CreatedBy       string              `json:"createdBy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	version, err := s.graph.CreateVersion(r.Context(), graph.CreateVersionInput{
		AgentID:         req.AgentID,
		BranchID:        req.BranchID,
		Content:         req.Content,
		ParentIDs:       req.ParentIDs,
		MutationType:    req.MutationType,
		MutationDetails: req.MutationDetails,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.graph.GetVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleVersionLineage(w http.ResponseWriter, r *http.Request) {
	lineage, err := s.graph.GetLineage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineage)
}

func (s *Server) handleRecomputeFitness(w http.ResponseWriter, r *http.Request) {
	fitness, err := s.graph.RecomputeFitness(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fitness)
}

// --- Agents and reviewers ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateReviewer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
		Actor string `json:"actor"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Role {
	case store.RoleReviewer, store.RoleDeveloper, store.RoleAdmin:
	default:
		writeError(w, http.StatusBadRequest, "role must be reviewer, developer, or admin")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if _, err := s.checker.Require(r.Context(), req.Actor, auth.CapManageReviewers); err != nil {
		writeFault(w, err)
		return
	}

	reviewer := &store.Reviewer{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Name:      req.Name,
		Role:      req.Role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateReviewer(r.Context(), reviewer); err != nil {
		if store.IsConstraintViolation(err) {
			writeError(w, http.StatusConflict, "a reviewer with that email already exists")
			return
		}
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reviewer)
}

func (s *Server) handleListReviewers(w http.ResponseWriter, r *http.Request) {
	reviewers, err := s.store.ListReviewers(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if reviewers == nil {
		reviewers = []*store.Reviewer{}
	}
	writeJSON(w, http.StatusOK, reviewers)
}
