// Package approval implements the multi-vote promotion workflow: a version
// needs a configurable number of approve votes from developers or admins
// before it can be deployed; any reject kills the request.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Status is the full snapshot returned by approval queries.
type Status struct {
	Request   *store.ApprovalRequest `json:"request"`
	Votes     []*store.ApprovalVote  `json:"votes"`
	CanDeploy bool                   `json:"canDeploy"`
}

// Service owns approval requests and votes.
type Service struct {
	store   store.Store
	checker *auth.Checker
	gateway *notify.Gateway
	logger  *slog.Logger
}

// NewService creates an approval service.
func NewService(s store.Store, checker *auth.Checker, gateway *notify.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		checker: checker,
		gateway: gateway,
		logger:  logger.With("component", "approval.Service"),
	}
}

// RequestApproval opens an approval request for a candidate version.
func (s *Service) RequestApproval(ctx context.Context, versionID, requestedBy string, requiredApprovals int, expiresInHours float64) (*store.ApprovalRequest, error) {
	if requiredApprovals < 1 {
		return nil, fault.InvalidInput("requiredApprovals must be at least 1")
	}
	if requestedBy == "" {
		return nil, fault.InvalidInput("requestedBy is required")
	}

	var req *store.ApprovalRequest
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		v, err := tx.GetPromptVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v == nil {
			return fault.NotFound("version %s not found", versionID)
		}

		existing, err := tx.GetApprovalRequestByVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if existing != nil {
			switch existing.Status {
			case store.ApprovalPending:
				return fault.Conflict("approval for version %s is already pending", versionID)
			case store.ApprovalApproved:
				return fault.Conflict("version %s is already approved", versionID)
			default:
				return fault.Conflict("an approval request for version %s already exists (%s)", versionID, existing.Status)
			}
		}

		req = &store.ApprovalRequest{
			ID:                uuid.NewString(),
			VersionID:         versionID,
			AgentID:           v.AgentID,
			RequestedBy:       requestedBy,
			RequestedAt:       time.Now().UTC(),
			RequiredApprovals: requiredApprovals,
			Status:            store.ApprovalPending,
		}
		if expiresInHours > 0 {
			expires := req.RequestedAt.Add(time.Duration(expiresInHours * float64(time.Hour)))
			req.ExpiresAt = &expires
		}
		if err := tx.CreateApprovalRequest(ctx, req); err != nil {
			if store.IsConstraintViolation(err) {
				return fault.Conflict("approval for version %s is already pending", versionID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("approval requested",
		"version_id", versionID,
		"requested_by", requestedBy,
		"required_approvals", requiredApprovals,
	)
	s.gateway.Emit(notify.Event{
		Type:    notify.EventApprovalNeeded,
		Title:   "Approval needed",
		Message: "A prompt version is waiting for review",
		AgentID: req.AgentID,
		Details: map[string]interface{}{
			"versionId":         versionID,
			"requestId":         req.ID,
			"requiredApprovals": requiredApprovals,
		},
	})
	return req, nil
}

// Approve records an approve vote. When the vote count reaches the required
// threshold, the request and version both transition to approved.
func (s *Service) Approve(ctx context.Context, versionID, approverID, reason string) (*Status, error) {
	if _, err := s.checker.Require(ctx, approverID, auth.CapVote); err != nil {
		return nil, err
	}

	var (
		req      *store.ApprovalRequest
		approved bool
	)
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		var err error
		req, err = s.loadPendingRequest(ctx, tx, versionID)
		if err != nil {
			return err
		}

		if err := s.castVote(ctx, tx, req, approverID, store.VoteApprove, reason); err != nil {
			return err
		}

		count, err := tx.IncrementApprovals(ctx, req.ID)
		if err != nil {
			return err
		}
		req.CurrentApprovals = count

		if err := tx.AppendVersionApprover(ctx, versionID, approverID); err != nil {
			return err
		}

		if count >= req.RequiredApprovals {
			approved = true
			req.Status = store.ApprovalApproved
			if err := tx.UpdateApprovalRequestStatus(ctx, req.ID, store.ApprovalApproved); err != nil {
				return err
			}
			if err := tx.SetVersionStatus(ctx, versionID, store.VersionApproved); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if fault.IsKind(err, fault.KindExpired) {
			s.markExpired(ctx, versionID)
		}
		return nil, err
	}

	s.logger.Info("approval vote recorded",
		"version_id", versionID,
		"approver", approverID,
		"current_approvals", req.CurrentApprovals,
		"approved", approved,
	)
	s.gateway.Emit(notify.Event{
		Type:    notify.EventApprovalReceived,
		Title:   "Approval received",
		Message: "A reviewer approved a prompt version",
		AgentID: req.AgentID,
		Details: map[string]interface{}{
			"versionId":         versionID,
			"approverId":        approverID,
			"currentApprovals":  req.CurrentApprovals,
			"requiredApprovals": req.RequiredApprovals,
			"approved":          approved,
		},
	})
	return s.GetApprovalStatus(ctx, versionID)
}

// Reject records a reject vote, which immediately closes the request and
// reverts the version to candidate. A non-empty reason is mandatory.
func (s *Service) Reject(ctx context.Context, versionID, approverID, reason string) error {
	if reason == "" {
		return fault.InvalidInput("a rejection reason is required")
	}
	if _, err := s.checker.Require(ctx, approverID, auth.CapVote); err != nil {
		return err
	}

	var req *store.ApprovalRequest
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		var err error
		req, err = s.loadPendingRequest(ctx, tx, versionID)
		if err != nil {
			return err
		}

		if err := s.castVote(ctx, tx, req, approverID, store.VoteReject, reason); err != nil {
			return err
		}
		if err := tx.UpdateApprovalRequestStatus(ctx, req.ID, store.ApprovalRejected); err != nil {
			return err
		}
		return tx.SetVersionStatus(ctx, versionID, store.VersionCandidate)
	})
	if err != nil {
		if fault.IsKind(err, fault.KindExpired) {
			s.markExpired(ctx, versionID)
		}
		return err
	}

	s.logger.Info("version rejected",
		"version_id", versionID,
		"approver", approverID,
		"reason", reason,
	)
	s.gateway.Emit(notify.Event{
		Type:     notify.EventApprovalRejected,
		Severity: "warning",
		Title:    "Approval rejected",
		Message:  reason,
		AgentID:  req.AgentID,
		Details: map[string]interface{}{
			"versionId":  versionID,
			"approverId": approverID,
			"reason":     reason,
		},
	})
	return nil
}

// loadPendingRequest fetches the request for a version and enforces the
// pending-state preconditions, lazily expiring overdue requests.
func (s *Service) loadPendingRequest(ctx context.Context, tx store.Store, versionID string) (*store.ApprovalRequest, error) {
	req, err := tx.GetApprovalRequestByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fault.NotFound("no approval request for version %s", versionID)
	}
	if req.Status == store.ApprovalPending && req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now().UTC()) {
		// The vote transaction rolls back on this error, so the caller
		// persists the expired flip outside it.
		return nil, fault.Expired("approval request for version %s has expired", versionID)
	}
	if req.Status != store.ApprovalPending {
		return nil, fault.Conflict("approval request for version %s is not pending (%s)", versionID, req.Status)
	}
	return req, nil
}

// markExpired persists the expired status on the base store. Called after a
// vote transaction aborts with an expiry fault; the flip must survive that
// rollback so the request leaves the pending queue immediately.
func (s *Service) markExpired(ctx context.Context, versionID string) {
	req, err := s.store.GetApprovalRequestByVersion(ctx, versionID)
	if err != nil || req == nil || req.Status != store.ApprovalPending {
		return
	}
	if err := s.store.UpdateApprovalRequestStatus(ctx, req.ID, store.ApprovalExpired); err != nil {
		s.logger.Warn("failed to persist expired approval request",
			"version_id", versionID,
			"request_id", req.ID,
			"error", err,
		)
	}
}

func (s *Service) castVote(ctx context.Context, tx store.Store, req *store.ApprovalRequest, approverID, vote, reason string) error {
	voted, err := tx.HasVoted(ctx, req.ID, approverID)
	if err != nil {
		return err
	}
	if voted {
		return fault.Conflict("%s has already voted on version %s", approverID, req.VersionID)
	}
	v := &store.ApprovalVote{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		ApproverID: approverID,
		Vote:       vote,
		Reason:     reason,
		VotedAt:    time.Now().UTC(),
	}
	if err := tx.CreateApprovalVote(ctx, v); err != nil {
		if store.IsConstraintViolation(err) {
			return fault.Conflict("%s has already voted on version %s", approverID, req.VersionID)
		}
		return err
	}
	return nil
}

// GetApprovalStatus returns the request, its votes, and whether the version
// may deploy. Overdue pending requests are marked expired on read.
func (s *Service) GetApprovalStatus(ctx context.Context, versionID string) (*Status, error) {
	req, err := s.store.GetApprovalRequestByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fault.NotFound("no approval request for version %s", versionID)
	}

	if req.Status == store.ApprovalPending && req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now().UTC()) {
		if err := s.store.UpdateApprovalRequestStatus(ctx, req.ID, store.ApprovalExpired); err != nil {
			return nil, err
		}
		req.Status = store.ApprovalExpired
	}

	votes, err := s.store.GetApprovalVotes(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Request:   req,
		Votes:     votes,
		CanDeploy: req.Status == store.ApprovalApproved,
	}, nil
}

// ListPending returns all pending approval requests.
func (s *Service) ListPending(ctx context.Context) ([]*store.ApprovalRequest, error) {
	return s.store.ListPendingApprovals(ctx)
}

// CanDeploy reports whether the version's request is approved. Used by the
// deployment controller inside its transaction.
func (s *Service) CanDeploy(ctx context.Context, tx store.Store, versionID string) (bool, error) {
	req, err := tx.GetApprovalRequestByVersion(ctx, versionID)
	if err != nil {
		return false, err
	}
	return req != nil && req.Status == store.ApprovalApproved, nil
}

// ExpireOverdue flips all overdue pending requests to expired. Invoked by
// the hourly scheduler sweep; returns how many were expired.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpirePendingApprovalsBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, req := range expired {
		s.logger.Info("approval request expired",
			"request_id", req.ID,
			"version_id", req.VersionID,
		)
	}
	return len(expired), nil
}
