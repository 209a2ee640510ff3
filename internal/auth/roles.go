// Package auth implements role-based authorization for the release engine.
// Actors are identified by email and resolved against the reviewer registry;
// capability checks gate approval, deployment, and rollback operations.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Capability is a named operation an actor may or may not perform.
type Capability string

const (
	CapVote            Capability = "approval.vote"
	CapDeploy          Capability = "deployment.deploy"
	CapRollback        Capability = "deployment.rollback"
	CapManageReviewers Capability = "reviewer.manage"
)

// RoleAllows checks whether a role grants a capability. Voting, deployment,
// and rollback all require developer or admin; plain reviewers are
// read-only; only admins manage the registry.
func RoleAllows(role string, cap Capability) bool {
	switch role {
	case store.RoleAdmin:
		return true
	case store.RoleDeveloper:
		return cap != CapManageReviewers
	default:
		return false
	}
}

// Checker resolves actor emails against the reviewer registry and enforces
// capabilities. A zero reviewer registry means an open system, so unknown
// actors are admitted only when the registry is empty.
type Checker struct {
	store  store.Store
	logger *slog.Logger
}

// NewChecker creates a capability checker backed by the reviewer registry.
func NewChecker(s store.Store, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:  s,
		logger: logger.With("component", "auth.Checker"),
	}
}

// Require resolves the actor and verifies the capability. It returns the
// reviewer record on success; registered actors get their last-active
// timestamp bumped.
func (c *Checker) Require(ctx context.Context, email string, cap Capability) (*store.Reviewer, error) {
	if email == "" {
		return nil, fault.InvalidInput("actor email is required")
	}

	reviewer, err := c.store.GetReviewerByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if reviewer == nil {
		registered, err := c.store.ListReviewers(ctx)
		if err != nil {
			return nil, err
		}
		if len(registered) == 0 {
			// Bootstrapping: nobody is registered yet, treat the actor as a
			// developer so the first deploy does not dead-lock on itself.
			return &store.Reviewer{Email: email, Role: store.RoleDeveloper}, nil
		}
		return nil, fault.PermissionDenied("unknown actor %s", email)
	}

	if !RoleAllows(reviewer.Role, cap) {
		c.logger.Warn("capability denied",
			"actor", email,
			"role", reviewer.Role,
			"capability", string(cap),
		)
		return nil, fault.PermissionDenied("role %s may not perform %s", reviewer.Role, cap)
	}

	if err := c.store.TouchReviewer(ctx, reviewer.ID, time.Now().UTC()); err != nil {
		c.logger.Warn("failed to update reviewer activity", "actor", email, "error", err)
	}
	return reviewer, nil
}
