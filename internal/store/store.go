package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for the release engine. All
// methods honor context cancellation. Multi-entity mutations run through
// InTransaction, which hands the callback a Store bound to a serializable
// transaction.
type Store interface {
	// Initialize creates tables, indexes, and constraints.
	Initialize(ctx context.Context) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close cleanly shuts down the store.
	Close() error

	// InTransaction runs fn against a transaction-bound Store. Any error
	// aborts and rolls back the whole transaction.
	InTransaction(ctx context.Context, fn func(tx Store) error) error

	// Agents
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentProductionVersion(ctx context.Context, agentID, versionID string) error

	// Branches
	CreateBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, id string) (*Branch, error)
	GetBranchByName(ctx context.Context, agentID, name string) (*Branch, error)
	GetMainBranch(ctx context.Context, agentID string) (*Branch, error)
	ListBranches(ctx context.Context, agentID string) ([]*Branch, error)
	DeleteBranch(ctx context.Context, id string) error
	CountBranchVersions(ctx context.Context, branchID string) (int, error)

	// Prompt versions
	CreatePromptVersion(ctx context.Context, v *PromptVersion) error
	GetPromptVersion(ctx context.Context, id string) (*PromptVersion, error)
	GetBranchTip(ctx context.Context, branchID string) (*PromptVersion, error)
	ListBranchVersions(ctx context.Context, branchID string) ([]*PromptVersion, error)
	GetVersionChildren(ctx context.Context, id string) ([]*PromptVersion, error)
	SetVersionStatus(ctx context.Context, id string, status VersionStatus) error
	SetVersionDeployed(ctx context.Context, id string, at time.Time) error
	AppendVersionApprover(ctx context.Context, id, email string) error
	UpdateVersionFitness(ctx context.Context, id string, f Fitness) error

	// Approval requests and votes
	CreateApprovalRequest(ctx context.Context, r *ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	GetApprovalRequestByVersion(ctx context.Context, versionID string) (*ApprovalRequest, error)
	UpdateApprovalRequestStatus(ctx context.Context, id string, status ApprovalStatus) error
	IncrementApprovals(ctx context.Context, id string) (int, error)
	CreateApprovalVote(ctx context.Context, v *ApprovalVote) error
	HasVoted(ctx context.Context, requestID, approverID string) (bool, error)
	GetApprovalVotes(ctx context.Context, requestID string) ([]*ApprovalVote, error)
	ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error)
	ExpirePendingApprovalsBefore(ctx context.Context, now time.Time) ([]*ApprovalRequest, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	GetCurrentDeployment(ctx context.Context, agentID string) (*Deployment, error)
	GetDeploymentHistory(ctx context.Context, agentID string, limit int) ([]*Deployment, error)
	SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus) error
	UpdateDeploymentMetrics(ctx context.Context, id string, baseline, post *MetricsWindow) error
	SetDeploymentRegressionDetected(ctx context.Context, id string, detected bool) error
	MarkDeploymentRolledBack(ctx context.Context, id, by, reason string, at time.Time) error
	ListDeploymentsForMonitor(ctx context.Context, since, until time.Time) ([]*Deployment, error)

	// Regression reports
	CreateRegressionReport(ctx context.Context, r *RegressionReport) error
	GetLatestRegressionReport(ctx context.Context, deploymentID string) (*RegressionReport, error)

	// Reviewers
	CreateReviewer(ctx context.Context, r *Reviewer) error
	GetReviewer(ctx context.Context, id string) (*Reviewer, error)
	GetReviewerByEmail(ctx context.Context, email string) (*Reviewer, error)
	ListReviewers(ctx context.Context) ([]*Reviewer, error)
	FindAdmin(ctx context.Context) (*Reviewer, error)
	TouchReviewer(ctx context.Context, id string, at time.Time) error

	// Trajectories and comparison feedback (written by the ingestion path,
	// read here for fitness and metrics)
	InsertTrajectory(ctx context.Context, t *Trajectory) error
	InsertComparisonFeedback(ctx context.Context, f *ComparisonFeedback) error
	GetTrajectoryMetrics(ctx context.Context, agentID string, start, end time.Time) (*TrajectoryAggregate, error)
	GetVersionMetrics(ctx context.Context, versionID string, start, end time.Time) (*TrajectoryAggregate, error)
	GetVersionComparisonStats(ctx context.Context, versionID string) (*ComparisonStats, error)
	GetVersionTrajectoryStats(ctx context.Context, versionID string) (*TrajectoryStats, error)
}
