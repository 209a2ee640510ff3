package store

import (
	"time"
)

// VersionStatus is the lifecycle state of a prompt version.
type VersionStatus string

const (
	VersionCandidate  VersionStatus = "candidate"
	VersionApproved   VersionStatus = "approved"
	VersionProduction VersionStatus = "production"
	VersionRetired    VersionStatus = "retired"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentDeploying  DeploymentStatus = "deploying"
	DeploymentActive     DeploymentStatus = "active"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentSuperseded DeploymentStatus = "superseded"
)

// Vote values for approval votes.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
)

// Reviewer roles.
const (
	RoleReviewer  = "reviewer"
	RoleDeveloper = "developer"
	RoleAdmin     = "admin"
)

// Agent is a registered agent. At most one production version at a time.
type Agent struct {
	ID                         string    `json:"id"`
	Name                       string    `json:"name"`
	CurrentProductionVersionID string    `json:"currentProductionVersionId,omitempty"`
	CreatedAt                  time.Time `json:"createdAt"`
}

// Branch is a named line of prompt evolution for an agent. Exactly one
// branch per agent has IsMain set; it is auto-created on first reference.
type Branch struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId"`
	Name           string    `json:"name"`
	ParentBranchID string    `json:"parentBranchId,omitempty"`
	IsMain         bool      `json:"isMain"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PromptContent is the full prompt payload of a version. Unknown keys are
// tolerated on read; writes only ever produce these fields.
type PromptContent struct {
	SystemPrompt     string            `json:"systemPrompt"`
	ToolDescriptions map[string]string `json:"toolDescriptions,omitempty"`
	SubagentPrompts  map[string]string `json:"subagentPrompts,omitempty"`
}

// Fitness aggregates comparison feedback and trajectory outcomes for a
// version. Nil pointers mean "no data yet".
type Fitness struct {
	WinRate         *float64 `json:"winRate,omitempty"`
	SuccessRate     *float64 `json:"successRate,omitempty"`
	AvgEfficiency   *float64 `json:"avgEfficiency,omitempty"`
	ComparisonCount int      `json:"comparisonCount"`
}

// PromptVersion is a concrete prompt snapshot on a branch. Version numbers
// are sequential per (agent, branch). Two or more parents make it a merge
// node.
type PromptVersion struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agentId"`
	BranchID        string        `json:"branchId"`
	Version         int           `json:"version"`
	Content         PromptContent `json:"content"`
	ParentIDs       []string      `json:"parentIds"`
	MutationType    string        `json:"mutationType,omitempty"`
	MutationDetails string        `json:"mutationDetails,omitempty"`
	Fitness         Fitness       `json:"fitness"`
	Status          VersionStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	CreatedBy       string        `json:"createdBy"` // "evolution" or "manual"
	ApprovedBy      []string      `json:"approvedBy,omitempty"`
	DeployedAt      *time.Time    `json:"deployedAt,omitempty"`
}

// ApprovalRequest tracks multi-vote consensus for promoting a version.
// One request per version.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	VersionID         string         `json:"versionId"`
	AgentID           string         `json:"agentId"`
	RequestedBy       string         `json:"requestedBy"`
	RequestedAt       time.Time      `json:"requestedAt"`
	RequiredApprovals int            `json:"requiredApprovals"`
	CurrentApprovals  int            `json:"currentApprovals"`
	Status            ApprovalStatus `json:"status"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
}

// ApprovalVote records a single reviewer's vote on a request. Unique per
// (request, approver).
type ApprovalVote struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	ApproverID string    `json:"approverId"`
	Vote       string    `json:"vote"` // approve or reject
	Reason     string    `json:"reason,omitempty"`
	VotedAt    time.Time `json:"votedAt"`
}

// Deployment links a version to a production rollout. previousDeploymentId
// forms a linear history per agent; at most one active deployment per agent.
type Deployment struct {
	ID                    string           `json:"id"`
	VersionID             string           `json:"versionId"`
	AgentID               string           `json:"agentId"`
	DeployedBy            string           `json:"deployedBy"`
	DeployedAt            time.Time        `json:"deployedAt"`
	Status                DeploymentStatus `json:"status"`
	PreviousDeploymentID  string           `json:"previousDeploymentId,omitempty"`
	MetricsBaseline       *MetricsWindow   `json:"metricsBaseline,omitempty"`
	MetricsPostDeployment *MetricsWindow   `json:"metricsPostDeployment,omitempty"`
	RegressionDetected    bool             `json:"regressionDetected"`
	RolledBackAt          *time.Time       `json:"rolledBackAt,omitempty"`
	RolledBackBy          string           `json:"rolledBackBy,omitempty"`
	RollbackReason        string           `json:"rollbackReason,omitempty"`
}

// RegressionReport is one detector verdict for a deployment. Multiple
// reports per deployment are allowed; the latest wins.
type RegressionReport struct {
	ID                    string            `json:"id"`
	DeploymentID          string            `json:"deploymentId"`
	Detected              bool              `json:"detected"`
	Severity              string            `json:"severity,omitempty"` // low, medium, high, critical
	Metrics               MetricsComparison `json:"metrics"`
	Recommendations       []string          `json:"recommendations"`
	EvaluatedAt           time.Time         `json:"evaluatedAt"`
	AutoRollbackTriggered bool              `json:"autoRollbackTriggered"`
}

// Reviewer is a human actor. Only developer and admin roles may approve,
// deploy, or roll back.
type Reviewer struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Role         string     `json:"role"` // reviewer, developer, admin
	CreatedAt    time.Time  `json:"createdAt"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
}

// MetricsWindow is a computed aggregate over trajectories in a time window.
type MetricsWindow struct {
	SuccessRate     float64   `json:"successRate"`
	AvgEfficiency   float64   `json:"avgEfficiency"`
	ErrorRate       float64   `json:"errorRate"`
	TrajectoryCount int       `json:"trajectoryCount"`
	AvgSteps        float64   `json:"avgSteps"`
	AvgDurationMs   float64   `json:"avgDurationMs"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
}

// MetricsComparison is the delta between two windows. Change fields are
// relative: (after-before)/before, with before=0 mapping to 1 when after>0
// and 0 otherwise.
type MetricsComparison struct {
	Before                   MetricsWindow `json:"before"`
	After                    MetricsWindow `json:"after"`
	SuccessRateChange        float64       `json:"successRateChange"`
	ErrorRateChange          float64       `json:"errorRateChange"`
	EfficiencyChange         float64       `json:"efficiencyChange"`
	AvgStepsChange           float64       `json:"avgStepsChange"`
	AvgDurationChange        float64       `json:"avgDurationChange"`
	SampleSizeSufficient     bool          `json:"sampleSizeSufficient"`
	StatisticallySignificant bool          `json:"statisticallySignificant"`
	ZScore                   float64       `json:"zScore"`
}

// Trajectory outcomes.
const (
	TrajectorySuccess = "success"
	TrajectoryFailure = "failure"
	TrajectoryError   = "error"
)

// Trajectory is a recorded agent execution against a prompt version.
// Ingestion happens out-of-band; this subsystem only reads aggregates.
type Trajectory struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agentId"`
	VersionID       string    `json:"versionId"`
	Outcome         string    `json:"outcome"` // success, failure, error
	Steps           int       `json:"steps"`
	DurationMs      int64     `json:"durationMs"`
	EfficiencyScore float64   `json:"efficiencyScore"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// ComparisonFeedback is a pairwise human preference between trajectories of
// two versions.
type ComparisonFeedback struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	VersionAID string    `json:"versionAId"`
	VersionBID string    `json:"versionBId"`
	Preference string    `json:"preference"` // "a", "b", or "tie"
	Skipped    bool      `json:"skipped"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TrajectoryAggregate holds raw counts and means for a window; the metrics
// service turns it into a MetricsWindow.
type TrajectoryAggregate struct {
	Total         int
	Successes     int
	Errors        int
	AvgEfficiency float64
	AvgSteps      float64
	AvgDurationMs float64
}

// ComparisonStats holds the win/loss/tie tally for a version.
type ComparisonStats struct {
	Wins   int
	Losses int
	Ties   int
}

// TrajectoryStats holds lifetime trajectory counts for a version.
type TrajectoryStats struct {
	Total         int
	Successes     int
	AvgEfficiency float64
}
