// Package notify fans release-engine events out to configured sinks:
// a signed generic webhook, a Slack incoming webhook, and live WebSocket
// subscribers. Delivery is fire-and-forget; a sink failure never fails the
// operation that emitted the event.
package notify

import (
	"time"
)

// EventType enumerates the events the release engine emits.
type EventType string

const (
	EventApprovalNeeded     EventType = "approval_needed"
	EventApprovalReceived   EventType = "approval_received"
	EventApprovalRejected   EventType = "approval_rejected"
	EventDeployed           EventType = "deployed"
	EventRegressionDetected EventType = "regression_detected"
	EventRollback           EventType = "rollback"
	EventRollbackComplete   EventType = "rollback_complete"
)

// Event is one notification. Details carries event-specific fields such as
// versionId, deploymentId, or severity.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  string                 `json:"severity"` // info, warning, critical
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	AgentID   string                 `json:"agentId,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
