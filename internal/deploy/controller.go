// Package deploy promotes approved prompt versions to production and rolls
// them back, keeping the one-active-deployment-per-agent invariant inside a
// single transaction.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptpilot/promptpilot/internal/approval"
	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/metrics"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/regression"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Controller executes deployments and rollbacks.
type Controller struct {
	store    store.Store
	checker  *auth.Checker
	approval *approval.Service
	metrics  *metrics.Service
	detector *regression.Detector
	cfg      func() config.Config
	gateway  *notify.Gateway
	logger   *slog.Logger
}

// NewController creates a deployment controller.
func NewController(
	s store.Store,
	checker *auth.Checker,
	approvalSvc *approval.Service,
	metricsSvc *metrics.Service,
	detector *regression.Detector,
	cfg func() config.Config,
	gateway *notify.Gateway,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    s,
		checker:  checker,
		approval: approvalSvc,
		metrics:  metricsSvc,
		detector: detector,
		cfg:      cfg,
		gateway:  gateway,
		logger:   logger.With("component", "deploy.Controller"),
	}
}

// Deploy promotes an approved version to production. Every table change
// commits atomically; on success the regression evaluation is scheduled and
// a deployed event is emitted.
func (c *Controller) Deploy(ctx context.Context, versionID, deployedBy string) (*store.Deployment, error) {
	if _, err := c.checker.Require(ctx, deployedBy, auth.CapDeploy); err != nil {
		return nil, err
	}

	version, err := c.store.GetPromptVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fault.NotFound("version %s not found", versionID)
	}

	cfg := c.cfg()

	var dep *store.Deployment
	err = c.store.InTransaction(ctx, func(tx store.Store) error {
		ok, err := c.approval.CanDeploy(ctx, tx, versionID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Conflict("version %s is not approved for deployment", versionID)
		}

		current, err := tx.GetCurrentDeployment(ctx, version.AgentID)
		if err != nil {
			return err
		}

		baseline, err := c.metrics.CaptureBaselineIn(ctx, tx, version.AgentID, cfg.Deployment.BaselineWindow())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		dep = &store.Deployment{
			ID:              uuid.NewString(),
			VersionID:       versionID,
			AgentID:         version.AgentID,
			DeployedBy:      deployedBy,
			DeployedAt:      now,
			Status:          store.DeploymentActive,
			MetricsBaseline: baseline,
		}
		if current != nil {
			dep.PreviousDeploymentID = current.ID
			if err := tx.SetDeploymentStatus(ctx, current.ID, store.DeploymentSuperseded); err != nil {
				return err
			}
		}
		if err := tx.CreateDeployment(ctx, dep); err != nil {
			return err
		}

		if err := tx.SetVersionStatus(ctx, versionID, store.VersionProduction); err != nil {
			return err
		}
		if err := tx.SetVersionDeployed(ctx, versionID, now); err != nil {
			return err
		}

		agent, err := tx.GetAgent(ctx, version.AgentID)
		if err != nil {
			return err
		}
		if agent != nil && agent.CurrentProductionVersionID != "" && agent.CurrentProductionVersionID != versionID {
			if err := tx.SetVersionStatus(ctx, agent.CurrentProductionVersionID, store.VersionRetired); err != nil {
				return err
			}
		}
		return tx.SetAgentProductionVersion(ctx, version.AgentID, versionID)
	})
	if err != nil {
		return nil, err
	}

	c.detector.ScheduleEvaluation(dep.ID, cfg.Regression.EvaluationWindow())
	c.logger.Info("version deployed",
		"agent_id", version.AgentID,
		"version_id", versionID,
		"deployment_id", dep.ID,
		"deployed_by", deployedBy,
	)
	c.gateway.Emit(notify.Event{
		Type:    notify.EventDeployed,
		Title:   "Version deployed",
		Message: fmt.Sprintf("Version %d is now in production", version.Version),
		AgentID: version.AgentID,
		Details: map[string]interface{}{
			"versionId":    versionID,
			"deploymentId": dep.ID,
			"deployedBy":   deployedBy,
		},
	})
	return dep, nil
}

// Rollback reverts a deployment, reactivating its predecessor. The restored
// (now active) deployment is returned.
func (c *Controller) Rollback(ctx context.Context, deploymentID, rolledBackBy, reason string) (*store.Deployment, error) {
	if _, err := c.checker.Require(ctx, rolledBackBy, auth.CapRollback); err != nil {
		return nil, err
	}

	var restored *store.Deployment
	var agentID string
	err := c.store.InTransaction(ctx, func(tx store.Store) error {
		dep, err := tx.GetDeployment(ctx, deploymentID)
		if err != nil {
			return err
		}
		if dep == nil {
			return fault.NotFound("deployment %s not found", deploymentID)
		}
		if dep.RolledBackAt != nil {
			return fault.Conflict("deployment %s is already rolled back", deploymentID)
		}
		if dep.PreviousDeploymentID == "" {
			return fault.Conflict("deployment %s has no previous deployment to restore", deploymentID)
		}
		agentID = dep.AgentID

		// Only now is the rollback certain to proceed; a failed precondition
		// must leave the deployment's deferred evaluation scheduled.
		c.detector.CancelScheduledEvaluation(deploymentID)

		prev, err := tx.GetDeployment(ctx, dep.PreviousDeploymentID)
		if err != nil {
			return err
		}
		if prev == nil {
			return fault.NotFound("previous deployment %s not found", dep.PreviousDeploymentID)
		}

		now := time.Now().UTC()
		if err := tx.MarkDeploymentRolledBack(ctx, dep.ID, rolledBackBy, reason, now); err != nil {
			return err
		}
		if err := tx.SetVersionStatus(ctx, dep.VersionID, store.VersionCandidate); err != nil {
			return err
		}

		if err := tx.SetDeploymentStatus(ctx, prev.ID, store.DeploymentActive); err != nil {
			return err
		}
		if err := tx.SetVersionStatus(ctx, prev.VersionID, store.VersionProduction); err != nil {
			return err
		}
		if err := tx.SetAgentProductionVersion(ctx, dep.AgentID, prev.VersionID); err != nil {
			return err
		}

		prev.Status = store.DeploymentActive
		restored = prev
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("deployment rolled back",
		"deployment_id", deploymentID,
		"restored_deployment_id", restored.ID,
		"rolled_back_by", rolledBackBy,
		"reason", reason,
	)
	c.gateway.Emit(notify.Event{
		Type:     notify.EventRollbackComplete,
		Severity: "warning",
		Title:    "Rollback complete",
		Message:  fmt.Sprintf("Deployment %s was rolled back", deploymentID),
		AgentID:  agentID,
		Details: map[string]interface{}{
			"deploymentId":         deploymentID,
			"restoredDeploymentId": restored.ID,
			"rolledBackBy":         rolledBackBy,
			"reason":               reason,
		},
	})
	return restored, nil
}

// AutoRollback rolls a deployment back on the system's behalf, acting as
// the first registered admin.
func (c *Controller) AutoRollback(ctx context.Context, deploymentID, reason string) (*store.Deployment, error) {
	admin, err := c.store.FindAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		return nil, fault.Conflict("no admin reviewer available to execute auto-rollback")
	}

	dep, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, fault.NotFound("deployment %s not found", deploymentID)
	}

	c.gateway.Emit(notify.Event{
		Type:     notify.EventRollback,
		Severity: "critical",
		Title:    "Automatic rollback initiated",
		Message:  reason,
		AgentID:  dep.AgentID,
		Details: map[string]interface{}{
			"deploymentId": deploymentID,
			"reason":       reason,
		},
	})
	return c.Rollback(ctx, deploymentID, admin.Email, "[AUTO] "+reason)
}

// IsDeployed reports whether the version is the one currently live for its
// agent.
func (c *Controller) IsDeployed(ctx context.Context, versionID string) (bool, error) {
	version, err := c.store.GetPromptVersion(ctx, versionID)
	if err != nil {
		return false, err
	}
	if version == nil {
		return false, fault.NotFound("version %s not found", versionID)
	}
	current, err := c.store.GetCurrentDeployment(ctx, version.AgentID)
	if err != nil {
		return false, err
	}
	return current != nil && current.VersionID == versionID, nil
}

// Get returns a deployment by ID.
func (c *Controller) Get(ctx context.Context, deploymentID string) (*store.Deployment, error) {
	dep, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, fault.NotFound("deployment %s not found", deploymentID)
	}
	return dep, nil
}

// Current returns the agent's active deployment.
func (c *Controller) Current(ctx context.Context, agentID string) (*store.Deployment, error) {
	dep, err := c.store.GetCurrentDeployment(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, fault.NotFound("agent %s has no active deployment", agentID)
	}
	return dep, nil
}

// History returns the agent's deployments, newest first.
func (c *Controller) History(ctx context.Context, agentID string, limit int) ([]*store.Deployment, error) {
	return c.store.GetDeploymentHistory(ctx, agentID, limit)
}
