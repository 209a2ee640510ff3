// Package regression evaluates deployments for performance regressions by
// comparing post-deployment metrics against the baseline captured at deploy
// time, and schedules deferred evaluations at the end of each deployment's
// observation window.
package regression

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/metrics"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Severity escalation points on the relative success-rate drop and error
// increase.
const (
	criticalDrop = 0.20
	highDrop     = 0.10
)

// Detector owns regression evaluation and the deferred evaluation timers.
type Detector struct {
	store   store.Store
	metrics *metrics.Service
	cfg     func() config.RegressionConfig
	gateway *notify.Gateway
	logger  *slog.Logger

	// OnAutoRollback is invoked when an evaluation concludes that the
	// deployment must be rolled back. Wired to the deployment controller at
	// startup.
	OnAutoRollback func(ctx context.Context, deploymentID, reason string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDetector creates a detector. cfg is called per evaluation so threshold
// changes from config hot-reload take effect without a restart.
func NewDetector(s store.Store, m *metrics.Service, cfg func() config.RegressionConfig, gateway *notify.Gateway, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:   s,
		metrics: m,
		cfg:     cfg,
		gateway: gateway,
		logger:  logger.With("component", "regression.Detector"),
		timers:  make(map[string]*time.Timer),
	}
}

// Evaluate compares a deployment's post-deploy window against its baseline
// and persists a report. Calling it repeatedly is safe; each call writes a
// fresh report and the latest wins.
func (d *Detector) Evaluate(ctx context.Context, deploymentID string) (*store.RegressionReport, error) {
	cfg := d.cfg()

	dep, err := d.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, fault.NotFound("deployment %s not found", deploymentID)
	}

	if dep.MetricsBaseline == nil {
		return d.adoptBaseline(ctx, dep, cfg)
	}

	windowEnd := dep.DeployedAt.Add(cfg.EvaluationWindow())
	if now := time.Now().UTC(); windowEnd.After(now) {
		windowEnd = now
	}
	post, err := d.metrics.VersionWindow(ctx, dep.VersionID, dep.DeployedAt, windowEnd)
	if err != nil {
		return nil, err
	}

	comparison := d.metrics.Compare(dep.MetricsBaseline, post)
	detected, severity := classify(comparison, cfg)

	report := &store.RegressionReport{
		ID:              ulid.Make().String(),
		DeploymentID:    deploymentID,
		Detected:        detected,
		Severity:        severity,
		Metrics:         *comparison,
		Recommendations: recommendations(comparison, detected, severity, cfg),
		EvaluatedAt:     time.Now().UTC(),
	}
	report.AutoRollbackTriggered = severity == "critical" && comparison.StatisticallySignificant

	err = d.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.CreateRegressionReport(ctx, report); err != nil {
			return err
		}
		if err := tx.UpdateDeploymentMetrics(ctx, deploymentID, nil, post); err != nil {
			return err
		}
		return tx.SetDeploymentRegressionDetected(ctx, deploymentID, detected)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("deployment evaluated",
		"deployment_id", deploymentID,
		"detected", detected,
		"severity", severity,
		"z_score", comparison.ZScore,
		"auto_rollback", report.AutoRollbackTriggered,
	)

	if detected {
		d.gateway.Emit(notify.Event{
			Type:     notify.EventRegressionDetected,
			Severity: eventSeverity(severity),
			Title:    "Regression detected",
			Message:  fmt.Sprintf("Deployment %s shows a %s regression", deploymentID, severity),
			AgentID:  dep.AgentID,
			Details: map[string]interface{}{
				"deploymentId": deploymentID,
				"versionId":    dep.VersionID,
				"severity":     severity,
				"zScore":       comparison.ZScore,
			},
		})
	}
	return report, nil
}

// adoptBaseline handles deployments created without baseline metrics: the
// current window becomes the baseline and no verdict is rendered.
func (d *Detector) adoptBaseline(ctx context.Context, dep *store.Deployment, cfg config.RegressionConfig) (*store.RegressionReport, error) {
	end := time.Now().UTC()
	baseline, err := d.metrics.AgentWindow(ctx, dep.AgentID, end.Add(-cfg.EvaluationWindow()), end)
	if err != nil {
		return nil, err
	}
	if err := d.store.UpdateDeploymentMetrics(ctx, dep.ID, baseline, nil); err != nil {
		return nil, err
	}

	report := &store.RegressionReport{
		ID:           ulid.Make().String(),
		DeploymentID: dep.ID,
		Detected:     false,
		Metrics:      store.MetricsComparison{Before: *baseline, After: *baseline},
		Recommendations: []string{
			"No baseline metrics were available; current metrics adopted as baseline",
		},
		EvaluatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateRegressionReport(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// classify applies the detection rule and severity ladder.
func classify(c *store.MetricsComparison, cfg config.RegressionConfig) (detected bool, severity string) {
	if !c.SampleSizeSufficient {
		return false, ""
	}

	successDrop := -c.SuccessRateChange
	efficiencyDrop := -c.EfficiencyChange
	errorIncrease := c.ErrorRateChange

	if successDrop <= cfg.SuccessRateThreshold &&
		efficiencyDrop <= cfg.EfficiencyThreshold &&
		errorIncrease <= cfg.SuccessRateThreshold {
		return false, ""
	}

	switch {
	case successDrop > criticalDrop || errorIncrease > criticalDrop:
		return true, "critical"
	case successDrop > highDrop || errorIncrease > highDrop:
		return true, "high"
	case successDrop > cfg.SuccessRateThreshold || efficiencyDrop > cfg.EfficiencyThreshold:
		return true, "medium"
	default:
		return true, "low"
	}
}

// recommendations renders advice in a deterministic order: the severity
// headline, then per-metric findings, then the significance caveat.
func recommendations(c *store.MetricsComparison, detected bool, severity string, cfg config.RegressionConfig) []string {
	if !c.SampleSizeSufficient {
		return []string{fmt.Sprintf(
			"Insufficient sample size (%d/%d); continue monitoring before drawing conclusions",
			c.After.TrajectoryCount, cfg.MinSampleSize,
		)}
	}
	if !detected {
		return []string{"Metrics are within expected thresholds; no action needed"}
	}

	var recs []string
	switch severity {
	case "critical":
		recs = append(recs, "Critical regression: immediate rollback is recommended")
	case "high":
		recs = append(recs, "High-severity regression: consider rolling back")
	}

	successDrop := -c.SuccessRateChange
	efficiencyDrop := -c.EfficiencyChange
	errorIncrease := c.ErrorRateChange
	if successDrop > cfg.SuccessRateThreshold {
		recs = append(recs, fmt.Sprintf("Success rate dropped %.1f%% relative to baseline", successDrop*100))
	}
	if efficiencyDrop > cfg.EfficiencyThreshold {
		recs = append(recs, fmt.Sprintf("Efficiency dropped %.1f%% relative to baseline", efficiencyDrop*100))
	}
	if errorIncrease > cfg.SuccessRateThreshold {
		recs = append(recs, fmt.Sprintf("Error rate increased %.1f%% relative to baseline", errorIncrease*100))
	}
	if !c.StatisticallySignificant {
		recs = append(recs, "Observed changes are not statistically significant yet; keep monitoring")
	}
	return recs
}

func eventSeverity(severity string) string {
	switch severity {
	case "critical", "high":
		return "critical"
	default:
		return "warning"
	}
}

// ScheduleEvaluation arms a deferred evaluation for a deployment, replacing
// any previously scheduled one. When the evaluation concludes with an
// auto-rollback verdict, OnAutoRollback fires.
func (d *Detector) ScheduleEvaluation(deploymentID string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[deploymentID]; ok {
		t.Stop()
	}
	d.timers[deploymentID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, deploymentID)
		d.mu.Unlock()
		d.runScheduled(deploymentID)
	})

	d.logger.Debug("evaluation scheduled", "deployment_id", deploymentID, "delay", delay)
}

// CancelScheduledEvaluation stops a pending deferred evaluation. After it
// returns, no new report will be written by that schedule.
func (d *Detector) CancelScheduledEvaluation(deploymentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[deploymentID]; ok {
		t.Stop()
		delete(d.timers, deploymentID)
	}
}

// Stop cancels every pending evaluation.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Detector) runScheduled(deploymentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := d.Evaluate(ctx, deploymentID)
	if err != nil {
		// Deferred runs never affect live traffic.
		d.logger.Error("scheduled evaluation failed", "deployment_id", deploymentID, "error", err)
		return
	}
	if report.AutoRollbackTriggered && d.OnAutoRollback != nil {
		d.OnAutoRollback(ctx, deploymentID, fmt.Sprintf("%s regression (z=%.2f)", report.Severity, report.Metrics.ZScore))
	}
}

// LatestReport returns the most recent report for a deployment, or a
// NotFound error when none exists.
func (d *Detector) LatestReport(ctx context.Context, deploymentID string) (*store.RegressionReport, error) {
	report, err := d.store.GetLatestRegressionReport(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, fault.NotFound("no regression report for deployment %s", deploymentID)
	}
	return report, nil
}
