package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/promptpilot/promptpilot/internal/approval"
	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/deploy"
	"github.com/promptpilot/promptpilot/internal/graph"
	"github.com/promptpilot/promptpilot/internal/metrics"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/regression"
	"github.com/promptpilot/promptpilot/internal/store"
)

type fixture struct {
	sched    *Scheduler
	store    *store.SQLiteStore
	graph    *graph.Service
	approval *approval.Service
	ctrl     *deploy.Controller
	detector *regression.Detector
	gateway  *notify.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	now := time.Now().UTC()
	for _, r := range []*store.Reviewer{
		{ID: "r1", Email: "dev@example.com", Role: store.RoleDeveloper, CreatedAt: now},
		{ID: "r2", Email: "admin@example.com", Role: store.RoleAdmin, CreatedAt: now},
	} {
		if err := s.CreateReviewer(ctx, r); err != nil {
			t.Fatalf("seed reviewer: %v", err)
		}
	}

	cfg := config.DefaultConfig()
	cfgFn := func() config.Config { return *cfg }
	gateway := notify.NewGateway(config.NotificationsConfig{Enabled: true}, nil)
	checker := auth.NewChecker(s, nil)
	metricsSvc := metrics.NewService(s, cfg.Regression.MinSampleSize, nil)
	approvalSvc := approval.NewService(s, checker, gateway, nil)
	detector := regression.NewDetector(s, metricsSvc, func() config.RegressionConfig { return cfg.Regression }, gateway, nil)
	t.Cleanup(detector.Stop)
	ctrl := deploy.NewController(s, checker, approvalSvc, metricsSvc, detector, cfgFn, gateway, nil)

	return &fixture{
		sched:    New(s, approvalSvc, detector, ctrl, cfgFn, nil),
		store:    s,
		graph:    graph.NewService(s, nil),
		approval: approvalSvc,
		ctrl:     ctrl,
		detector: detector,
		gateway:  gateway,
	}
}

func (f *fixture) deployVersion(t *testing.T, agentID string) (*store.PromptVersion, *store.Deployment) {
	t.Helper()
	ctx := context.Background()
	v, err := f.graph.CreateVersion(ctx, graph.CreateVersionInput{
		AgentID: agentID, Content: store.PromptContent{SystemPrompt: "p"}, CreatedBy: "manual",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := f.approval.RequestApproval(ctx, v.ID, "dev@example.com", 1, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.approval.Approve(ctx, v.ID, "dev@example.com", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	d, err := f.ctrl.Deploy(ctx, v.ID, "dev@example.com")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return v, d
}

func TestSweepExpiredApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.graph.CreateVersion(ctx, graph.CreateVersionInput{
		AgentID: "agent-1", Content: store.PromptContent{SystemPrompt: "p"}, CreatedBy: "manual",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	req, err := f.approval.RequestApproval(ctx, v.ID, "dev@example.com", 1, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.store.SetApprovalExpiry(ctx, req.ID, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("set expiry: %v", err)
	}

	if err := f.sched.SweepExpiredApprovals(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := f.store.GetApprovalRequest(ctx, req.ID)
	if got.Status != store.ApprovalExpired {
		t.Errorf("request status = %s, want expired", got.Status)
	}
	f.gateway.Wait()
}

func TestSweepDeploymentsAutoRollsBackRegressions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First deployment provides the rollback target; the second regresses.
	_, d1 := f.deployVersion(t, "exec")
	v2, d2 := f.deployVersion(t, "exec")

	// Backdate the second deployment into the monitor window and give it a
	// strong baseline with a collapsed post-deploy success rate.
	deployedAt := time.Now().UTC().Add(-10 * time.Minute)
	if err := f.store.SetDeploymentDeployedAt(ctx, d2.ID, deployedAt); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if err := f.store.UpdateDeploymentMetrics(ctx, d2.ID, &store.MetricsWindow{
		SuccessRate:     0.90,
		TrajectoryCount: 100,
		PeriodStart:     deployedAt.Add(-time.Hour),
		PeriodEnd:       deployedAt,
	}, nil); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	for i := 0; i < 80; i++ {
		outcome := store.TrajectoryFailure
		if i < 52 {
			outcome = store.TrajectorySuccess
		}
		tr := &store.Trajectory{
			ID: fmt.Sprintf("t%d", i), AgentID: "exec", VersionID: v2.ID,
			Outcome: outcome, EfficiencyScore: 0.5, RecordedAt: deployedAt.Add(2 * time.Minute),
		}
		if err := f.store.InsertTrajectory(ctx, tr); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := f.sched.SweepDeployments(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rolled, _ := f.store.GetDeployment(ctx, d2.ID)
	if rolled.Status != store.DeploymentRolledBack {
		t.Fatalf("deployment status = %s, want rolled_back", rolled.Status)
	}
	if !strings.HasPrefix(rolled.RollbackReason, "[AUTO] ") {
		t.Errorf("reason = %q, want [AUTO] prefix", rolled.RollbackReason)
	}

	restored, _ := f.store.GetDeployment(ctx, d1.ID)
	if restored.Status != store.DeploymentActive {
		t.Errorf("previous deployment = %s, want active again", restored.Status)
	}
	f.gateway.Wait()
}

func TestSweepDeploymentsLeavesHealthyOnesAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, d := f.deployVersion(t, "exec")
	deployedAt := time.Now().UTC().Add(-10 * time.Minute)
	if err := f.store.SetDeploymentDeployedAt(ctx, d.ID, deployedAt); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := f.sched.SweepDeployments(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := f.store.GetDeployment(ctx, d.ID)
	if got.Status != store.DeploymentActive {
		t.Errorf("healthy deployment = %s, want still active", got.Status)
	}
	f.gateway.Wait()
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.sched.Start()
	f.sched.Stop()
	// Stop is idempotent.
	f.sched.Stop()
}
