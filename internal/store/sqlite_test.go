package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func seedAgent(t *testing.T, s *SQLiteStore, id string) *Agent {
	t.Helper()
	a := &Agent{ID: id, Name: id, CreatedAt: time.Now().UTC()}
	if err := s.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return a
}

func seedBranch(t *testing.T, s *SQLiteStore, agentID, name string, isMain bool) *Branch {
	t.Helper()
	b := &Branch{
		ID:        "branch-" + agentID + "-" + name,
		AgentID:   agentID,
		Name:      name,
		IsMain:    isMain,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateBranch(context.Background(), b); err != nil {
		t.Fatalf("create branch %s: %v", name, err)
	}
	return b
}

func seedVersion(t *testing.T, s *SQLiteStore, agentID, branchID, id string) *PromptVersion {
	t.Helper()
	v := &PromptVersion{
		ID:        id,
		AgentID:   agentID,
		BranchID:  branchID,
		Content:   PromptContent{SystemPrompt: "You are a helpful assistant."},
		Status:    VersionCandidate,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "manual",
	}
	if err := s.CreatePromptVersion(context.Background(), v); err != nil {
		t.Fatalf("create version %s: %v", id, err)
	}
	return v
}

func TestVersionNumbersSequencePerBranch(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "agent-1")
	main := seedBranch(t, s, "agent-1", "main", true)
	exp := seedBranch(t, s, "agent-1", "experiment", false)

	v1 := seedVersion(t, s, "agent-1", main.ID, "v1")
	v2 := seedVersion(t, s, "agent-1", main.ID, "v2")
	e1 := seedVersion(t, s, "agent-1", exp.ID, "e1")

	if v1.Version != 1 || v2.Version != 2 {
		t.Errorf("main branch versions = %d, %d, want 1, 2", v1.Version, v2.Version)
	}
	if e1.Version != 1 {
		t.Errorf("experiment branch first version = %d, want 1", e1.Version)
	}

	tip, err := s.GetBranchTip(context.Background(), main.ID)
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip == nil || tip.ID != "v2" {
		t.Errorf("branch tip = %+v, want v2", tip)
	}
}

func TestOneMainBranchPerAgent(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "agent-1")
	seedBranch(t, s, "agent-1", "main", true)

	second := &Branch{
		ID:        "branch-dup-main",
		AgentID:   "agent-1",
		Name:      "also-main",
		IsMain:    true,
		CreatedAt: time.Now().UTC(),
	}
	err := s.CreateBranch(context.Background(), second)
	if err == nil {
		t.Fatal("expected second main branch to violate constraint")
	}
	if !IsConstraintViolation(err) {
		t.Errorf("expected constraint violation, got %v", err)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "agent-1")
	b := seedBranch(t, s, "agent-1", "main", true)

	v := &PromptVersion{
		ID:       "v-full",
		AgentID:  "agent-1",
		BranchID: b.ID,
		Content: PromptContent{
			SystemPrompt:     "base",
			ToolDescriptions: map[string]string{"search": "find things"},
			SubagentPrompts:  map[string]string{"critic": "review the plan"},
		},
		ParentIDs:       []string{"p1", "p2"},
		MutationType:    "merge",
		MutationDetails: "merged experiment into main",
		Status:          VersionCandidate,
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       "evolution",
	}
	if err := s.CreatePromptVersion(context.Background(), v); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetPromptVersion(context.Background(), "v-full")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("version not found")
	}
	if got.Content.ToolDescriptions["search"] != "find things" {
		t.Errorf("tool descriptions lost: %+v", got.Content)
	}
	if len(got.ParentIDs) != 2 || got.ParentIDs[0] != "p1" {
		t.Errorf("parent ids = %v, want [p1 p2]", got.ParentIDs)
	}
	if got.MutationType != "merge" {
		t.Errorf("mutation type = %q", got.MutationType)
	}

	// Children lookup matches on the JSON-encoded parent list.
	children, err := s.GetVersionChildren(context.Background(), "p1")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0].ID != "v-full" {
		t.Errorf("children of p1 = %v", children)
	}
}

func TestApprovalVoteUniquePerApprover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "agent-1")
	b := seedBranch(t, s, "agent-1", "main", true)
	seedVersion(t, s, "agent-1", b.ID, "v1")

	req := &ApprovalRequest{
		ID:                "req-1",
		VersionID:         "v1",
		AgentID:           "agent-1",
		RequestedBy:       "dev@example.com",
		RequestedAt:       time.Now().UTC(),
		RequiredApprovals: 2,
		Status:            ApprovalPending,
	}
	if err := s.CreateApprovalRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}

	vote := &ApprovalVote{
		ID:         "vote-1",
		RequestID:  "req-1",
		ApproverID: "alice@example.com",
		Vote:       VoteApprove,
		VotedAt:    time.Now().UTC(),
	}
	if err := s.CreateApprovalVote(ctx, vote); err != nil {
		t.Fatalf("first vote: %v", err)
	}

	dup := *vote
	dup.ID = "vote-2"
	err := s.CreateApprovalVote(ctx, &dup)
	if !IsConstraintViolation(err) {
		t.Errorf("duplicate vote should hit unique index, got %v", err)
	}

	voted, err := s.HasVoted(ctx, "req-1", "alice@example.com")
	if err != nil || !voted {
		t.Errorf("HasVoted = %v, %v, want true", voted, err)
	}

	count, err := s.IncrementApprovals(ctx, "req-1")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 {
		t.Errorf("current approvals = %d, want 1", count)
	}
}

func TestOneApprovalRequestPerVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &ApprovalRequest{
		ID: "req-1", VersionID: "v1", AgentID: "a", RequestedBy: "x",
		RequestedAt: time.Now().UTC(), RequiredApprovals: 1, Status: ApprovalPending,
	}
	if err := s.CreateApprovalRequest(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := *req
	dup.ID = "req-2"
	if err := s.CreateApprovalRequest(ctx, &dup); !IsConstraintViolation(err) {
		t.Errorf("second request for same version should fail, got %v", err)
	}
}

func TestExpirePendingApprovalsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	for _, r := range []*ApprovalRequest{
		{ID: "stale", VersionID: "v1", AgentID: "a", RequestedBy: "x", RequestedAt: past, RequiredApprovals: 1, Status: ApprovalPending, ExpiresAt: &past},
		{ID: "fresh", VersionID: "v2", AgentID: "a", RequestedBy: "x", RequestedAt: now, RequiredApprovals: 1, Status: ApprovalPending, ExpiresAt: &future},
		{ID: "open", VersionID: "v3", AgentID: "a", RequestedBy: "x", RequestedAt: now, RequiredApprovals: 1, Status: ApprovalPending},
	} {
		if err := s.CreateApprovalRequest(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	expired, err := s.ExpirePendingApprovalsBefore(ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("expired = %v, want [stale]", expired)
	}

	got, err := s.GetApprovalRequest(ctx, "stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ApprovalExpired {
		t.Errorf("stale status = %s, want expired", got.Status)
	}
	for _, id := range []string{"fresh", "open"} {
		got, _ := s.GetApprovalRequest(ctx, id)
		if got.Status != ApprovalPending {
			t.Errorf("%s status = %s, want pending", id, got.Status)
		}
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := &Deployment{
		ID: "dep-1", VersionID: "v1", AgentID: "agent-1",
		DeployedBy: "dev@example.com", DeployedAt: now, Status: DeploymentActive,
		MetricsBaseline: &MetricsWindow{SuccessRate: 0.9, TrajectoryCount: 100, PeriodStart: now.Add(-time.Hour), PeriodEnd: now},
	}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	cur, err := s.GetCurrentDeployment(ctx, "agent-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur == nil || cur.ID != "dep-1" {
		t.Fatalf("current = %+v, want dep-1", cur)
	}
	if cur.MetricsBaseline == nil || cur.MetricsBaseline.SuccessRate != 0.9 {
		t.Errorf("baseline lost on round trip: %+v", cur.MetricsBaseline)
	}

	if err := s.MarkDeploymentRolledBack(ctx, "dep-1", "admin@example.com", "Regression detected", now); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	cur, err = s.GetCurrentDeployment(ctx, "agent-1")
	if err != nil {
		t.Fatalf("current after rollback: %v", err)
	}
	if cur != nil {
		t.Errorf("expected no active deployment after rollback, got %+v", cur)
	}

	got, _ := s.GetDeployment(ctx, "dep-1")
	if got.Status != DeploymentRolledBack || got.RolledBackBy != "admin@example.com" {
		t.Errorf("rolled back deployment = %+v", got)
	}
	if got.RolledBackAt == nil {
		t.Error("rolledBackAt not set")
	}
}

func TestListDeploymentsForMonitor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, at time.Time, status DeploymentStatus, regressed bool) {
		d := &Deployment{ID: id, VersionID: "v", AgentID: id, DeployedBy: "x", DeployedAt: at, Status: status, RegressionDetected: regressed}
		if err := s.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("in-window", now.Add(-20*time.Minute), DeploymentActive, false)
	mk("too-new", now.Add(-time.Minute), DeploymentActive, false)
	mk("too-old", now.Add(-2*time.Hour), DeploymentActive, false)
	mk("regressed", now.Add(-20*time.Minute), DeploymentActive, true)
	mk("rolled", now.Add(-20*time.Minute), DeploymentRolledBack, false)

	got, err := s.ListDeploymentsForMonitor(ctx, now.Add(-30*time.Minute), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "in-window" {
		ids := make([]string, len(got))
		for i, d := range got {
			ids[i] = d.ID
		}
		t.Errorf("monitor candidates = %v, want [in-window]", ids)
	}
}

func TestTrajectoryAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	outcomes := []struct {
		outcome    string
		efficiency float64
	}{
		{TrajectorySuccess, 0.8},
		{TrajectorySuccess, 0.6},
		{TrajectoryFailure, 0.4},
		{TrajectoryError, 0.2},
	}
	for i, o := range outcomes {
		tr := &Trajectory{
			ID: "t" + string(rune('0'+i)), AgentID: "agent-1", VersionID: "v1",
			Outcome: o.outcome, Steps: 10, DurationMs: 1000,
			EfficiencyScore: o.efficiency, RecordedAt: now.Add(-time.Minute),
		}
		if err := s.InsertTrajectory(ctx, tr); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	agg, err := s.GetTrajectoryMetrics(ctx, "agent-1", now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Total != 4 || agg.Successes != 2 || agg.Errors != 1 {
		t.Errorf("aggregate = %+v, want total 4, successes 2, errors 1", agg)
	}
	if agg.AvgEfficiency < 0.49 || agg.AvgEfficiency > 0.51 {
		t.Errorf("avg efficiency = %f, want 0.5", agg.AvgEfficiency)
	}

	empty, err := s.GetTrajectoryMetrics(ctx, "agent-1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("empty aggregate: %v", err)
	}
	if empty.Total != 0 {
		t.Errorf("empty window total = %d", empty.Total)
	}
}

func TestComparisonStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	feedback := []struct {
		a, b, pref string
		skipped    bool
	}{
		{"v1", "v2", "a", false}, // v1 win
		{"v2", "v1", "b", false}, // v1 win
		{"v1", "v2", "b", false}, // v1 loss
		{"v1", "v2", "tie", false},
		{"v1", "v2", "a", true}, // skipped, ignored
	}
	for i, f := range feedback {
		cf := &ComparisonFeedback{
			ID: "f" + string(rune('0'+i)), AgentID: "agent-1",
			VersionAID: f.a, VersionBID: f.b, Preference: f.pref,
			Skipped: f.skipped, CreatedAt: now,
		}
		if err := s.InsertComparisonFeedback(ctx, cf); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := s.GetVersionComparisonStats(ctx, "v1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Wins != 2 || stats.Losses != 1 || stats.Ties != 1 {
		t.Errorf("stats = %+v, want 2/1/1", stats)
	}
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "agent-1")

	wantErr := context.Canceled
	err := s.InTransaction(ctx, func(tx Store) error {
		b := &Branch{ID: "b1", AgentID: "agent-1", Name: "main", IsMain: true, CreatedAt: time.Now().UTC()}
		if err := tx.CreateBranch(ctx, b); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	b, err := s.GetBranch(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b != nil {
		t.Errorf("branch survived rolled-back transaction: %+v", b)
	}
}

func TestReviewerUniqueEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := &Reviewer{ID: "r1", Email: "alice@example.com", Name: "Alice", Role: RoleDeveloper, CreatedAt: now}
	if err := s.CreateReviewer(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &Reviewer{ID: "r2", Email: "alice@example.com", Role: RoleAdmin, CreatedAt: now}
	if err := s.CreateReviewer(ctx, dup); !IsConstraintViolation(err) {
		t.Errorf("duplicate email should fail, got %v", err)
	}

	admin := &Reviewer{ID: "r3", Email: "root@example.com", Role: RoleAdmin, CreatedAt: now.Add(time.Second)}
	if err := s.CreateReviewer(ctx, admin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	got, err := s.FindAdmin(ctx)
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	if got == nil || got.ID != "r3" {
		t.Errorf("FindAdmin = %+v, want r3", got)
	}
}
