package approval

import (
	"context"
	"testing"
	"time"

	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/graph"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/store"
)

type fixture struct {
	svc     *Service
	graph   *graph.Service
	store   *store.SQLiteStore
	gateway *notify.Gateway
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
	reviewers := []*store.Reviewer{
		{ID: "r1", Email: "alice@example.com", Role: store.RoleDeveloper, CreatedAt: now},
		{ID: "r2", Email: "bob@example.com", Role: store.RoleAdmin, CreatedAt: now},
		{ID: "r3", Email: "carol@example.com", Role: store.RoleReviewer, CreatedAt: now},
	}
	for _, r := range reviewers {
		if err := s.CreateReviewer(ctx, r); err != nil {
			t.Fatalf("seed reviewer: %v", err)
		}
	}

	gateway := notify.NewGateway(config.NotificationsConfig{Enabled: true}, nil)
	return &fixture{
		svc:     NewService(s, auth.NewChecker(s, nil), gateway, nil),
		graph:   graph.NewService(s, nil),
		store:   s,
		gateway: gateway,
	}
}

func (f *fixture) mkVersion(t *testing.T) *store.PromptVersion {
	t.Helper()
	v, err := f.graph.CreateVersion(context.Background(), graph.CreateVersionInput{
		AgentID:   "agent-1",
		Content:   store.PromptContent{SystemPrompt: "base"},
		CreatedBy: "manual",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	return v
}

func TestTwoVoteApprovalWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	req, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 2, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != store.ApprovalPending || req.CurrentApprovals != 0 {
		t.Fatalf("new request = %+v", req)
	}

	status, err := f.svc.Approve(ctx, v.ID, "alice@example.com", "")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if status.Request.CurrentApprovals != 1 || status.Request.Status != store.ApprovalPending {
		t.Errorf("after one vote: %+v", status.Request)
	}
	if status.CanDeploy {
		t.Error("canDeploy should be false at 1/2 votes")
	}

	// Same approver voting twice is a conflict and leaves counts unchanged.
	if _, err := f.svc.Approve(ctx, v.ID, "alice@example.com", ""); !fault.IsKind(err, fault.KindConflict) {
		t.Errorf("duplicate vote: want conflict, got %v", err)
	}
	status, _ = f.svc.GetApprovalStatus(ctx, v.ID)
	if status.Request.CurrentApprovals != 1 {
		t.Errorf("count changed by duplicate vote: %d", status.Request.CurrentApprovals)
	}

	status, err = f.svc.Approve(ctx, v.ID, "bob@example.com", "looks good")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if status.Request.Status != store.ApprovalApproved || !status.CanDeploy {
		t.Errorf("after two votes: %+v canDeploy=%v", status.Request, status.CanDeploy)
	}
	if len(status.Votes) != 2 {
		t.Errorf("votes = %d, want 2", len(status.Votes))
	}

	got, err := f.graph.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.Status != store.VersionApproved {
		t.Errorf("version status = %s, want approved", got.Status)
	}
	if len(got.ApprovedBy) != 2 {
		t.Errorf("approvedBy = %v, want both approvers", got.ApprovedBy)
	}

	// A late reject on the closed request is NotPending.
	if err := f.svc.Reject(ctx, v.ID, "bob@example.com", "changed my mind"); !fault.IsKind(err, fault.KindConflict) {
		t.Errorf("reject on approved request: want conflict, got %v", err)
	}
	f.gateway.Wait()
}

func TestRejectClosesRequestAndRevertsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	if _, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 0); err != nil {
		t.Fatalf("request: %v", err)
	}

	t.Run("reason is mandatory", func(t *testing.T) {
		if err := f.svc.Reject(ctx, v.ID, "bob@example.com", ""); !fault.IsKind(err, fault.KindInvalidInput) {
			t.Errorf("want invalid input, got %v", err)
		}
	})

	if err := f.svc.Reject(ctx, v.ID, "bob@example.com", "prompt regressed on edge cases"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	status, err := f.svc.GetApprovalStatus(ctx, v.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Request.Status != store.ApprovalRejected || status.CanDeploy {
		t.Errorf("after reject: %+v", status.Request)
	}

	got, _ := f.graph.GetVersion(ctx, v.ID)
	if got.Status != store.VersionCandidate {
		t.Errorf("version status = %s, want candidate", got.Status)
	}
	f.gateway.Wait()
}

func TestPermissionChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	if _, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 0); err != nil {
		t.Fatalf("request: %v", err)
	}

	// carol is a plain reviewer: read-only.
	if _, err := f.svc.Approve(ctx, v.ID, "carol@example.com", ""); !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Errorf("reviewer approve: want permission denied, got %v", err)
	}
	if err := f.svc.Reject(ctx, v.ID, "carol@example.com", "nope"); !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Errorf("reviewer reject: want permission denied, got %v", err)
	}
}

func TestRequestApprovalPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	t.Run("unknown version", func(t *testing.T) {
		if _, err := f.svc.RequestApproval(ctx, "no-such-version", "alice@example.com", 1, 0); !fault.IsKind(err, fault.KindNotFound) {
			t.Errorf("want not found, got %v", err)
		}
	})

	t.Run("requiredApprovals below one", func(t *testing.T) {
		if _, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 0, 0); !fault.IsKind(err, fault.KindInvalidInput) {
			t.Errorf("want invalid input, got %v", err)
		}
	})

	if _, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 0); err != nil {
		t.Fatalf("request: %v", err)
	}

	t.Run("already pending", func(t *testing.T) {
		if _, err := f.svc.RequestApproval(ctx, v.ID, "bob@example.com", 1, 0); !fault.IsKind(err, fault.KindConflict) {
			t.Errorf("want conflict, got %v", err)
		}
	})

	if _, err := f.svc.Approve(ctx, v.ID, "bob@example.com", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	t.Run("already approved", func(t *testing.T) {
		if _, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 0); !fault.IsKind(err, fault.KindConflict) {
			t.Errorf("want conflict, got %v", err)
		}
	})
	f.gateway.Wait()
}

func TestExpiration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	req, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Push the deadline into the past, as if an hour elapsed.
	forceExpiry(t, f.store, req.ID, time.Now().UTC().Add(-time.Minute))

	t.Run("status read marks expired", func(t *testing.T) {
		status, err := f.svc.GetApprovalStatus(ctx, v.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Request.Status != store.ApprovalExpired || status.CanDeploy {
			t.Errorf("status = %+v", status.Request)
		}
	})

	t.Run("approve after expiry fails", func(t *testing.T) {
		if _, err := f.svc.Approve(ctx, v.ID, "bob@example.com", ""); !fault.IsKind(err, fault.KindConflict) {
			t.Errorf("want conflict on expired request, got %v", err)
		}
	})
}

func TestLazyExpiryDuringApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	req, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	forceExpiry(t, f.store, req.ID, time.Now().UTC().Add(-time.Minute))

	if _, err := f.svc.Approve(ctx, v.ID, "bob@example.com", ""); !fault.IsKind(err, fault.KindExpired) {
		t.Errorf("want expired, got %v", err)
	}

	// The failed vote rolls back, but the expired status must survive the
	// rollback: the request leaves the pending queue immediately.
	got, _ := f.store.GetApprovalRequest(ctx, req.ID)
	if got.Status != store.ApprovalExpired {
		t.Errorf("request status = %s, want expired", got.Status)
	}
	votes, err := f.store.GetApprovalVotes(ctx, req.ID)
	if err != nil {
		t.Fatalf("votes: %v", err)
	}
	if len(votes) != 0 {
		t.Errorf("recorded %d votes on expired request, want 0", len(votes))
	}
	pending, err := f.svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expired request still listed as pending")
	}
}

func TestLazyExpiryDuringReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.mkVersion(t)

	req, err := f.svc.RequestApproval(ctx, v.ID, "alice@example.com", 1, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	forceExpiry(t, f.store, req.ID, time.Now().UTC().Add(-time.Minute))

	if err := f.svc.Reject(ctx, v.ID, "bob@example.com", "too late"); !fault.IsKind(err, fault.KindExpired) {
		t.Errorf("want expired, got %v", err)
	}

	got, _ := f.store.GetApprovalRequest(ctx, req.ID)
	if got.Status != store.ApprovalExpired {
		t.Errorf("request status = %s, want expired", got.Status)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.mkVersion(t)
	v2 := f.mkVersion(t)
	r1, err := f.svc.RequestApproval(ctx, v1.ID, "alice@example.com", 1, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.svc.RequestApproval(ctx, v2.ID, "alice@example.com", 1, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	forceExpiry(t, f.store, r1.ID, time.Now().UTC().Add(-time.Minute))

	n, err := f.svc.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d requests, want 1", n)
	}

	pending, err := f.svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].VersionID != v2.ID {
		t.Errorf("pending = %v, want only the request without a deadline", pending)
	}
	f.gateway.Wait()
}

// forceExpiry rewrites a request's deadline directly; the service only
// exposes expiry through time passing.
func forceExpiry(t *testing.T, s *store.SQLiteStore, requestID string, at time.Time) {
	t.Helper()
	if err := s.SetApprovalExpiry(context.Background(), requestID, at); err != nil {
		t.Fatalf("force expiry: %v", err)
	}
}
