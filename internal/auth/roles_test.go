package auth

import (
	"context"
	"testing"
	"time"

	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/store"
)

func TestRoleAllows(t *testing.T) {
	tests := []struct {
		name string
		role string
		cap  Capability
		want bool
	}{
		{"admin can deploy", store.RoleAdmin, CapDeploy, true},
		{"admin can manage reviewers", store.RoleAdmin, CapManageReviewers, true},
		{"developer can deploy", store.RoleDeveloper, CapDeploy, true},
		{"developer can rollback", store.RoleDeveloper, CapRollback, true},
		{"developer can vote", store.RoleDeveloper, CapVote, true},
		{"developer cannot manage reviewers", store.RoleDeveloper, CapManageReviewers, false},
		{"reviewer cannot vote", store.RoleReviewer, CapVote, false},
		{"reviewer cannot deploy", store.RoleReviewer, CapDeploy, false},
		{"reviewer cannot rollback", store.RoleReviewer, CapRollback, false},
		{"unknown role has nothing", "intern", CapVote, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoleAllows(tt.role, tt.cap); got != tt.want {
				t.Errorf("RoleAllows(%q, %q) = %v, want %v", tt.role, tt.cap, got, tt.want)
			}
		})
	}
}

func newCheckerStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func TestCheckerRequire(t *testing.T) {
	ctx := context.Background()
	s := newCheckerStore(t)
	now := time.Now().UTC()

	for _, r := range []*store.Reviewer{
		{ID: "r1", Email: "reviewer@example.com", Role: store.RoleReviewer, CreatedAt: now},
		{ID: "r2", Email: "dev@example.com", Role: store.RoleDeveloper, CreatedAt: now},
	} {
		if err := s.CreateReviewer(ctx, r); err != nil {
			t.Fatalf("seed reviewer: %v", err)
		}
	}

	checker := NewChecker(s, nil)

	t.Run("developer may deploy", func(t *testing.T) {
		got, err := checker.Require(ctx, "dev@example.com", CapDeploy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ID != "r2" {
			t.Errorf("resolved reviewer = %+v", got)
		}
	})

	t.Run("reviewer may not deploy", func(t *testing.T) {
		_, err := checker.Require(ctx, "reviewer@example.com", CapDeploy)
		if !fault.IsKind(err, fault.KindPermissionDenied) {
			t.Errorf("want permission denied, got %v", err)
		}
	})

	t.Run("reviewer may not vote", func(t *testing.T) {
		_, err := checker.Require(ctx, "reviewer@example.com", CapVote)
		if !fault.IsKind(err, fault.KindPermissionDenied) {
			t.Errorf("want permission denied, got %v", err)
		}
	})

	t.Run("unknown actor rejected when registry populated", func(t *testing.T) {
		_, err := checker.Require(ctx, "stranger@example.com", CapVote)
		if !fault.IsKind(err, fault.KindPermissionDenied) {
			t.Errorf("want permission denied, got %v", err)
		}
	})

	t.Run("empty email rejected", func(t *testing.T) {
		_, err := checker.Require(ctx, "", CapVote)
		if !fault.IsKind(err, fault.KindInvalidInput) {
			t.Errorf("want invalid input, got %v", err)
		}
	})
}

func TestCheckerBootstrapWithEmptyRegistry(t *testing.T) {
	ctx := context.Background()
	s := newCheckerStore(t)
	checker := NewChecker(s, nil)

	got, err := checker.Require(ctx, "first@example.com", CapDeploy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != store.RoleDeveloper {
		t.Errorf("bootstrap role = %s, want developer", got.Role)
	}
}
