// Package graph manages the branch tree and prompt-version DAG: branch
// lifecycle, sequential version allocation, lineage traversal, merges, and
// fitness aggregation from comparison feedback.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Service owns version-graph operations. All multi-entity writes run through
// the store's transaction boundary.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a version graph service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "graph.Service"),
	}
}

// EnsureAgent registers the agent if it is not known yet.
func (s *Service) EnsureAgent(ctx context.Context, agentID, name string) (*store.Agent, error) {
	if agentID == "" {
		return nil, fault.InvalidInput("agentId is required")
	}
	existing, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if name == "" {
		name = agentID
	}
	a := &store.Agent{ID: agentID, Name: name, CreatedAt: time.Now().UTC()}
	if err := s.store.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetMainBranch returns the agent's main branch, creating it with the name
// "main" on first reference.
func (s *Service) GetMainBranch(ctx context.Context, agentID string) (*store.Branch, error) {
	main, err := s.store.GetMainBranch(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if main != nil {
		return main, nil
	}

	if _, err := s.EnsureAgent(ctx, agentID, ""); err != nil {
		return nil, err
	}
	main = &store.Branch{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      "main",
		IsMain:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateBranch(ctx, main); err != nil {
		// Lost the creation race: someone else just made it.
		if store.IsConstraintViolation(err) {
			return s.store.GetMainBranch(ctx, agentID)
		}
		return nil, err
	}
	s.logger.Info("main branch created", "agent_id", agentID, "branch_id", main.ID)
	return main, nil
}

// CreateBranch creates a named branch for an agent. The parent defaults to
// the main branch.
func (s *Service) CreateBranch(ctx context.Context, agentID, name, parentBranchID string) (*store.Branch, error) {
	if name == "" {
		return nil, fault.InvalidInput("branch name is required")
	}
	if existing, err := s.store.GetBranchByName(ctx, agentID, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fault.Conflict("branch %q already exists for agent %s", name, agentID)
	}

	if parentBranchID == "" {
		main, err := s.GetMainBranch(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if name != main.Name {
			parentBranchID = main.ID
		}
	} else {
		parent, err := s.store.GetBranch(ctx, parentBranchID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fault.NotFound("parent branch %s not found", parentBranchID)
		}
		if parent.AgentID != agentID {
			return nil, fault.InvalidInput("parent branch belongs to a different agent")
		}
	}

	b := &store.Branch{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Name:           name,
		ParentBranchID: parentBranchID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateBranch(ctx, b); err != nil {
		if store.IsConstraintViolation(err) {
			return nil, fault.Conflict("branch %q already exists for agent %s", name, agentID)
		}
		return nil, err
	}
	return b, nil
}

// ListBranches returns all branches of an agent.
func (s *Service) ListBranches(ctx context.Context, agentID string) ([]*store.Branch, error) {
	return s.store.ListBranches(ctx, agentID)
}

// DeleteBranch removes an empty, non-main branch.
func (s *Service) DeleteBranch(ctx context.Context, branchID string) error {
	b, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if b == nil {
		return fault.NotFound("branch %s not found", branchID)
	}
	if b.IsMain {
		return fault.InvalidInput("the main branch cannot be deleted")
	}
	count, err := s.store.CountBranchVersions(ctx, branchID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fault.Conflict("branch %s is not empty (%d versions)", branchID, count)
	}
	return s.store.DeleteBranch(ctx, branchID)
}

// CreateVersionInput carries the parameters for a new prompt version.
type CreateVersionInput struct {
	AgentID         string
	BranchID        string // empty means the main branch
	Content         store.PromptContent
	ParentIDs       []string // defaults to the branch tip
	MutationType    string
	MutationDetails string
	CreatedBy       string // "evolution" or "manual"
}

// CreateVersion inserts a candidate version, allocating the next sequential
// number on its branch inside a transaction.
func (s *Service) CreateVersion(ctx context.Context, in CreateVersionInput) (*store.PromptVersion, error) {
	if in.Content.SystemPrompt == "" {
		return nil, fault.InvalidInput("content.systemPrompt is required")
	}
	switch in.CreatedBy {
	case "evolution", "manual":
	case "":
		in.CreatedBy = "manual"
	default:
		return nil, fault.InvalidInput("createdBy must be evolution or manual")
	}

	branchID := in.BranchID
	if branchID == "" {
		main, err := s.GetMainBranch(ctx, in.AgentID)
		if err != nil {
			return nil, err
		}
		branchID = main.ID
	} else {
		b, err := s.store.GetBranch(ctx, branchID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fault.NotFound("branch %s not found", branchID)
		}
		if b.AgentID != in.AgentID {
			return nil, fault.InvalidInput("branch belongs to a different agent")
		}
	}

	if _, err := s.EnsureAgent(ctx, in.AgentID, ""); err != nil {
		return nil, err
	}

	var created *store.PromptVersion
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		parents := in.ParentIDs
		if parents == nil {
			tip, err := tx.GetBranchTip(ctx, branchID)
			if err != nil {
				return err
			}
			if tip != nil {
				parents = []string{tip.ID}
			} else {
				parents = []string{}
			}
		}

		v := &store.PromptVersion{
			ID:              uuid.NewString(),
			AgentID:         in.AgentID,
			BranchID:        branchID,
			Content:         in.Content,
			ParentIDs:       parents,
			MutationType:    in.MutationType,
			MutationDetails: in.MutationDetails,
			Status:          store.VersionCandidate,
			CreatedAt:       time.Now().UTC(),
			CreatedBy:       in.CreatedBy,
		}
		if err := tx.CreatePromptVersion(ctx, v); err != nil {
			if store.IsConstraintViolation(err) {
				return fault.Conflict("concurrent version insert on branch %s, retry", branchID)
			}
			return err
		}
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("version created",
		"agent_id", in.AgentID,
		"branch_id", branchID,
		"version_id", created.ID,
		"version", created.Version,
		"created_by", created.CreatedBy,
	)
	return created, nil
}

// GetVersion fetches a version by ID.
func (s *Service) GetVersion(ctx context.Context, id string) (*store.PromptVersion, error) {
	v, err := s.store.GetPromptVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fault.NotFound("version %s not found", id)
	}
	return v, nil
}

// ListBranchVersions returns all versions on a branch ordered by number.
func (s *Service) ListBranchVersions(ctx context.Context, branchID string) ([]*store.PromptVersion, error) {
	return s.store.ListBranchVersions(ctx, branchID)
}

// GetLineage returns the version followed by all its ancestors in BFS order
// over parentIds. Diamonds from merges are visited once.
func (s *Service) GetLineage(ctx context.Context, versionID string) ([]*store.PromptVersion, error) {
	start, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	lineage := []*store.PromptVersion{start}
	visited := map[string]bool{start.ID: true}
	queue := append([]string(nil), start.ParentIDs...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		v, err := s.store.GetPromptVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			// Dangling parent reference; skip rather than fail the whole walk.
			s.logger.Warn("lineage references missing version", "version_id", id)
			continue
		}
		lineage = append(lineage, v)
		queue = append(queue, v.ParentIDs...)
	}
	return lineage, nil
}

// GetDescendants returns all versions reachable by following child edges
// from the given version, in BFS order.
func (s *Service) GetDescendants(ctx context.Context, versionID string) ([]*store.PromptVersion, error) {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}

	var descendants []*store.PromptVersion
	visited := map[string]bool{versionID: true}
	queue := []string{versionID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		children, err := s.store.GetVersionChildren(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if visited[c.ID] {
				continue
			}
			visited[c.ID] = true
			descendants = append(descendants, c)
			queue = append(queue, c.ID)
		}
	}
	return descendants, nil
}

// FindCommonAncestor returns the most recent common ancestor of two
// versions by creation time, or nil when their histories do not meet.
func (s *Service) FindCommonAncestor(ctx context.Context, aID, bID string) (*store.PromptVersion, error) {
	aLineage, err := s.GetLineage(ctx, aID)
	if err != nil {
		return nil, err
	}
	bLineage, err := s.GetLineage(ctx, bID)
	if err != nil {
		return nil, err
	}

	inA := make(map[string]bool, len(aLineage))
	for _, v := range aLineage {
		inA[v.ID] = true
	}

	var best *store.PromptVersion
	for _, v := range bLineage {
		if !inA[v.ID] {
			continue
		}
		if best == nil || v.CreatedAt.After(best.CreatedAt) {
			best = v
		}
	}
	return best, nil
}

// CanMerge verifies that source can merge into target without performing
// the merge. A nil error means the merge would proceed.
func (s *Service) CanMerge(ctx context.Context, sourceBranchID, targetBranchID string) error {
	_, _, err := s.mergeTips(ctx, sourceBranchID, targetBranchID)
	return err
}

func (s *Service) mergeTips(ctx context.Context, sourceBranchID, targetBranchID string) (src, tgt *store.PromptVersion, err error) {
	if sourceBranchID == targetBranchID {
		return nil, nil, fault.InvalidInput("cannot merge a branch into itself")
	}
	srcBranch, err := s.store.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, nil, err
	}
	if srcBranch == nil {
		return nil, nil, fault.NotFound("source branch %s not found", sourceBranchID)
	}
	tgtBranch, err := s.store.GetBranch(ctx, targetBranchID)
	if err != nil {
		return nil, nil, err
	}
	if tgtBranch == nil {
		return nil, nil, fault.NotFound("target branch %s not found", targetBranchID)
	}
	if srcBranch.AgentID != tgtBranch.AgentID {
		return nil, nil, fault.InvalidInput("branches belong to different agents")
	}

	src, err = s.store.GetBranchTip(ctx, sourceBranchID)
	if err != nil {
		return nil, nil, err
	}
	tgt, err = s.store.GetBranchTip(ctx, targetBranchID)
	if err != nil {
		return nil, nil, err
	}
	if src == nil || tgt == nil {
		return nil, nil, fault.Conflict("cannot merge an empty branch")
	}
	if src.ID == tgt.ID {
		return nil, nil, fault.Conflict("branches are already merged")
	}
	return src, tgt, nil
}

// MergeBranch creates a merge node on the target branch carrying the source
// tip's content, with parents [targetTip, sourceTip].
func (s *Service) MergeBranch(ctx context.Context, sourceBranchID, targetBranchID, approver string) (*store.PromptVersion, error) {
	var merged *store.PromptVersion
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		txService := &Service{store: tx, logger: s.logger}
		src, tgt, err := txService.mergeTips(ctx, sourceBranchID, targetBranchID)
		if err != nil {
			return err
		}

		merged = &store.PromptVersion{
			ID:              uuid.NewString(),
			AgentID:         src.AgentID,
			BranchID:        targetBranchID,
			Content:         src.Content,
			ParentIDs:       []string{tgt.ID, src.ID},
			MutationType:    "merge",
			MutationDetails: fmt.Sprintf("merged version %d of branch %s into branch %s", src.Version, sourceBranchID, targetBranchID),
			Status:          store.VersionCandidate,
			CreatedAt:       time.Now().UTC(),
			CreatedBy:       "manual",
		}
		if approver != "" {
			merged.ApprovedBy = []string{approver}
		}
		return tx.CreatePromptVersion(ctx, merged)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("branches merged",
		"source_branch", sourceBranchID,
		"target_branch", targetBranchID,
		"merge_version_id", merged.ID,
	)
	return merged, nil
}

// RecomputeFitness rebuilds a version's fitness from comparison feedback and
// trajectory outcomes. It is idempotent.
func (s *Service) RecomputeFitness(ctx context.Context, versionID string) (*store.Fitness, error) {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}

	comp, err := s.store.GetVersionComparisonStats(ctx, versionID)
	if err != nil {
		return nil, err
	}
	traj, err := s.store.GetVersionTrajectoryStats(ctx, versionID)
	if err != nil {
		return nil, err
	}

	f := store.Fitness{ComparisonCount: comp.Wins + comp.Losses + comp.Ties}
	if f.ComparisonCount > 0 {
		winRate := (float64(comp.Wins) + 0.5*float64(comp.Ties)) / float64(f.ComparisonCount)
		f.WinRate = &winRate
	}
	if traj.Total > 0 {
		successRate := float64(traj.Successes) / float64(traj.Total)
		f.SuccessRate = &successRate
		avgEfficiency := traj.AvgEfficiency
		f.AvgEfficiency = &avgEfficiency
	}

	if err := s.store.UpdateVersionFitness(ctx, versionID, f); err != nil {
		return nil, err
	}
	return &f, nil
}
