package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite. SQLite transactions are
// serializable, which satisfies the transactional requirements of the
// deploy and approval flows.
type SQLiteStore struct {
	db *sql.DB // nil when bound to a transaction
	q  dbtx
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore opens a SQLite-backed store at the given DSN.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection also
	// keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, q: db}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id                              TEXT PRIMARY KEY,
		name                            TEXT,
		current_production_version_id   TEXT,
		created_at                      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		id                TEXT PRIMARY KEY,
		agent_id          TEXT NOT NULL,
		name              TEXT NOT NULL,
		parent_branch_id  TEXT,
		is_main           INTEGER NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL,
		UNIQUE(agent_id, name)
	);

	CREATE TABLE IF NOT EXISTS prompt_versions (
		id                TEXT PRIMARY KEY,
		agent_id          TEXT NOT NULL,
		branch_id         TEXT NOT NULL,
		version           INTEGER NOT NULL,
		content           TEXT NOT NULL,
		parent_ids        TEXT NOT NULL DEFAULT '[]',
		mutation_type     TEXT,
		mutation_details  TEXT,
		fitness           TEXT,
		status            TEXT NOT NULL CHECK(status IN ('candidate','approved','production','retired')),
		created_at        DATETIME NOT NULL,
		created_by        TEXT NOT NULL CHECK(created_by IN ('evolution','manual')),
		approved_by       TEXT NOT NULL DEFAULT '[]',
		deployed_at       DATETIME,
		UNIQUE(agent_id, branch_id, version)
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id                  TEXT PRIMARY KEY,
		version_id          TEXT NOT NULL UNIQUE,
		agent_id            TEXT NOT NULL,
		requested_by        TEXT NOT NULL,
		requested_at        DATETIME NOT NULL,
		required_approvals  INTEGER NOT NULL CHECK(required_approvals >= 1),
		current_approvals   INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL CHECK(status IN ('pending','approved','rejected','expired')),
		expires_at          DATETIME
	);

	CREATE TABLE IF NOT EXISTS approval_votes (
		id           TEXT PRIMARY KEY,
		request_id   TEXT NOT NULL,
		approver_id  TEXT NOT NULL,
		vote         TEXT NOT NULL CHECK(vote IN ('approve','reject')),
		reason       TEXT,
		voted_at     DATETIME NOT NULL,
		UNIQUE(request_id, approver_id)
	);

	CREATE TABLE IF NOT EXISTS deployments (
		id                       TEXT PRIMARY KEY,
		version_id               TEXT NOT NULL,
		agent_id                 TEXT NOT NULL,
		deployed_by              TEXT NOT NULL,
		deployed_at              DATETIME NOT NULL,
		status                   TEXT NOT NULL CHECK(status IN ('pending','deploying','active','rolled_back','superseded')),
		previous_deployment_id   TEXT,
		metrics_baseline         TEXT,
		metrics_post_deployment  TEXT,
		regression_detected      INTEGER NOT NULL DEFAULT 0,
		rolled_back_at           DATETIME,
		rolled_back_by           TEXT,
		rollback_reason          TEXT
	);

	CREATE TABLE IF NOT EXISTS regression_reports (
		id                       TEXT PRIMARY KEY,
		deployment_id            TEXT NOT NULL,
		detected                 INTEGER NOT NULL,
		severity                 TEXT CHECK(severity IN ('low','medium','high','critical') OR severity IS NULL),
		metrics                  TEXT NOT NULL,
		recommendations          TEXT NOT NULL DEFAULT '[]',
		evaluated_at             DATETIME NOT NULL,
		auto_rollback_triggered  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS reviewers (
		id              TEXT PRIMARY KEY,
		email           TEXT NOT NULL UNIQUE,
		name            TEXT,
		role            TEXT NOT NULL CHECK(role IN ('reviewer','developer','admin')),
		created_at      DATETIME NOT NULL,
		last_active_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS trajectories (
		id                TEXT PRIMARY KEY,
		agent_id          TEXT NOT NULL,
		version_id        TEXT NOT NULL,
		outcome           TEXT NOT NULL CHECK(outcome IN ('success','failure','error')),
		steps             INTEGER NOT NULL DEFAULT 0,
		duration_ms       INTEGER NOT NULL DEFAULT 0,
		efficiency_score  REAL NOT NULL DEFAULT 0,
		recorded_at       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS comparison_feedback (
		id            TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		version_a_id  TEXT NOT NULL,
		version_b_id  TEXT NOT NULL,
		preference    TEXT NOT NULL CHECK(preference IN ('a','b','tie')),
		skipped       INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_one_main
		ON branches(agent_id) WHERE is_main = 1;
	CREATE INDEX IF NOT EXISTS idx_versions_branch ON prompt_versions(branch_id);
	CREATE INDEX IF NOT EXISTS idx_versions_agent ON prompt_versions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON approval_requests(status);
	CREATE INDEX IF NOT EXISTS idx_votes_request ON approval_votes(request_id);
	CREATE INDEX IF NOT EXISTS idx_deployments_agent ON deployments(agent_id);
	CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
	CREATE INDEX IF NOT EXISTS idx_reports_deployment ON regression_reports(deployment_id);
	CREATE INDEX IF NOT EXISTS idx_trajectories_agent ON trajectories(agent_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_trajectories_version ON trajectories(version_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_feedback_version_a ON comparison_feedback(version_a_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_version_b ON comparison_feedback(version_b_id);
	`

	_, err := s.q.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTransaction runs fn against a transaction-bound store. Calls made from
// inside a transaction reuse the enclosing one.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	bound := &SQLiteStore{q: tx}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// IsConstraintViolation reports whether err is a SQLite uniqueness or check
// constraint failure. Services use this as the backstop for races the
// application-level checks cannot close.
func IsConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// --- Agents ---

func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *Agent) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO agents (id, name, current_production_version_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		a.ID, a.Name, nullStr(a.CurrentProductionVersionID), a.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var name, current sql.NullString
	err := s.q.QueryRowContext(ctx, `SELECT id, name, current_production_version_id, created_at
		FROM agents WHERE id = ?`, id).Scan(&a.ID, &name, &current, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	a.CurrentProductionVersionID = current.String
	return a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, current_production_version_id, created_at
		FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var name, current sql.NullString
		if err := rows.Scan(&a.ID, &name, &current, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Name = name.String
		a.CurrentProductionVersionID = current.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) SetAgentProductionVersion(ctx context.Context, agentID, versionID string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE agents SET current_production_version_id = ? WHERE id = ?`,
		nullStr(versionID), agentID)
	return err
}

// --- Branches ---

func (s *SQLiteStore) CreateBranch(ctx context.Context, b *Branch) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO branches (id, agent_id, name, parent_branch_id, is_main, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.AgentID, b.Name, nullStr(b.ParentBranchID), boolInt(b.IsMain), b.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetBranch(ctx context.Context, id string) (*Branch, error) {
	return s.scanBranch(s.q.QueryRowContext(ctx, `SELECT id, agent_id, name, parent_branch_id, is_main, created_at
		FROM branches WHERE id = ?`, id))
}

func (s *SQLiteStore) GetBranchByName(ctx context.Context, agentID, name string) (*Branch, error) {
	return s.scanBranch(s.q.QueryRowContext(ctx, `SELECT id, agent_id, name, parent_branch_id, is_main, created_at
		FROM branches WHERE agent_id = ? AND name = ?`, agentID, name))
}

func (s *SQLiteStore) GetMainBranch(ctx context.Context, agentID string) (*Branch, error) {
	return s.scanBranch(s.q.QueryRowContext(ctx, `SELECT id, agent_id, name, parent_branch_id, is_main, created_at
		FROM branches WHERE agent_id = ? AND is_main = 1`, agentID))
}

func (s *SQLiteStore) scanBranch(row *sql.Row) (*Branch, error) {
	b := &Branch{}
	var parent sql.NullString
	var isMain int
	err := row.Scan(&b.ID, &b.AgentID, &b.Name, &parent, &isMain, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.ParentBranchID = parent.String
	b.IsMain = isMain == 1
	return b, nil
}

func (s *SQLiteStore) ListBranches(ctx context.Context, agentID string) ([]*Branch, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, agent_id, name, parent_branch_id, is_main, created_at
		FROM branches WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		b := &Branch{}
		var parent sql.NullString
		var isMain int
		if err := rows.Scan(&b.ID, &b.AgentID, &b.Name, &parent, &isMain, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.ParentBranchID = parent.String
		b.IsMain = isMain == 1
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *SQLiteStore) DeleteBranch(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM branches WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) CountBranchVersions(ctx context.Context, branchID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompt_versions WHERE branch_id = ?`, branchID).Scan(&n)
	return n, err
}

// --- Prompt versions ---

// CreatePromptVersion inserts a version, allocating its sequential number
// from MAX(version)+1 on the same (agent, branch). Callers must run this
// inside InTransaction; the unique index rejects concurrent winners.
func (s *SQLiteStore) CreatePromptVersion(ctx context.Context, v *PromptVersion) error {
	var next int
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1
		FROM prompt_versions WHERE agent_id = ? AND branch_id = ?`,
		v.AgentID, v.BranchID).Scan(&next)
	if err != nil {
		return err
	}
	v.Version = next

	_, err = s.q.ExecContext(ctx, `INSERT INTO prompt_versions
		(id, agent_id, branch_id, version, content, parent_ids, mutation_type, mutation_details,
		 fitness, status, created_at, created_by, approved_by, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.AgentID, v.BranchID, v.Version,
		marshalJSON(v.Content), marshalJSON(sliceOrEmpty(v.ParentIDs)),
		nullStr(v.MutationType), nullStr(v.MutationDetails),
		marshalJSON(v.Fitness), string(v.Status), v.CreatedAt, v.CreatedBy,
		marshalJSON(sliceOrEmpty(v.ApprovedBy)), v.DeployedAt,
	)
	return err
}

const versionColumns = `id, agent_id, branch_id, version, content, parent_ids, mutation_type,
	mutation_details, fitness, status, created_at, created_by, approved_by, deployed_at`

func (s *SQLiteStore) GetPromptVersion(ctx context.Context, id string) (*PromptVersion, error) {
	return scanVersion(s.q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE id = ?`, id))
}

func (s *SQLiteStore) GetBranchTip(ctx context.Context, branchID string) (*PromptVersion, error) {
	return scanVersion(s.q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE branch_id = ?
		 ORDER BY version DESC LIMIT 1`, branchID))
}

func (s *SQLiteStore) ListBranchVersions(ctx context.Context, branchID string) ([]*PromptVersion, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE branch_id = ? ORDER BY version ASC`, branchID)
	if err != nil {
		return nil, err
	}
	return collectVersions(rows)
}

// GetVersionChildren finds versions whose parent_ids array contains id.
func (s *SQLiteStore) GetVersionChildren(ctx context.Context, id string) ([]*PromptVersion, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE parent_ids LIKE ? ORDER BY created_at ASC`,
		`%"`+id+`"%`)
	if err != nil {
		return nil, err
	}
	return collectVersions(rows)
}

func (s *SQLiteStore) SetVersionStatus(ctx context.Context, id string, status VersionStatus) error {
	_, err := s.q.ExecContext(ctx, `UPDATE prompt_versions SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLiteStore) SetVersionDeployed(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE prompt_versions SET deployed_at = ? WHERE id = ?`, at, id)
	return err
}

func (s *SQLiteStore) AppendVersionApprover(ctx context.Context, id, email string) error {
	v, err := s.GetPromptVersion(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return sql.ErrNoRows
	}
	for _, existing := range v.ApprovedBy {
		if existing == email {
			return nil
		}
	}
	approvers := append(v.ApprovedBy, email)
	_, err = s.q.ExecContext(ctx, `UPDATE prompt_versions SET approved_by = ? WHERE id = ?`,
		marshalJSON(approvers), id)
	return err
}

func (s *SQLiteStore) UpdateVersionFitness(ctx context.Context, id string, f Fitness) error {
	_, err := s.q.ExecContext(ctx, `UPDATE prompt_versions SET fitness = ? WHERE id = ?`,
		marshalJSON(f), id)
	return err
}

func scanVersion(row *sql.Row) (*PromptVersion, error) {
	v := &PromptVersion{}
	var content, parentIDs, approvedBy string
	var fitness, mutationType, mutationDetails sql.NullString
	var deployedAt sql.NullTime
	err := row.Scan(&v.ID, &v.AgentID, &v.BranchID, &v.Version, &content, &parentIDs,
		&mutationType, &mutationDetails, &fitness, &v.Status, &v.CreatedAt, &v.CreatedBy,
		&approvedBy, &deployedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return finishVersion(v, content, parentIDs, approvedBy, fitness, mutationType, mutationDetails, deployedAt)
}

func collectVersions(rows *sql.Rows) ([]*PromptVersion, error) {
	defer rows.Close()
	var versions []*PromptVersion
	for rows.Next() {
		v := &PromptVersion{}
		var content, parentIDs, approvedBy string
		var fitness, mutationType, mutationDetails sql.NullString
		var deployedAt sql.NullTime
		if err := rows.Scan(&v.ID, &v.AgentID, &v.BranchID, &v.Version, &content, &parentIDs,
			&mutationType, &mutationDetails, &fitness, &v.Status, &v.CreatedAt, &v.CreatedBy,
			&approvedBy, &deployedAt); err != nil {
			return nil, err
		}
		v, err := finishVersion(v, content, parentIDs, approvedBy, fitness, mutationType, mutationDetails, deployedAt)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func finishVersion(v *PromptVersion, content, parentIDs, approvedBy string,
	fitness, mutationType, mutationDetails sql.NullString, deployedAt sql.NullTime) (*PromptVersion, error) {
	if err := json.Unmarshal([]byte(content), &v.Content); err != nil {
		return nil, fmt.Errorf("decode version %s content: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(parentIDs), &v.ParentIDs); err != nil {
		return nil, fmt.Errorf("decode version %s parent ids: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(approvedBy), &v.ApprovedBy); err != nil {
		return nil, fmt.Errorf("decode version %s approvers: %w", v.ID, err)
	}
	if fitness.Valid && fitness.String != "" {
		if err := json.Unmarshal([]byte(fitness.String), &v.Fitness); err != nil {
			return nil, fmt.Errorf("decode version %s fitness: %w", v.ID, err)
		}
	}
	v.MutationType = mutationType.String
	v.MutationDetails = mutationDetails.String
	if deployedAt.Valid {
		t := deployedAt.Time
		v.DeployedAt = &t
	}
	return v, nil
}

// --- Approval requests and votes ---

func (s *SQLiteStore) CreateApprovalRequest(ctx context.Context, r *ApprovalRequest) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO approval_requests
		(id, version_id, agent_id, requested_by, requested_at, required_approvals, current_approvals, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.VersionID, r.AgentID, r.RequestedBy, r.RequestedAt,
		r.RequiredApprovals, r.CurrentApprovals, string(r.Status), r.ExpiresAt,
	)
	return err
}

const requestColumns = `id, version_id, agent_id, requested_by, requested_at,
	required_approvals, current_approvals, status, expires_at`

func (s *SQLiteStore) GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	return scanRequest(s.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id))
}

func (s *SQLiteStore) GetApprovalRequestByVersion(ctx context.Context, versionID string) (*ApprovalRequest, error) {
	return scanRequest(s.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE version_id = ?`, versionID))
}

func scanRequest(row *sql.Row) (*ApprovalRequest, error) {
	r := &ApprovalRequest{}
	var expiresAt sql.NullTime
	err := row.Scan(&r.ID, &r.VersionID, &r.AgentID, &r.RequestedBy, &r.RequestedAt,
		&r.RequiredApprovals, &r.CurrentApprovals, &r.Status, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	return r, nil
}

// SetApprovalExpiry rewrites a request's deadline. Used by tests to
// simulate elapsed time.
func (s *SQLiteStore) SetApprovalExpiry(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE approval_requests SET expires_at = ? WHERE id = ?`, at, id)
	return err
}

func (s *SQLiteStore) UpdateApprovalRequestStatus(ctx context.Context, id string, status ApprovalStatus) error {
	_, err := s.q.ExecContext(ctx, `UPDATE approval_requests SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// IncrementApprovals atomically bumps current_approvals on a pending
// request and returns the new count.
func (s *SQLiteStore) IncrementApprovals(ctx context.Context, id string) (int, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE approval_requests
		SET current_approvals = current_approvals + 1
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, fmt.Errorf("approval request %s is not pending", id)
	}

	var count int
	err = s.q.QueryRowContext(ctx, `SELECT current_approvals FROM approval_requests WHERE id = ?`, id).Scan(&count)
	return count, err
}

func (s *SQLiteStore) CreateApprovalVote(ctx context.Context, v *ApprovalVote) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO approval_votes (id, request_id, approver_id, vote, reason, voted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.RequestID, v.ApproverID, v.Vote, nullStr(v.Reason), v.VotedAt,
	)
	return err
}

func (s *SQLiteStore) HasVoted(ctx context.Context, requestID, approverID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_votes WHERE request_id = ? AND approver_id = ?`,
		requestID, approverID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) GetApprovalVotes(ctx context.Context, requestID string) ([]*ApprovalVote, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, request_id, approver_id, vote, reason, voted_at
		FROM approval_votes WHERE request_id = ? ORDER BY voted_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*ApprovalVote
	for rows.Next() {
		v := &ApprovalVote{}
		var reason sql.NullString
		if err := rows.Scan(&v.ID, &v.RequestID, &v.ApproverID, &v.Vote, &reason, &v.VotedAt); err != nil {
			return nil, err
		}
		v.Reason = reason.String
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE status = 'pending' ORDER BY requested_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		r := &ApprovalRequest{}
		var expiresAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.VersionID, &r.AgentID, &r.RequestedBy, &r.RequestedAt,
			&r.RequiredApprovals, &r.CurrentApprovals, &r.Status, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			r.ExpiresAt = &t
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ExpirePendingApprovalsBefore bulk-expires pending requests whose deadline
// passed and returns the requests that were flipped.
func (s *SQLiteStore) ExpirePendingApprovalsBefore(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests
		 WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, err
	}
	var expired []*ApprovalRequest
	for rows.Next() {
		r := &ApprovalRequest{}
		var expiresAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.VersionID, &r.AgentID, &r.RequestedBy, &r.RequestedAt,
			&r.RequiredApprovals, &r.CurrentApprovals, &r.Status, &expiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			r.ExpiresAt = &t
		}
		r.Status = ApprovalExpired
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, nil
	}

	_, err = s.q.ExecContext(ctx, `UPDATE approval_requests SET status = 'expired'
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// --- Deployments ---

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO deployments
		(id, version_id, agent_id, deployed_by, deployed_at, status, previous_deployment_id,
		 metrics_baseline, metrics_post_deployment, regression_detected, rolled_back_at, rolled_back_by, rollback_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.VersionID, d.AgentID, d.DeployedBy, d.DeployedAt, string(d.Status),
		nullStr(d.PreviousDeploymentID), nullableJSON(d.MetricsBaseline), nullableJSON(d.MetricsPostDeployment),
		boolInt(d.RegressionDetected), d.RolledBackAt, nullStr(d.RolledBackBy), nullStr(d.RollbackReason),
	)
	return err
}

const deploymentColumns = `id, version_id, agent_id, deployed_by, deployed_at, status,
	previous_deployment_id, metrics_baseline, metrics_post_deployment, regression_detected,
	rolled_back_at, rolled_back_by, rollback_reason`

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	return scanDeployment(s.q.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
}

func (s *SQLiteStore) GetCurrentDeployment(ctx context.Context, agentID string) (*Deployment, error) {
	return scanDeployment(s.q.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE agent_id = ? AND status = 'active' ORDER BY deployed_at DESC LIMIT 1`, agentID))
}

func (s *SQLiteStore) GetDeploymentHistory(ctx context.Context, agentID string, limit int) ([]*Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE agent_id = ? ORDER BY deployed_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

func (s *SQLiteStore) ListDeploymentsForMonitor(ctx context.Context, since, until time.Time) ([]*Deployment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE status = 'active' AND regression_detected = 0
		   AND deployed_at >= ? AND deployed_at <= ?
		 ORDER BY deployed_at ASC`, since, until)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

func scanDeployment(row *sql.Row) (*Deployment, error) {
	d := &Deployment{}
	var prev, rolledBackBy, rollbackReason sql.NullString
	var baseline, post sql.NullString
	var regressionDetected int
	var rolledBackAt sql.NullTime
	err := row.Scan(&d.ID, &d.VersionID, &d.AgentID, &d.DeployedBy, &d.DeployedAt, &d.Status,
		&prev, &baseline, &post, &regressionDetected, &rolledBackAt, &rolledBackBy, &rollbackReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return finishDeployment(d, prev, baseline, post, regressionDetected, rolledBackAt, rolledBackBy, rollbackReason)
}

func collectDeployments(rows *sql.Rows) ([]*Deployment, error) {
	defer rows.Close()
	var deployments []*Deployment
	for rows.Next() {
		d := &Deployment{}
		var prev, rolledBackBy, rollbackReason sql.NullString
		var baseline, post sql.NullString
		var regressionDetected int
		var rolledBackAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.VersionID, &d.AgentID, &d.DeployedBy, &d.DeployedAt, &d.Status,
			&prev, &baseline, &post, &regressionDetected, &rolledBackAt, &rolledBackBy, &rollbackReason); err != nil {
			return nil, err
		}
		d, err := finishDeployment(d, prev, baseline, post, regressionDetected, rolledBackAt, rolledBackBy, rollbackReason)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func finishDeployment(d *Deployment, prev, baseline, post sql.NullString,
	regressionDetected int, rolledBackAt sql.NullTime, rolledBackBy, rollbackReason sql.NullString) (*Deployment, error) {
	d.PreviousDeploymentID = prev.String
	d.RegressionDetected = regressionDetected == 1
	d.RolledBackBy = rolledBackBy.String
	d.RollbackReason = rollbackReason.String
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		d.RolledBackAt = &t
	}
	if baseline.Valid && baseline.String != "" {
		d.MetricsBaseline = &MetricsWindow{}
		if err := json.Unmarshal([]byte(baseline.String), d.MetricsBaseline); err != nil {
			return nil, fmt.Errorf("decode deployment %s baseline: %w", d.ID, err)
		}
	}
	if post.Valid && post.String != "" {
		d.MetricsPostDeployment = &MetricsWindow{}
		if err := json.Unmarshal([]byte(post.String), d.MetricsPostDeployment); err != nil {
			return nil, fmt.Errorf("decode deployment %s post metrics: %w", d.ID, err)
		}
	}
	return d, nil
}

// SetDeploymentDeployedAt rewrites a deployment's timestamp. Used by tests
// to simulate elapsed time.
func (s *SQLiteStore) SetDeploymentDeployedAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE deployments SET deployed_at = ? WHERE id = ?`, at, id)
	return err
}

func (s *SQLiteStore) SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus) error {
	_, err := s.q.ExecContext(ctx, `UPDATE deployments SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLiteStore) UpdateDeploymentMetrics(ctx context.Context, id string, baseline, post *MetricsWindow) error {
	_, err := s.q.ExecContext(ctx, `UPDATE deployments
		SET metrics_baseline = COALESCE(?, metrics_baseline),
		    metrics_post_deployment = COALESCE(?, metrics_post_deployment)
		WHERE id = ?`,
		nullableJSON(baseline), nullableJSON(post), id)
	return err
}

func (s *SQLiteStore) SetDeploymentRegressionDetected(ctx context.Context, id string, detected bool) error {
	_, err := s.q.ExecContext(ctx, `UPDATE deployments SET regression_detected = ? WHERE id = ?`,
		boolInt(detected), id)
	return err
}

func (s *SQLiteStore) MarkDeploymentRolledBack(ctx context.Context, id, by, reason string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE deployments
		SET status = 'rolled_back', rolled_back_at = ?, rolled_back_by = ?, rollback_reason = ?
		WHERE id = ?`, at, by, nullStr(reason), id)
	return err
}

// --- Regression reports ---

func (s *SQLiteStore) CreateRegressionReport(ctx context.Context, r *RegressionReport) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO regression_reports
		(id, deployment_id, detected, severity, metrics, recommendations, evaluated_at, auto_rollback_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeploymentID, boolInt(r.Detected), nullStr(r.Severity),
		marshalJSON(r.Metrics), marshalJSON(sliceOrEmpty(r.Recommendations)),
		r.EvaluatedAt, boolInt(r.AutoRollbackTriggered),
	)
	return err
}

func (s *SQLiteStore) GetLatestRegressionReport(ctx context.Context, deploymentID string) (*RegressionReport, error) {
	r := &RegressionReport{}
	var detected, autoRollback int
	var severity sql.NullString
	var metrics, recommendations string
	err := s.q.QueryRowContext(ctx, `SELECT id, deployment_id, detected, severity, metrics,
		recommendations, evaluated_at, auto_rollback_triggered
		FROM regression_reports WHERE deployment_id = ?
		ORDER BY evaluated_at DESC, id DESC LIMIT 1`, deploymentID).Scan(
		&r.ID, &r.DeploymentID, &detected, &severity, &metrics,
		&recommendations, &r.EvaluatedAt, &autoRollback,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Detected = detected == 1
	r.AutoRollbackTriggered = autoRollback == 1
	r.Severity = severity.String
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return nil, fmt.Errorf("decode report %s metrics: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(recommendations), &r.Recommendations); err != nil {
		return nil, fmt.Errorf("decode report %s recommendations: %w", r.ID, err)
	}
	return r, nil
}

// --- Reviewers ---

func (s *SQLiteStore) CreateReviewer(ctx context.Context, r *Reviewer) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO reviewers (id, email, name, role, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Email, nullStr(r.Name), r.Role, r.CreatedAt, r.LastActiveAt,
	)
	return err
}

func (s *SQLiteStore) GetReviewer(ctx context.Context, id string) (*Reviewer, error) {
	return scanReviewer(s.q.QueryRowContext(ctx,
		`SELECT id, email, name, role, created_at, last_active_at FROM reviewers WHERE id = ?`, id))
}

func (s *SQLiteStore) GetReviewerByEmail(ctx context.Context, email string) (*Reviewer, error) {
	return scanReviewer(s.q.QueryRowContext(ctx,
		`SELECT id, email, name, role, created_at, last_active_at FROM reviewers WHERE email = ?`, email))
}

func (s *SQLiteStore) FindAdmin(ctx context.Context) (*Reviewer, error) {
	return scanReviewer(s.q.QueryRowContext(ctx,
		`SELECT id, email, name, role, created_at, last_active_at
		 FROM reviewers WHERE role = 'admin' ORDER BY created_at ASC LIMIT 1`))
}

func scanReviewer(row *sql.Row) (*Reviewer, error) {
	r := &Reviewer{}
	var name sql.NullString
	var lastActive sql.NullTime
	err := row.Scan(&r.ID, &r.Email, &name, &r.Role, &r.CreatedAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Name = name.String
	if lastActive.Valid {
		t := lastActive.Time
		r.LastActiveAt = &t
	}
	return r, nil
}

func (s *SQLiteStore) ListReviewers(ctx context.Context) ([]*Reviewer, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, email, name, role, created_at, last_active_at FROM reviewers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviewers []*Reviewer
	for rows.Next() {
		r := &Reviewer{}
		var name sql.NullString
		var lastActive sql.NullTime
		if err := rows.Scan(&r.ID, &r.Email, &name, &r.Role, &r.CreatedAt, &lastActive); err != nil {
			return nil, err
		}
		r.Name = name.String
		if lastActive.Valid {
			t := lastActive.Time
			r.LastActiveAt = &t
		}
		reviewers = append(reviewers, r)
	}
	return reviewers, rows.Err()
}

func (s *SQLiteStore) TouchReviewer(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE reviewers SET last_active_at = ? WHERE id = ?`, at, id)
	return err
}

// --- Trajectories and comparison feedback ---

func (s *SQLiteStore) InsertTrajectory(ctx context.Context, t *Trajectory) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO trajectories
		(id, agent_id, version_id, outcome, steps, duration_ms, efficiency_score, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.VersionID, t.Outcome, t.Steps, t.DurationMs, t.EfficiencyScore, t.RecordedAt,
	)
	return err
}

func (s *SQLiteStore) InsertComparisonFeedback(ctx context.Context, f *ComparisonFeedback) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO comparison_feedback
		(id, agent_id, version_a_id, version_b_id, preference, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AgentID, f.VersionAID, f.VersionBID, f.Preference, boolInt(f.Skipped), f.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetTrajectoryMetrics(ctx context.Context, agentID string, start, end time.Time) (*TrajectoryAggregate, error) {
	return s.aggregateTrajectories(ctx, `agent_id = ?`, agentID, start, end)
}

func (s *SQLiteStore) GetVersionMetrics(ctx context.Context, versionID string, start, end time.Time) (*TrajectoryAggregate, error) {
	return s.aggregateTrajectories(ctx, `version_id = ?`, versionID, start, end)
}

func (s *SQLiteStore) aggregateTrajectories(ctx context.Context, cond, id string, start, end time.Time) (*TrajectoryAggregate, error) {
	agg := &TrajectoryAggregate{}
	err := s.q.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(efficiency_score), 0),
			COALESCE(AVG(steps), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM trajectories
		WHERE `+cond+` AND recorded_at >= ? AND recorded_at <= ?`,
		id, start, end).Scan(
		&agg.Total, &agg.Successes, &agg.Errors,
		&agg.AvgEfficiency, &agg.AvgSteps, &agg.AvgDurationMs,
	)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *SQLiteStore) GetVersionComparisonStats(ctx context.Context, versionID string) (*ComparisonStats, error) {
	stats := &ComparisonStats{}
	err := s.q.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN skipped = 0 AND ((version_a_id = ?1 AND preference = 'a') OR (version_b_id = ?1 AND preference = 'b')) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN skipped = 0 AND ((version_a_id = ?1 AND preference = 'b') OR (version_b_id = ?1 AND preference = 'a')) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN skipped = 0 AND preference = 'tie' AND (version_a_id = ?1 OR version_b_id = ?1) THEN 1 ELSE 0 END), 0)
		FROM comparison_feedback
		WHERE version_a_id = ?1 OR version_b_id = ?1`, versionID).Scan(
		&stats.Wins, &stats.Losses, &stats.Ties,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) GetVersionTrajectoryStats(ctx context.Context, versionID string) (*TrajectoryStats, error) {
	stats := &TrajectoryStats{}
	err := s.q.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(efficiency_score), 0)
		FROM trajectories WHERE version_id = ?`, versionID).Scan(
		&stats.Total, &stats.Successes, &stats.AvgEfficiency,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// --- Helpers ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func nullableJSON(v *MetricsWindow) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: marshalJSON(v), Valid: true}
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
