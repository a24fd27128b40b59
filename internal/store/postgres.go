package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"changequery/internal/label"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Change loads a change by id.
func (s *PostgresStore) Change(ctx context.Context, id string) (Change, error) {
	const query = `
		SELECT id, project, branch, status, owner, subject, current_revision, created_at, updated_at
		FROM changes WHERE id = $1
	`
	var c Change
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Project, &c.Branch, &c.Status, &c.Owner, &c.Subject,
		&c.CurrentRevision, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, ErrNotFound
	}
	if err != nil {
		return Change{}, fmt.Errorf("get change %s: %w", id, err)
	}
	return c, nil
}

// CurrentApprovals returns the votes recorded on the change's current
// revision, oldest first.
func (s *PostgresStore) CurrentApprovals(ctx context.Context, changeID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.change_id, a.revision, a.label, a.value, a.actor, a.granted_at
		FROM approvals a
		JOIN changes c ON c.id = a.change_id AND c.current_revision = a.revision
		WHERE a.change_id = $1
		ORDER BY a.granted_at, a.id
	`, changeID)
	if err != nil {
		return nil, fmt.Errorf("list approvals %s: %w", changeID, err)
	}
	defer rows.Close()

	approvals := make([]Approval, 0)
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ChangeID, &a.Revision, &a.Label, &a.Value, &a.Actor, &a.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

// Policy loads the labels and voting grants configured for a project.
func (s *PostgresStore) Policy(ctx context.Context, project string) (ProjectPolicy, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE name=$1)`, project).Scan(&exists); err != nil {
		return ProjectPolicy{}, fmt.Errorf("check project %s: %w", project, err)
	}
	if !exists {
		return ProjectPolicy{}, ErrNotFound
	}

	policy := ProjectPolicy{Project: project, Labels: []label.Definition{}, Grants: []Grant{}}

	labelRows, err := s.db.QueryContext(ctx, `
		SELECT name, abbreviation, min_value, max_value
		FROM label_definitions
		WHERE project = $1
		ORDER BY sort_order, name
	`, project)
	if err != nil {
		return ProjectPolicy{}, fmt.Errorf("load labels %s: %w", project, err)
	}
	defer labelRows.Close()
	for labelRows.Next() {
		var d label.Definition
		if err := labelRows.Scan(&d.Name, &d.Abbreviation, &d.Range.Min, &d.Range.Max); err != nil {
			return ProjectPolicy{}, fmt.Errorf("scan label: %w", err)
		}
		policy.Labels = append(policy.Labels, d)
	}
	if err := labelRows.Err(); err != nil {
		return ProjectPolicy{}, fmt.Errorf("iterate labels: %w", err)
	}

	grantRows, err := s.db.QueryContext(ctx, `
		SELECT permission, role, min_value, max_value
		FROM label_grants
		WHERE project = $1
		ORDER BY permission, role
	`, project)
	if err != nil {
		return ProjectPolicy{}, fmt.Errorf("load grants %s: %w", project, err)
	}
	defer grantRows.Close()
	for grantRows.Next() {
		var g Grant
		if err := grantRows.Scan(&g.Permission, &g.Role, &g.Min, &g.Max); err != nil {
			return ProjectPolicy{}, fmt.Errorf("scan grant: %w", err)
		}
		policy.Grants = append(policy.Grants, g)
	}
	if err := grantRows.Err(); err != nil {
		return ProjectPolicy{}, fmt.Errorf("iterate grants: %w", err)
	}

	return policy, nil
}

// Membership returns the actor's role on a project.
func (s *PostgresStore) Membership(ctx context.Context, project, actor string) (Membership, error) {
	m := Membership{Project: project, Actor: actor}
	err := s.db.QueryRowContext(ctx, `
		SELECT role, deactivated_at IS NULL
		FROM project_memberships
		WHERE project = $1 AND actor = $2
	`, project, actor).Scan(&m.Role, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, ErrNotFound
	}
	if err != nil {
		return Membership{}, fmt.Errorf("read membership %s/%s: %w", project, actor, err)
	}
	return m, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create project %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) PutLabel(ctx context.Context, project string, d label.Definition, sortOrder int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO label_definitions (project, name, abbreviation, min_value, max_value, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project, name) DO UPDATE SET
			abbreviation = EXCLUDED.abbreviation,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			sort_order = EXCLUDED.sort_order
	`, project, d.Name, d.Abbreviation, d.Range.Min, d.Range.Max, sortOrder)
	if err != nil {
		return fmt.Errorf("put label %s/%s: %w", project, d.Name, err)
	}
	return nil
}

func (s *PostgresStore) PutGrant(ctx context.Context, project string, g Grant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO label_grants (project, permission, role, min_value, max_value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project, permission, role) DO UPDATE SET
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value
	`, project, g.Permission, g.Role, g.Min, g.Max)
	if err != nil {
		return fmt.Errorf("put grant %s/%s: %w", project, g.Permission, err)
	}
	return nil
}

func (s *PostgresStore) PutMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_memberships (project, actor, role, deactivated_at)
		VALUES ($1, $2, $3, CASE WHEN $4 THEN NULL ELSE NOW() END)
		ON CONFLICT (project, actor) DO UPDATE SET
			role = EXCLUDED.role,
			deactivated_at = EXCLUDED.deactivated_at
	`, m.Project, m.Actor, m.Role, m.Active)
	if err != nil {
		return fmt.Errorf("put membership %s/%s: %w", m.Project, m.Actor, err)
	}
	return nil
}

// CreateChange inserts a change together with its first revision.
func (s *PostgresStore) CreateChange(ctx context.Context, c Change, first Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changes (id, project, branch, status, owner, subject, current_revision)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
	`, c.ID, c.Project, c.Branch, c.Status, c.Owner, c.Subject); err != nil {
		return fmt.Errorf("insert change %s: %w", c.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (change_id, number, commit_hash, uploader)
		VALUES ($1, 1, $2, $3)
	`, c.ID, first.CommitHash, first.Uploader); err != nil {
		return fmt.Errorf("insert revision %s/1: %w", c.ID, err)
	}
	return tx.Commit()
}

// AddRevision appends a revision and makes it current. Votes on earlier
// revisions stop counting as current approvals.
func (s *PostgresStore) AddRevision(ctx context.Context, r Revision) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add revision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var number int
	err = tx.QueryRowContext(ctx, `
		UPDATE changes SET current_revision = current_revision + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING current_revision
	`, r.ChangeID).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump revision %s: %w", r.ChangeID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (change_id, number, commit_hash, uploader)
		VALUES ($1, $2, $3, $4)
	`, r.ChangeID, number, r.CommitHash, r.Uploader); err != nil {
		return 0, fmt.Errorf("insert revision %s/%d: %w", r.ChangeID, number, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revision %s/%d: %w", r.ChangeID, number, err)
	}
	return number, nil
}

// RecordApproval stores a vote on the change's current revision. A later vote
// by the same actor on the same label replaces the earlier one.
func (s *PostgresStore) RecordApproval(ctx context.Context, a Approval) (Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, fmt.Errorf("begin record approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE changes SET updated_at = NOW()
		WHERE id = $1
		RETURNING current_revision
	`, a.ChangeID).Scan(&a.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("touch change %s: %w", a.ChangeID, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO approvals (change_id, revision, label, value, actor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (change_id, revision, label, actor) DO UPDATE SET
			value = EXCLUDED.value,
			granted_at = NOW()
		RETURNING granted_at
	`, a.ChangeID, a.Revision, a.Label, a.Value, a.Actor).Scan(&a.GrantedAt)
	if err != nil {
		return Approval{}, fmt.Errorf("upsert approval %s/%s: %w", a.ChangeID, a.Label, err)
	}
	if err := tx.Commit(); err != nil {
		return Approval{}, fmt.Errorf("commit approval %s/%s: %w", a.ChangeID, a.Label, err)
	}
	return a, nil
}
