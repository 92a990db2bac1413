package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loupe/api/internal/lifecycle"
	"loupe/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureUser returns the user with the given name, creating it on first use.
func (s *PostgresStore) EnsureUser(ctx context.Context, username, displayName string) (User, error) {
	if username == CurationUser {
		return User{}, fmt.Errorf("ensure user: %q is reserved", username)
	}
	if displayName == "" {
		displayName = username
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, display_name)
		VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
	`, username, displayName); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, username)
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, display_name, enabled, created_at
		FROM users WHERE username=$1
	`, username).Scan(&user.Username, &user.DisplayName, &user.Enabled, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	if !ValidProjectSlug(project.Slug) {
		return Project{}, fmt.Errorf("create project: invalid slug %q", project.Slug)
	}
	if project.State == "" {
		project.State = lifecycle.ProjectNew
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (slug, name, state, anonymous_curation)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, project.Slug, project.Name, string(project.State), project.AnonymousCuration).Scan(&project.ID, &project.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	var (
		project Project
		state   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, state, anonymous_curation, created_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Slug, &project.Name, &state, &project.AnonymousCuration, &project.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %d: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("lookup project: %w", err)
	}
	project.State = lifecycle.ProjectState(state)
	return project, nil
}

// DeleteProject removes a project and, through cascading keys, everything
// scoped to it.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProjectState(ctx context.Context, projectID int64, state lifecycle.ProjectState) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET state=$2 WHERE id=$1`, projectID, string(state)); err != nil {
		return fmt.Errorf("update project state: %w", err)
	}
	return nil
}

// ListAccessibleProjects returns the IDs of the projects the user is a member
// of at any level.
func (s *PostgresStore) ListAccessibleProjects(ctx context.Context, username string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT project_id FROM project_members
		WHERE username=$1
		ORDER BY project_id
	`, username)
	if err != nil {
		return nil, fmt.Errorf("list accessible projects: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, projectID int64, username string, level rbac.Level) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, username, level)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, username, level) DO NOTHING
	`, projectID, username, string(level))
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// MemberLevels lists the levels a user holds in a project; empty for
// non-members.
func (s *PostgresStore) MemberLevels(ctx context.Context, projectID int64, username string) ([]rbac.Level, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level FROM project_members
		WHERE project_id=$1 AND username=$2
	`, projectID, username)
	if err != nil {
		return nil, fmt.Errorf("list member levels: %w", err)
	}
	defer rows.Close()

	var levels []rbac.Level
	for rows.Next() {
		var level string
		if err := rows.Scan(&level); err != nil {
			return nil, fmt.Errorf("scan member level: %w", err)
		}
		levels = append(levels, rbac.Level(level))
	}
	return levels, rows.Err()
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID int64) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, username, level FROM project_members
		WHERE project_id=$1
		ORDER BY username, level
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []ProjectMember
	for rows.Next() {
		var (
			member ProjectMember
			level  string
		)
		if err := rows.Scan(&member.ProjectID, &member.Username, &level); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		member.Level = rbac.Level(level)
		members = append(members, member)
	}
	return members, rows.Err()
}
