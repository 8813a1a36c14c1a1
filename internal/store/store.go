package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

// Store handles all relational database operations for the version control
// integration.
type Store struct {
	db *sql.DB
}

// Connect opens a connection pool and verifies it with a retried ping.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.ConnectionError("Failed to open database connection", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	err = errors.RetryWithBackoff(ctx, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return errors.ConnectionError("Failed to reach the database", err).AsRecoverable()
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool so other stores can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS git_repositories (
			id SERIAL PRIMARY KEY,
			project_id TEXT NOT NULL,
			repository_url TEXT NOT NULL,
			target_branch TEXT NOT NULL,
			is_target_branch_protected BOOLEAN NOT NULL DEFAULT FALSE,
			username TEXT NOT NULL DEFAULT '',
			ssh_key TEXT NOT NULL DEFAULT '',
			first_annotator_id TEXT,
			first_annotated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to create schema")
	}
	return nil
}

const repositoryColumns = `id, project_id, repository_url, target_branch, is_target_branch_protected,
	username, ssh_key, first_annotator_id, first_annotated_at, created_at, updated_at`

// SaveRepository inserts a new repository row and fills in its generated ID.
func (s *Store) SaveRepository(ctx context.Context, repo *models.GitRepository) error {
	const query = `
		INSERT INTO git_repositories
			(project_id, repository_url, target_branch, is_target_branch_protected, username, ssh_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		repo.ProjectID, repo.RepositoryURL, repo.TargetBranch,
		repo.IsTargetBranchProtected, repo.Username, repo.SSHKey,
	).Scan(&repo.ID, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to save repository")
	}
	return nil
}

// UpdateRepository persists changed repository fields.
func (s *Store) UpdateRepository(ctx context.Context, repo *models.GitRepository) error {
	const query = `
		UPDATE git_repositories
		SET repository_url = $2, target_branch = $3, is_target_branch_protected = $4,
			username = $5, ssh_key = $6, updated_at = NOW()
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		repo.ID, repo.RepositoryURL, repo.TargetBranch,
		repo.IsTargetBranchProtected, repo.Username, repo.SSHKey,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to update repository")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.New(errors.ErrCodeRepoNotFound, "Repository does not exist").
			WithContext("repository_id", repo.ID)
	}
	return nil
}

// GetRepository returns the repository with the given ID.
func (s *Store) GetRepository(ctx context.Context, id int) (*models.GitRepository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM git_repositories WHERE id = $1`

	repo, err := scanRepository(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeRepoNotFound, "Repository does not exist").
			WithContext("repository_id", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to load repository")
	}
	return repo, nil
}

// MostRecentRepository returns the newest configured repository, or nil when
// no repository is configured.
func (s *Store) MostRecentRepository(ctx context.Context) (*models.GitRepository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM git_repositories ORDER BY id DESC LIMIT 1`

	repo, err := scanRepository(s.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to load repository")
	}
	return repo, nil
}

// ListRepositories returns all repositories of a project ordered by ID.
func (s *Store) ListRepositories(ctx context.Context, projectID string) ([]*models.GitRepository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM git_repositories WHERE project_id = $1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to list repositories")
	}
	defer rows.Close()

	var repos []*models.GitRepository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to scan repository")
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to list repositories")
	}
	return repos, nil
}

// DeleteRepository removes a repository row.
func (s *Store) DeleteRepository(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM git_repositories WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to delete repository")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.New(errors.ErrCodeRepoNotFound, "Repository does not exist").
			WithContext("repository_id", id)
	}
	return nil
}

// SetFirstAnnotation records who started the current streak of unpublished
// changes. First writer wins: if an earlier unpublished annotation is already
// recorded, the call is a no-op and returns false.
func (s *Store) SetFirstAnnotation(ctx context.Context, repositoryID int, annotator string, at time.Time) (bool, error) {
	const query = `
		UPDATE git_repositories
		SET first_annotator_id = $2, first_annotated_at = $3
		WHERE id = $1 AND first_annotator_id IS NULL`

	result, err := s.db.ExecContext(ctx, query, repositoryID, annotator, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to record annotation")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to record annotation")
	}
	return affected > 0, nil
}

// ResetFirstAnnotation clears the unpublished-annotation marker. Called after
// a successful publish to the target branch or an explicit discard.
func (s *Store) ResetFirstAnnotation(ctx context.Context, repositoryID int) error {
	const query = `
		UPDATE git_repositories
		SET first_annotator_id = NULL, first_annotated_at = NULL
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, repositoryID); err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to reset annotation marker")
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row rowScanner) (*models.GitRepository, error) {
	var (
		repo             models.GitRepository
		firstAnnotatorID sql.NullString
		firstAnnotatedAt sql.NullTime
	)

	err := row.Scan(
		&repo.ID, &repo.ProjectID, &repo.RepositoryURL, &repo.TargetBranch,
		&repo.IsTargetBranchProtected, &repo.Username, &repo.SSHKey,
		&firstAnnotatorID, &firstAnnotatedAt, &repo.CreatedAt, &repo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if firstAnnotatorID.Valid {
		repo.FirstAnnotatorID = &firstAnnotatorID.String
	}
	if firstAnnotatedAt.Valid {
		repo.FirstAnnotatedAt = &firstAnnotatedAt.Time
	}
	return &repo, nil
}
