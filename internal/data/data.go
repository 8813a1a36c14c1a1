// Package data persists training data files in the database and moves
// them between the database and a working tree. It backs both the dump
// routines (database to files) and data injection (files to database).
package data

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"annoflow/internal/project"
	"annoflow/pkg/errors"
)

// Store keeps training data files as rows keyed by project and path.
type Store struct {
	db     *sql.DB
	layout project.Layout
}

func NewStore(db *sql.DB, layout project.Layout) *Store {
	return &Store{db: db, layout: layout}
}

const schema = `
CREATE TABLE IF NOT EXISTS training_files (
	project_id TEXT NOT NULL,
	path       TEXT NOT NULL,
	content    TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (project_id, path)
)`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to create training data schema")
	}
	return nil
}

// SaveFile upserts one training data file.
func (s *Store) SaveFile(ctx context.Context, projectID, path, content, username string) error {
	query := `
		INSERT INTO training_files (project_id, path, content, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (project_id, path)
		DO UPDATE SET content = $3, updated_by = $4, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, projectID, path, content, username); err != nil {
		return errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to save training data file").
			WithContext("path", path)
	}
	return nil
}

// GetFile returns the stored content of one file.
func (s *Store) GetFile(ctx context.Context, projectID, path string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM training_files WHERE project_id = $1 AND path = $2`,
		projectID, path,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", errors.New(errors.ErrCodeFileNotFound, "Training data file does not exist").
			WithContext("path", path)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSQLExecution, "Failed to load training data file")
	}
	return content, nil
}

func (s *Store) parseFile(ctx context.Context, projectID, path string) (interface{}, error) {
	content, err := s.GetFile(ctx, projectID, path)
	if err != nil {
		return nil, err
	}

	var document interface{}
	if err := yaml.Unmarshal([]byte(content), &document); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidationFailed, "Stored training data is not valid YAML").
			WithContext("path", path)
	}
	return document, nil
}

func (s *Store) parseFiles(ctx context.Context, projectID string, paths []string) (map[string]interface{}, error) {
	documents := map[string]interface{}{}
	for _, path := range paths {
		document, err := s.parseFile(ctx, projectID, path)
		if errors.HasCode(err, errors.ErrCodeFileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		documents[path] = document
	}
	return documents, nil
}

// The dump source methods below serialize database state for the dump
// routines. Dumps run against the most recently configured project, so
// the project ID travels with each call.

func (s *Store) ConfigFile(ctx context.Context, projectID string) (interface{}, error) {
	return s.parseFile(ctx, projectID, s.layout.ConfigPath)
}

func (s *Store) DomainFile(ctx context.Context, projectID string) (interface{}, error) {
	return s.parseFile(ctx, projectID, s.layout.DomainPath)
}

func (s *Store) StoryFiles(ctx context.Context, files []string) (map[string]interface{}, error) {
	return s.parseFiles(ctx, project.DefaultProjectID, files)
}

func (s *Store) NLUFiles(ctx context.Context, files []string) (map[string]interface{}, error) {
	return s.parseFiles(ctx, project.DefaultProjectID, files)
}

func (s *Store) LookupTableFiles(ctx context.Context, ids []int) (map[string]interface{}, error) {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		paths = append(paths, filepath.Join(s.layout.DataDir, "lookup_tables", fmt.Sprintf("%d.yml", id)))
	}
	return s.parseFiles(ctx, project.DefaultProjectID, paths)
}

// InjectFilesFromDisk reads the working tree's domain file, config
// file and data directory back into the database under the given
// username. An incomplete tree surfaces as a project layout error.
func (s *Store) InjectFilesFromDisk(ctx context.Context, root, dataPath, configPath, username string) error {
	layout := project.Layout{
		DomainPath: s.layout.DomainPath,
		ConfigPath: configPath,
		DataDir:    dataPath,
	}
	if err := layout.Validate(root); err != nil {
		return err
	}

	if err := s.injectFile(ctx, root, layout.DomainPath, username); err != nil {
		return err
	}
	if err := s.injectFile(ctx, root, configPath, username); err != nil {
		return err
	}

	dataDir := filepath.Join(root, dataPath)
	return filepath.WalkDir(dataDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to walk data directory")
		}
		if entry.IsDir() || !isYAMLFile(path) {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to resolve data file path")
		}
		return s.injectFile(ctx, root, relative, username)
	})
}

func (s *Store) injectFile(ctx context.Context, root, relativePath, username string) error {
	content, err := os.ReadFile(filepath.Join(root, relativePath))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to read working tree file").
			WithContext("path", relativePath)
	}
	return s.SaveFile(ctx, project.DefaultProjectID, relativePath, string(content), username)
}

func isYAMLFile(path string) bool {
	extension := strings.ToLower(filepath.Ext(path))
	return extension == ".yml" || extension == ".yaml"
}
