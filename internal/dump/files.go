package dump

import (
	"context"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"annoflow/internal/common"
	"annoflow/internal/project"
	"annoflow/pkg/errors"
)

// Source provides the current database state of each data category as
// YAML-serializable documents keyed by their path in the working tree.
type Source interface {
	ConfigFile(ctx context.Context, projectID string) (interface{}, error)
	DomainFile(ctx context.Context, projectID string) (interface{}, error)
	StoryFiles(ctx context.Context, files []string) (map[string]interface{}, error)
	NLUFiles(ctx context.Context, files []string) (map[string]interface{}, error)
	LookupTableFiles(ctx context.Context, ids []int) (map[string]interface{}, error)
}

// FileDumpers serializes database state to YAML files in the working
// tree. The tree root is resolved per call since the clone only exists
// once a repository is configured.
type FileDumpers struct {
	source Source
	layout project.Layout
	root   func() string
}

func NewFileDumpers(source Source, layout project.Layout, root func() string) *FileDumpers {
	return &FileDumpers{source: source, layout: layout, root: root}
}

func (d *FileDumpers) writeYAML(relativePath string, document interface{}) error {
	root := d.root()
	if root == "" {
		return nil
	}

	// File names originate from user requests; keep the write inside the
	// working tree.
	path, err := common.ValidatePath(filepath.Join(root, relativePath), root)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeValidationFailed, "Dump path escapes the working tree").
			WithContext("path", relativePath)
	}
	if err := os.MkdirAll(filepath.Dir(path), common.DirPermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create dump directory")
	}

	data, err := yaml.Marshal(document)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to serialize dump content").
			WithContext("path", relativePath)
	}
	if err := os.WriteFile(path, data, common.FilePermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write dump file").
			WithContext("path", relativePath)
	}
	return nil
}

func (d *FileDumpers) writeAll(documents map[string]interface{}) error {
	for relativePath, document := range documents {
		if err := d.writeYAML(relativePath, document); err != nil {
			return err
		}
	}
	return nil
}

func (d *FileDumpers) DumpConfig(ctx context.Context, projectID string) error {
	document, err := d.source.ConfigFile(ctx, projectID)
	if err != nil {
		return err
	}
	return d.writeYAML(d.layout.ConfigPath, document)
}

func (d *FileDumpers) DumpDomain(ctx context.Context, projectID string) error {
	document, err := d.source.DomainFile(ctx, projectID)
	if err != nil {
		return err
	}
	return d.writeYAML(d.layout.DomainPath, document)
}

func (d *FileDumpers) DumpStories(ctx context.Context, files []string) error {
	documents, err := d.source.StoryFiles(ctx, files)
	if err != nil {
		return err
	}
	return d.writeAll(documents)
}

func (d *FileDumpers) DumpNLUFiles(ctx context.Context, files []string) error {
	documents, err := d.source.NLUFiles(ctx, files)
	if err != nil {
		return err
	}
	return d.writeAll(documents)
}

func (d *FileDumpers) DumpLookupTables(ctx context.Context, ids []int) error {
	documents, err := d.source.LookupTableFiles(ctx, ids)
	if err != nil {
		return err
	}
	return d.writeAll(documents)
}
