package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

// SystemUser is the identity under which injected training data is recorded.
const SystemUser = "system"

// DefaultProjectID names the single project a standard deployment runs with.
const DefaultProjectID = "default"

// Layout describes where the conventional project files live inside a
// working tree.
type Layout struct {
	DomainPath string
	ConfigPath string
	DataDir    string
}

// LayoutFromConfig builds a Layout from the application configuration.
func LayoutFromConfig(cfg models.Project) Layout {
	return Layout{
		DomainPath: cfg.DomainPath,
		ConfigPath: cfg.ConfigPath,
		DataDir:    cfg.DataDir,
	}
}

// DefaultLayout is the conventional project layout.
func DefaultLayout() Layout {
	return Layout{
		DomainPath: "domain.yml",
		ConfigPath: "config.yml",
		DataDir:    "data",
	}
}

// Validate asserts that the directory contains a valid project. Proceeding
// with an invalid layout would inject a plausible-but-wrong state into the
// database, so a violation is always surfaced, never swallowed.
func (l Layout) Validate(root string) error {
	domainPath := filepath.Join(root, l.DomainPath)
	if info, err := os.Stat(domainPath); err != nil || info.IsDir() {
		return errors.ProjectLayoutError(
			fmt.Sprintf("The connected repository has an invalid project layout. "+
				"The domain is required to be present at '%s'.", l.DomainPath),
			l.DomainPath,
		)
	}

	configPath := filepath.Join(root, l.ConfigPath)
	if info, err := os.Stat(configPath); err != nil || info.IsDir() {
		return errors.ProjectLayoutError(
			fmt.Sprintf("The connected repository has an invalid project layout. "+
				"The model configuration is required to be present at '%s'.", l.ConfigPath),
			l.ConfigPath,
		)
	}

	dataDir := filepath.Join(root, l.DataDir)
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return errors.ProjectLayoutError(
			fmt.Sprintf("The connected repository has an invalid project layout. "+
				"The training data directory is required to be present at '%s'.", l.DataDir),
			l.DataDir,
		)
	}

	return nil
}

// Injector reads the files of a working tree back into the database. It is
// implemented by the training data services; the version control engine only
// depends on this contract.
//
// Implementations must tolerate partially-invalid directories by returning a
// project layout error distinguishable from other I/O failures.
type Injector interface {
	InjectFilesFromDisk(ctx context.Context, root string, dataPath string, configPath string, username string) error
}
