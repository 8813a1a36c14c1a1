package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annoflow/pkg/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("ANNOFLOW_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5002", cfg.Server.Address)
	assert.Equal(t, "domain.yml", cfg.Project.DomainPath)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("ANNOFLOW_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))

	saved := (&models.Config{}).WithDefaults()
	saved.Database.URL = "postgres://localhost/annoflow"
	saved.Git.ClonesDirectory = "/var/lib/annoflow/clones"
	require.NoError(t, Save(&saved))

	loaded, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/annoflow", loaded.Database.URL)
	assert.Equal(t, "/var/lib/annoflow/clones", loaded.Git.ClonesDirectory)
	assert.Equal(t, ":5002", loaded.Server.Address)
}

func TestGetConfigFileEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv("ANNOFLOW_CONFIG", path)

	assert.Equal(t, path, GetConfigFile())
}
