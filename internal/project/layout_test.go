package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annoflow/pkg/errors"
)

func writeValidLayout(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "domain.yml"), []byte("intents: []\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yml"), []byte("language: en\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0755))
}

func TestValidateAcceptsValidLayout(t *testing.T) {
	root := t.TempDir()
	writeValidLayout(t, root)

	assert.NoError(t, DefaultLayout().Validate(root))
}

func TestValidateReportsMissingPath(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, root string)
		missingPath string
	}{
		{
			name: "missing domain",
			setup: func(t *testing.T, root string) {
				writeValidLayout(t, root)
				require.NoError(t, os.Remove(filepath.Join(root, "domain.yml")))
			},
			missingPath: "domain.yml",
		},
		{
			name: "missing config",
			setup: func(t *testing.T, root string) {
				writeValidLayout(t, root)
				require.NoError(t, os.Remove(filepath.Join(root, "config.yml")))
			},
			missingPath: "config.yml",
		},
		{
			name: "missing data directory",
			setup: func(t *testing.T, root string) {
				writeValidLayout(t, root)
				require.NoError(t, os.Remove(filepath.Join(root, "data")))
			},
			missingPath: "data",
		},
		{
			name:        "empty directory",
			setup:       func(t *testing.T, root string) {},
			missingPath: "domain.yml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(t, root)

			err := DefaultLayout().Validate(root)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeProjectLayout))

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.missingPath, appErr.Context["missing_path"])
		})
	}
}

func TestValidateRejectsDomainAsDirectory(t *testing.T) {
	root := t.TempDir()
	writeValidLayout(t, root)
	require.NoError(t, os.Remove(filepath.Join(root, "domain.yml")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "domain.yml"), 0755))

	err := DefaultLayout().Validate(root)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProjectLayout))
}
