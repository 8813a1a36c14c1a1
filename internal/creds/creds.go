// Package creds resolves repository credentials (SSH keys or HTTPS
// username/password) into working Git authentication: on-disk key and
// wrapper-script files for the system git, and transport auth methods
// for in-process operations.
package creds

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"annoflow/internal/common"
	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

const (
	sshFilesDirectory = "ssh_files"

	// CredentialCacheTimeout bounds how long cached HTTPS credentials
	// stay valid for the system git.
	CredentialCacheTimeout = 8 * time.Hour
)

// SSHFiles are the on-disk artifacts backing SSH authentication for
// one repository.
type SSHFiles struct {
	KeyPath    string
	ScriptPath string
}

// Manager owns the credential files below the clones root.
type Manager struct {
	clonesDirectory string
}

func NewManager(clonesDirectory string) *Manager {
	return &Manager{clonesDirectory: clonesDirectory}
}

// SSHFilesFor returns the paths for a repository's key and wrapper
// script without touching the filesystem.
func (m *Manager) SSHFilesFor(repositoryID int) SSHFiles {
	dir := filepath.Join(m.clonesDirectory, sshFilesDirectory)
	return SSHFiles{
		KeyPath:    filepath.Join(dir, fmt.Sprintf("%d.key", repositoryID)),
		ScriptPath: filepath.Join(dir, fmt.Sprintf("%d.sh", repositoryID)),
	}
}

// WriteSSHFiles persists the private key (owner read/write only) and a
// wrapper script the system git can use via GIT_SSH. The script
// re-applies the key permissions on every invocation since volume
// mounts are known to reset them.
func (m *Manager) WriteSSHFiles(repositoryID int, privateKey string) (SSHFiles, error) {
	files := m.SSHFilesFor(repositoryID)

	if err := os.MkdirAll(filepath.Dir(files.KeyPath), common.DirPermissionSecure); err != nil {
		return SSHFiles{}, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create SSH files directory")
	}
	if err := os.WriteFile(files.KeyPath, []byte(privateKey), common.FilePermissionSecure); err != nil {
		return SSHFiles{}, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write SSH key")
	}

	script := fmt.Sprintf(`#!/bin/sh
IDENTITY=%q
chmod 600 "$IDENTITY"
exec ssh -i "$IDENTITY" -o IdentitiesOnly=yes -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no "$@"
`, files.KeyPath)
	if err := os.WriteFile(files.ScriptPath, []byte(script), common.FilePermissionExecutable); err != nil {
		return SSHFiles{}, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write SSH wrapper script")
	}

	return files, nil
}

// RemoveSSHFiles deletes a repository's key and wrapper script.
// Missing files are not an error.
func (m *Manager) RemoveSSHFiles(repositoryID int) error {
	files := m.SSHFilesFor(repositoryID)
	for _, path := range []string{files.KeyPath, files.ScriptPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to remove SSH file").
				WithContext("path", path)
		}
	}
	return nil
}

// WriteAskPassScript writes a GIT_ASKPASS helper that answers password
// prompts from the GIT_PASSWORD environment variable.
func (m *Manager) WriteAskPassScript(repositoryID int) (string, error) {
	dir := filepath.Join(m.clonesDirectory, sshFilesDirectory)
	if err := os.MkdirAll(dir, common.DirPermissionSecure); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create SSH files directory")
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.askpass.sh", repositoryID))
	script := "#!/bin/sh\nexec echo \"$GIT_PASSWORD\"\n"
	if err := os.WriteFile(path, []byte(script), common.FilePermissionExecutable); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write askpass script")
	}
	return path, nil
}

// CredentialCacheHelperValue is the credential.helper setting applied
// to HTTPS clones so fetch and push within the cache window don't
// re-prompt.
func CredentialCacheHelperValue() string {
	return fmt.Sprintf("cache --timeout=%d", int(CredentialCacheTimeout.Seconds()))
}

// IsHTTPSURL reports whether the repository is reached over HTTP(S).
func IsHTTPSURL(repositoryURL string) bool {
	return strings.HasPrefix(repositoryURL, "https://") || strings.HasPrefix(repositoryURL, "http://")
}

// AuthenticatedURL injects the username into an HTTPS repository URL
// so the credential cache can key on it. Non-HTTPS URLs and URLs that
// already carry a user are returned unchanged.
func AuthenticatedURL(repositoryURL, username string) (string, error) {
	if !IsHTTPSURL(repositoryURL) || username == "" {
		return repositoryURL, nil
	}

	parsed, err := url.Parse(repositoryURL)
	if err != nil {
		return "", errors.ValidationError("repository_url", repositoryURL, "not a valid URL")
	}
	if parsed.User == nil {
		parsed.User = url.User(username)
	}
	return parsed.String(), nil
}

// AuthFor builds the transport auth method for a repository. SSH keys
// win over HTTPS credentials when both are present.
func AuthFor(repo *models.GitRepository, password string) (transport.AuthMethod, error) {
	if repo.SSHKey != "" {
		keys, err := gitssh.NewPublicKeys("git", []byte(repo.SSHKey), "")
		if err != nil {
			return nil, errors.CredentialsError("Invalid SSH key", err)
		}
		keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		return keys, nil
	}

	if repo.Username != "" {
		return &githttp.BasicAuth{Username: repo.Username, Password: password}, nil
	}

	return nil, nil
}

// IsHTTPSAuthenticated asks the system git's credential machinery
// whether a password for this URL and username is currently cached.
func IsHTTPSAuthenticated(ctx context.Context, repositoryURL, username string) bool {
	if !IsHTTPSURL(repositoryURL) {
		return false
	}

	var input bytes.Buffer
	fmt.Fprintf(&input, "url=%s\n", repositoryURL)
	if username != "" {
		fmt.Fprintf(&input, "username=%s\n", username)
	}
	input.WriteString("\n")

	cmd := exec.CommandContext(ctx, "git", "credential", "fill")
	cmd.Stdin = &input
	// Keep git from falling back to an interactive prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")

	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), "password=")
}
