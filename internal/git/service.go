// Package git owns the working-tree clone of each configured
// repository and the publish and reconciliation flows around it.
package git

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"annoflow/internal/common"
	"annoflow/internal/coord"
	"annoflow/internal/creds"
	"annoflow/internal/project"
	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

// RepositoryStore is the persistence surface the engine needs.
type RepositoryStore interface {
	SaveRepository(ctx context.Context, repo *models.GitRepository) error
	UpdateRepository(ctx context.Context, repo *models.GitRepository) error
	GetRepository(ctx context.Context, id int) (*models.GitRepository, error)
	MostRecentRepository(ctx context.Context) (*models.GitRepository, error)
	DeleteRepository(ctx context.Context, id int) error
	ResetFirstAnnotation(ctx context.Context, repositoryID int) error
}

// DumpControl is the slice of the dump service the publish and discard
// flows depend on.
type DumpControl interface {
	WaitForPendingChangesToBeDumped(ctx context.Context) error
	CancelPendingDumpJob()
}

// Service implements the synchronization engine over on-disk clones.
type Service struct {
	store     RepositoryStore
	handle    *coord.Handle
	creds     *creds.Manager
	passwords *creds.PasswordCache
	dumps     DumpControl
	injector  project.Injector
	layout    project.Layout

	clonesDirectory  string
	licensedForHTTPS bool
	logger           *log.Logger
	now              func() time.Time

	mu        sync.Mutex
	lastFetch map[int]time.Time
}

// Options carries the collaborators a Service needs.
type Options struct {
	Store            RepositoryStore
	Handle           *coord.Handle
	Credentials      *creds.Manager
	Passwords        *creds.PasswordCache
	Dumps            DumpControl
	Injector         project.Injector
	Layout           project.Layout
	ClonesDirectory  string
	LicensedForHTTPS bool
	Logger           *log.Logger
}

func NewService(opts Options) *Service {
	return &Service{
		store:            opts.Store,
		handle:           opts.Handle,
		creds:            opts.Credentials,
		passwords:        opts.Passwords,
		dumps:            opts.Dumps,
		injector:         opts.Injector,
		layout:           opts.Layout,
		clonesDirectory:  opts.ClonesDirectory,
		licensedForHTTPS: opts.LicensedForHTTPS,
		logger:           opts.Logger,
		now:              time.Now,
		lastFetch:        map[int]time.Time{},
	}
}

// ClonePath is the working tree directory for a repository.
func (s *Service) ClonePath(repositoryID int) string {
	return filepath.Join(s.clonesDirectory, strconv.Itoa(repositoryID))
}

// SaveRepository validates the supplied credentials with a
// write-access probe, persists the repository and initializes the
// real clone. HTTPS credentials are rejected when the deployment is
// not licensed for credential caching.
func (s *Service) SaveRepository(ctx context.Context, info *models.RepositoryInfo) (*models.GitRepository, error) {
	repo := &models.GitRepository{
		ProjectID:               info.ProjectID,
		RepositoryURL:           info.RepositoryURL,
		TargetBranch:            info.TargetBranch,
		IsTargetBranchProtected: info.IsTargetBranchProtected,
		Username:                info.Username,
		SSHKey:                  info.SSHKey,
	}
	if repo.SSHKey == "" && info.UseGeneratedSSHKeys {
		keys, err := s.InstanceKeys()
		if err != nil {
			return nil, err
		}
		repo.SSHKey = keys.Private
	}

	if creds.IsHTTPSURL(repo.RepositoryURL) {
		if !s.licensedForHTTPS {
			return nil, errors.LicensingError("HTTPS repository credentials require credential caching support")
		}
		if err := s.assertValidHTTPSRepository(ctx, repo, info.Password); err != nil {
			return nil, err
		}
	} else {
		if err := s.assertValidSSHRepository(ctx, repo); err != nil {
			return nil, err
		}
	}

	if err := s.store.SaveRepository(ctx, repo); err != nil {
		return nil, err
	}

	if repo.SSHKey != "" {
		if _, err := s.creds.WriteSSHFiles(repo.ID, repo.SSHKey); err != nil {
			return nil, err
		}
	}
	if creds.IsHTTPSURL(repo.RepositoryURL) {
		s.passwords.Set(repo.ID, info.Password)
		if _, err := s.creds.WriteAskPassScript(repo.ID); err != nil {
			return nil, err
		}
	}

	cloned, err := s.clone(ctx, repo)
	if err != nil {
		return nil, err
	}
	if !cloned {
		s.logger.Printf("repository %d saved but initial clone was skipped, credentials are stale", repo.ID)
	}
	return repo, nil
}

// UpdateRepository re-validates and persists changed repository
// settings. A changed URL invalidates the existing clone.
func (s *Service) UpdateRepository(ctx context.Context, repositoryID int, info *models.RepositoryInfo) (*models.GitRepository, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	urlChanged := info.RepositoryURL != repo.RepositoryURL
	repo.RepositoryURL = info.RepositoryURL
	repo.TargetBranch = info.TargetBranch
	repo.IsTargetBranchProtected = info.IsTargetBranchProtected
	repo.Username = info.Username
	if info.SSHKey != "" {
		repo.SSHKey = info.SSHKey
	}

	if creds.IsHTTPSURL(repo.RepositoryURL) {
		if !s.licensedForHTTPS {
			return nil, errors.LicensingError("HTTPS repository credentials require credential caching support")
		}
		if info.Password == "" && repo.Username != "" {
			return nil, errors.HTTPSCredentialsError("A password is required for HTTPS repositories")
		}
		if err := s.assertValidHTTPSRepository(ctx, repo, info.Password); err != nil {
			return nil, err
		}
		s.passwords.Set(repo.ID, info.Password)
	} else if err := s.assertValidSSHRepository(ctx, repo); err != nil {
		return nil, err
	}

	if err := s.store.UpdateRepository(ctx, repo); err != nil {
		return nil, err
	}
	if repo.SSHKey != "" {
		if _, err := s.creds.WriteSSHFiles(repo.ID, repo.SSHKey); err != nil {
			return nil, err
		}
	}

	if urlChanged {
		if err := os.RemoveAll(s.ClonePath(repo.ID)); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to remove stale clone")
		}
		if _, err := s.clone(ctx, repo); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// DeleteRepository removes the persisted repository, its clone and its
// credential files, and rotates the generated instance key so a new
// integration cannot reuse the old deploy key.
func (s *Service) DeleteRepository(ctx context.Context, repositoryID int) error {
	if err := s.store.DeleteRepository(ctx, repositoryID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.ClonePath(repositoryID)); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to remove clone")
	}
	if err := s.creds.RemoveSSHFiles(repositoryID); err != nil {
		return err
	}
	s.passwords.Delete(repositoryID)

	_, err := s.regenerateInstanceKeys()
	return err
}

func (s *Service) instanceKeyPaths() (string, string) {
	dir := filepath.Join(s.clonesDirectory, "ssh_files")
	return filepath.Join(dir, "instance.key"), filepath.Join(dir, "instance.key.pub")
}

// InstanceKeys returns the instance-wide deploy key pair, generating
// and persisting one on first use.
func (s *Service) InstanceKeys() (creds.KeyPair, error) {
	privatePath, publicPath := s.instanceKeyPaths()

	private, err := os.ReadFile(privatePath)
	if err == nil {
		public, pubErr := os.ReadFile(publicPath)
		if pubErr == nil {
			return creds.KeyPair{Private: string(private), Public: string(public)}, nil
		}
	}
	return s.regenerateInstanceKeys()
}

func (s *Service) regenerateInstanceKeys() (creds.KeyPair, error) {
	keys, err := creds.GenerateSSHKeyPair("annoflow")
	if err != nil {
		return creds.KeyPair{}, err
	}

	privatePath, publicPath := s.instanceKeyPaths()
	if err := os.MkdirAll(filepath.Dir(privatePath), common.DirPermissionSecure); err != nil {
		return creds.KeyPair{}, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create SSH files directory")
	}
	if err := os.WriteFile(privatePath, []byte(keys.Private), common.FilePermissionSecure); err != nil {
		return creds.KeyPair{}, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write instance key")
	}
	if err := os.WriteFile(publicPath, []byte(keys.Public), common.FilePermissionNormal); err != nil {
		return creds.KeyPair{}, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write instance public key")
	}
	return keys, nil
}

func (s *Service) recordFetch(repositoryID int) {
	s.mu.Lock()
	s.lastFetch[repositoryID] = s.now()
	s.mu.Unlock()
}

func (s *Service) timeOfLastFetch(repositoryID int) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.lastFetch[repositoryID]; ok {
		return &at
	}
	return nil
}
