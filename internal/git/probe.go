package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"

	"annoflow/internal/common"
	"annoflow/internal/creds"
	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

// assertValidHTTPSRepository probes an HTTPS repository with the
// supplied password. Credential failures here are the narrow
// wrong-password case and reported as such.
func (s *Service) assertValidHTTPSRepository(ctx context.Context, repo *models.GitRepository, password string) error {
	if repo.Username == "" {
		return errors.HTTPSCredentialsError("A username is required for HTTPS repositories")
	}
	if err := s.probeWriteAccess(ctx, repo, password); err != nil {
		if errors.HasCode(err, errors.ErrCodeCredentials) {
			return errors.HTTPSCredentialsError("The username or password is incorrect")
		}
		return err
	}
	return nil
}

// assertValidSSHRepository probes an SSH repository with its
// configured key.
func (s *Service) assertValidSSHRepository(ctx context.Context, repo *models.GitRepository) error {
	return s.probeWriteAccess(ctx, repo, "")
}

// probeWriteAccess verifies the credentials grant write access: clone
// into a scratch directory, check the project layout, push a dummy
// commit on a throwaway branch and delete it again. The scratch clone
// is removed regardless of outcome and the configured clone is never
// touched.
func (s *Service) probeWriteAccess(ctx context.Context, repo *models.GitRepository, password string) error {
	scratch, err := os.MkdirTemp("", "annoflow-probe-")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create scratch directory")
	}
	defer func() {
		if removeErr := os.RemoveAll(scratch); removeErr != nil {
			s.logger.Printf("could not remove scratch clone %s: %v", scratch, removeErr)
		}
	}()

	auth, err := creds.AuthFor(repo, password)
	if err != nil {
		return err
	}

	gitRepo, err := gogit.PlainCloneContext(ctx, scratch, false, &gogit.CloneOptions{
		URL:   repo.RepositoryURL,
		Auth:  auth,
		Depth: 1,
	})
	if err != nil {
		return errors.CredentialsError("Could not read from the repository with the given credentials", err).
			WithContext("repository_url", repo.RepositoryURL)
	}

	if err := s.layout.Validate(scratch); err != nil {
		return err
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open scratch working tree")
	}

	probeBranch := fmt.Sprintf("annoflow-write-access-probe-%s", uuid.NewString())
	if err := worktree.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(probeBranch),
		Create: true,
	}); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to create probe branch")
	}

	probeFile := filepath.Join(scratch, ".annoflow-write-access-probe")
	if err := os.WriteFile(probeFile, []byte("write access probe\n"), common.FilePermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write probe file")
	}
	if _, err := worktree.Add(".annoflow-write-access-probe"); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to stage probe file")
	}
	if _, err := worktree.Commit("write access probe", &gogit.CommitOptions{Author: s.signature()}); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to commit probe file")
	}

	pushSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", probeBranch, probeBranch))
	if err := gitRepo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []config.RefSpec{pushSpec},
	}); err != nil {
		return errors.CredentialsError("The credentials grant read but not write access", err).
			WithContext("repository_url", repo.RepositoryURL)
	}

	deleteSpec := config.RefSpec(fmt.Sprintf(":refs/heads/%s", probeBranch))
	if err := gitRepo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []config.RefSpec{deleteSpec},
	}); err != nil {
		s.logger.Printf("could not delete probe branch %q: %v", probeBranch, err)
	}
	return nil
}
