package git

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/uuid"

	"annoflow/internal/creds"
	"annoflow/internal/project"
	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

const (
	remoteName = "origin"

	commitAuthorName  = "annoflow"
	commitAuthorEmail = "annoflow@localhost"
)

func (s *Service) signature() *object.Signature {
	return &object.Signature{Name: commitAuthorName, Email: commitAuthorEmail, When: s.now()}
}

func (s *Service) auth(repo *models.GitRepository) (transport.AuthMethod, error) {
	password := ""
	if creds.IsHTTPSURL(repo.RepositoryURL) {
		password, _ = s.passwords.Get(repo.ID)
	}
	return creds.AuthFor(repo, password)
}

// isCredentialFailure matches the transport errors a wrong or expired
// password produces.
func isCredentialFailure(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, transport.ErrAuthenticationRequired) || stderrors.Is(err, transport.ErrAuthorizationFailed) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "authentication required") || strings.Contains(message, "authorization failed")
}

// clone performs a shallow all-branches clone of the repository into
// its clone path. The boolean is false when the clone was skipped
// because cached HTTPS credentials are stale; SSH failures always
// surface as errors.
func (s *Service) clone(ctx context.Context, repo *models.GitRepository) (bool, error) {
	url := repo.RepositoryURL
	https := creds.IsHTTPSURL(url)
	if https {
		authenticated, err := creds.AuthenticatedURL(url, repo.Username)
		if err != nil {
			return false, err
		}
		url = authenticated
	}

	auth, err := s.auth(repo)
	if err != nil {
		return false, err
	}

	gitRepo, err := gogit.PlainCloneContext(ctx, s.ClonePath(repo.ID), false, &gogit.CloneOptions{
		URL:   url,
		Auth:  auth,
		Depth: 1,
	})
	if err != nil {
		_ = os.RemoveAll(s.ClonePath(repo.ID))
		if https && isCredentialFailure(err) {
			s.logger.Printf("skipping clone of repository %d, HTTPS credentials are stale", repo.ID)
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to clone repository").
			WithContext("repository_url", repo.RepositoryURL)
	}

	if https {
		cfg, err := gitRepo.Config()
		if err == nil {
			cfg.Raw.Section("credential").SetOption("helper", creds.CredentialCacheHelperValue())
			_ = gitRepo.SetConfig(cfg)
		}
	}

	s.recordFetch(repo.ID)

	if err := s.ensureLocalBranch(gitRepo, repo.TargetBranch); err != nil {
		return false, err
	}
	worktree, err := gitRepo.Worktree()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(repo.TargetBranch)}); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to check out target branch")
	}
	return true, nil
}

func (s *Service) open(repo *models.GitRepository) (*gogit.Repository, error) {
	gitRepo, err := gogit.PlainOpen(s.ClonePath(repo.ID))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open clone").
			WithContext("repository_id", repo.ID)
	}
	return gitRepo, nil
}

func (s *Service) isCloned(repositoryID int) bool {
	_, err := os.Stat(s.ClonePath(repositoryID))
	return err == nil
}

// fetch updates remote refs. The boolean is false when the fetch was
// skipped because cached HTTPS credentials are stale.
func (s *Service) fetch(ctx context.Context, repo *models.GitRepository, gitRepo *gogit.Repository) (bool, error) {
	auth, err := s.auth(repo)
	if err != nil {
		return false, err
	}

	err = gitRepo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: remoteName,
		Auth:       auth,
		Force:      true,
		Tags:       gogit.NoTags,
	})
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		if creds.IsHTTPSURL(repo.RepositoryURL) && isCredentialFailure(err) {
			s.logger.Printf("skipping fetch for repository %d, HTTPS credentials are stale", repo.ID)
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to fetch repository")
	}

	s.recordFetch(repo.ID)
	return true, nil
}

// ensureLocalBranch materializes a local branch from the remote ref
// when only the remote one exists.
func (s *Service) ensureLocalBranch(gitRepo *gogit.Repository, branch string) error {
	local := plumbing.NewBranchReferenceName(branch)
	if _, err := gitRepo.Reference(local, true); err == nil {
		return nil
	}

	remote, err := gitRepo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return errors.New(errors.ErrCodeBranchNotFound, "Branch does not exist locally or on the remote").
			WithContext("branch", branch)
	}
	return gitRepo.Storer.SetReference(plumbing.NewHashReference(local, remote.Hash()))
}

// IsDirty reports whether the repository has unpublished annotations
// or an unclean working tree. The annotation marker check is cheap and
// answers the common case without touching the filesystem.
func (s *Service) IsDirty(repo *models.GitRepository) (bool, error) {
	if repo.FirstAnnotatorID != nil {
		return true, nil
	}
	if !s.isCloned(repo.ID) {
		return false, nil
	}

	gitRepo, err := s.open(repo)
	if err != nil {
		return false, err
	}
	return s.isWorktreeDirty(gitRepo)
}

func (s *Service) isWorktreeDirty(gitRepo *gogit.Repository) (bool, error) {
	worktree, err := gitRepo.Worktree()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	status, err := worktree.Status()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to read working tree status")
	}
	return !status.IsClean(), nil
}

// CheckoutBranch switches the working tree to the named branch. With
// force set, local changes are discarded first together with the
// annotation marker and any pending dump job. With injectChanges set,
// the tree's files are loaded back into the database afterwards.
func (s *Service) CheckoutBranch(ctx context.Context, repo *models.GitRepository, branch string, force, injectChanges bool) error {
	gitRepo, err := s.open(repo)
	if err != nil {
		return err
	}

	fetched, err := s.fetch(ctx, repo, gitRepo)
	if err != nil {
		return err
	}
	if !fetched {
		return nil
	}

	if err := s.ensureLocalBranch(gitRepo, branch); err != nil {
		return err
	}

	if force {
		dirty, err := s.isWorktreeDirty(gitRepo)
		if err != nil {
			return err
		}
		if dirty || repo.FirstAnnotatorID != nil {
			if err := s.discardLocalChanges(ctx, repo, gitRepo); err != nil {
				return err
			}
		}
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  force,
	}); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to check out branch").
			WithContext("branch", branch)
	}

	if injectChanges {
		return s.inject(ctx, repo)
	}
	return nil
}

// discardLocalChanges cleans untracked files, resets hard to the
// target branch, clears the annotation marker and cancels any pending
// dump job, in that order so a stray dump cannot race discarded data
// back into the tree.
func (s *Service) discardLocalChanges(ctx context.Context, repo *models.GitRepository, gitRepo *gogit.Repository) error {
	worktree, err := gitRepo.Worktree()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	if err := worktree.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to clean working tree")
	}

	target, err := gitRepo.Reference(plumbing.NewBranchReferenceName(repo.TargetBranch), true)
	if err != nil {
		return errors.New(errors.ErrCodeBranchNotFound, "Target branch does not exist").
			WithContext("branch", repo.TargetBranch)
	}
	if err := worktree.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: target.Hash()}); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to reset working tree")
	}

	if err := s.store.ResetFirstAnnotation(ctx, repo.ID); err != nil {
		return err
	}
	repo.FirstAnnotatorID = nil
	repo.FirstAnnotatedAt = nil

	s.dumps.CancelPendingDumpJob()
	return nil
}

func (s *Service) inject(ctx context.Context, repo *models.GitRepository) error {
	root := s.ClonePath(repo.ID)
	if err := s.layout.Validate(root); err != nil {
		return err
	}
	return s.injector.InjectFilesFromDisk(ctx, root, s.layout.DataDir, s.layout.ConfigPath, project.SystemUser)
}

// commitTo stages everything and commits to the named branch. A
// protected target branch is refused before anything is staged.
// Commits to other branches leave the tree back on the target branch.
func (s *Service) commitTo(repo *models.GitRepository, gitRepo *gogit.Repository, branch, message string) (plumbing.Hash, error) {
	if branch == repo.TargetBranch {
		if repo.IsTargetBranchProtected {
			return plumbing.ZeroHash, errors.ProtectedBranchError(branch)
		}
		return s.commitAll(gitRepo, message)
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	_, refErr := gitRepo.Reference(branchRef, true)
	if err := worktree.Checkout(&gogit.CheckoutOptions{
		Branch: branchRef,
		Create: refErr != nil,
		Keep:   true,
	}); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to check out branch").
			WithContext("branch", branch)
	}

	hash, commitErr := s.commitAll(gitRepo, message)

	if err := worktree.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(repo.TargetBranch),
	}); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to return to target branch")
	}
	return hash, commitErr
}

func (s *Service) commitAll(gitRepo *gogit.Repository, message string) (plumbing.Hash, error) {
	worktree, err := gitRepo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	if err := worktree.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to stage changes")
	}

	hash, err := worktree.Commit(message, &gogit.CommitOptions{Author: s.signature()})
	if stderrors.Is(err, gogit.ErrEmptyCommit) {
		head, headErr := gitRepo.Head()
		if headErr != nil {
			return plumbing.ZeroHash, errors.Wrap(headErr, errors.ErrCodeGitOperation, "Failed to resolve HEAD")
		}
		return head.Hash(), nil
	}
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to commit changes")
	}
	return hash, nil
}

// CommitAndPushChangesTo is the end-to-end publish flow: wait for
// pending dumps, take the system-wide lock non-blockingly, commit and
// push. A successful push to the target branch clears the annotation
// marker; a side-branch fallback does not.
func (s *Service) CommitAndPushChangesTo(ctx context.Context, repo *models.GitRepository, branch string) (*models.PushResult, error) {
	if err := s.dumps.WaitForPendingChangesToBeDumped(ctx); err != nil {
		return nil, err
	}

	acquired, err := s.handle.GitLock.TryAcquire()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errors.ConcurrentOperationError("commit and push")
	}
	defer func() {
		if releaseErr := s.handle.GitLock.Release(); releaseErr != nil {
			s.logger.Printf("could not release git lock: %v", releaseErr)
		}
	}()

	gitRepo, err := s.open(repo)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("annoflow annotations %s", s.now().UTC().Format(time.RFC3339))
	if _, err := s.commitTo(repo, gitRepo, branch, message); err != nil {
		return nil, err
	}

	result, err := s.push(ctx, repo, gitRepo, branch)
	if err != nil {
		return nil, err
	}

	if result.CommittedToTargetBranch {
		if err := s.store.ResetFirstAnnotation(ctx, repo.ID); err != nil {
			return nil, err
		}
		repo.FirstAnnotatorID = nil
		repo.FirstAnnotatedAt = nil
		s.handle.SetTargetBranchAhead(false)
	}
	return result, nil
}

func isNonFastForward(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-fast-forward")
}

// push sends the branch to the remote. A non-fast-forward rejection on
// the target branch falls back to a uniquely named side branch and
// realigns the local target branch with its remote counterpart so the
// commit is never orphaned.
func (s *Service) push(ctx context.Context, repo *models.GitRepository, gitRepo *gogit.Repository, branch string) (*models.PushResult, error) {
	auth, err := s.auth(repo)
	if err != nil {
		return nil, err
	}

	pushErr := s.pushBranch(ctx, gitRepo, auth, branch)
	if pushErr == nil {
		return &models.PushResult{
			RemoteBranch:            branch,
			CommittedToTargetBranch: branch == repo.TargetBranch,
		}, nil
	}

	if branch != repo.TargetBranch || !isNonFastForward(pushErr) {
		return nil, errors.Wrap(pushErr, errors.ErrCodePushFailed, "Failed to push changes").
			WithContext("branch", branch)
	}

	sideBranch := fmt.Sprintf("annoflow-change-%s", uuid.NewString())
	head, err := gitRepo.Head()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to resolve HEAD")
	}
	sideRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(sideBranch), head.Hash())
	if err := gitRepo.Storer.SetReference(sideRef); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to create fallback branch")
	}

	if err := s.pushBranch(ctx, gitRepo, auth, sideBranch); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePushFailed, "Failed to push fallback branch").
			WithContext("branch", sideBranch)
	}
	s.logger.Printf("pushed changes to branch %q, target branch %q was not fast-forwardable", sideBranch, repo.TargetBranch)

	// The commit lives safely on the side branch; realign the target
	// branch with the remote.
	remote, err := gitRepo.Reference(plumbing.NewRemoteReferenceName(remoteName, repo.TargetBranch), true)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to resolve remote target branch")
	}
	worktree, err := gitRepo.Worktree()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	if err := worktree.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: remote.Hash()}); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to realign target branch")
	}

	return &models.PushResult{RemoteBranch: sideBranch, CommittedToTargetBranch: false}, nil
}

func (s *Service) pushBranch(ctx context.Context, gitRepo *gogit.Repository, auth transport.AuthMethod, branch string) error {
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := gitRepo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []config.RefSpec{refSpec},
	})
	if err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

// SynchronizeProject is the body of the recurring reconciliation job.
// With force set, local state is discarded and the remote state is
// merged and injected unconditionally.
func (s *Service) SynchronizeProject(ctx context.Context, force bool) error {
	repo, err := s.store.MostRecentRepository(ctx)
	if err != nil {
		return err
	}
	if repo == nil {
		return nil
	}

	if !s.isCloned(repo.ID) {
		cloned, err := s.clone(ctx, repo)
		if err != nil {
			return err
		}
		if !cloned {
			return nil
		}
		return s.inject(ctx, repo)
	}

	gitRepo, err := s.open(repo)
	if err != nil {
		return err
	}

	fetched, err := s.fetch(ctx, repo, gitRepo)
	if err != nil {
		return err
	}
	if !fetched {
		return nil
	}

	ahead, err := s.isRemoteTargetAhead(gitRepo, repo)
	if err != nil {
		return err
	}
	s.handle.SetTargetBranchAhead(ahead)

	if force {
		if err := s.discardLocalChanges(ctx, repo, gitRepo); err != nil {
			return err
		}
		return s.mergeRemoteAndInject(ctx, repo, gitRepo)
	}

	if !ahead {
		return nil
	}

	dirty, err := s.IsDirty(repo)
	if err != nil {
		return err
	}
	if dirty {
		s.logger.Printf("remote target branch is ahead but local changes are unpublished, skipping merge")
		return nil
	}
	return s.mergeRemoteAndInject(ctx, repo, gitRepo)
}

// mergeRemoteAndInject fast-forwards the local target branch to the
// remote one and loads the resulting tree into the database.
func (s *Service) mergeRemoteAndInject(ctx context.Context, repo *models.GitRepository, gitRepo *gogit.Repository) error {
	remote, err := gitRepo.Reference(plumbing.NewRemoteReferenceName(remoteName, repo.TargetBranch), true)
	if err != nil {
		return errors.New(errors.ErrCodeBranchNotFound, "Remote target branch does not exist").
			WithContext("branch", repo.TargetBranch)
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to open working tree")
	}
	if err := worktree.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: remote.Hash()}); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitOperation, "Failed to merge remote target branch")
	}

	s.handle.SetTargetBranchAhead(false)
	return s.inject(ctx, repo)
}

func (s *Service) isRemoteTargetAhead(gitRepo *gogit.Repository, repo *models.GitRepository) (bool, error) {
	remote, err := gitRepo.Reference(plumbing.NewRemoteReferenceName(remoteName, repo.TargetBranch), true)
	if err != nil {
		return false, nil
	}
	local, err := gitRepo.Reference(plumbing.NewBranchReferenceName(repo.TargetBranch), true)
	if err != nil {
		return true, nil
	}
	if local.Hash() == remote.Hash() {
		return false, nil
	}

	remoteCommit, err := gitRepo.CommitObject(remote.Hash())
	if err != nil {
		return true, nil
	}
	localCommit, err := gitRepo.CommitObject(local.Hash())
	if err != nil {
		return true, nil
	}

	// The remote is not ahead when it is an ancestor of the local
	// branch (the local branch is simply ahead).
	isAncestor, err := remoteCommit.IsAncestor(localCommit)
	if err != nil {
		return true, nil
	}
	return !isAncestor, nil
}

// GetRepositoryStatus summarizes the most recently configured
// repository for UI consumption.
func (s *Service) GetRepositoryStatus(ctx context.Context) (*models.RepositoryStatus, error) {
	repo, err := s.store.MostRecentRepository(ctx)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errors.New(errors.ErrCodeRepoNotFound, "No repository is configured")
	}

	status := &models.RepositoryStatus{
		IsRemoteAhead:    s.handle.IsTargetBranchAhead(),
		TimeOfLastPull:   s.timeOfLastFetch(repo.ID),
		FirstAnnotatorID: repo.FirstAnnotatorID,
		FirstAnnotatedAt: repo.FirstAnnotatedAt,
	}

	dirty, err := s.IsDirty(repo)
	if err != nil {
		return nil, err
	}
	status.AreThereLocalChanges = dirty
	status.IsCommittingToTargetBranchAllowed = !repo.IsTargetBranchProtected && !status.IsRemoteAhead

	if s.isCloned(repo.ID) {
		gitRepo, err := s.open(repo)
		if err != nil {
			return nil, err
		}
		if head, err := gitRepo.Head(); err == nil {
			status.CurrentBranch = head.Name().Short()
		}
	}

	if creds.IsHTTPSURL(repo.RepositoryURL) {
		_, cached := s.passwords.Get(repo.ID)
		status.Authenticated = cached || creds.IsHTTPSAuthenticated(ctx, repo.RepositoryURL, repo.Username)
	} else {
		status.Authenticated = true
	}
	return status, nil
}
