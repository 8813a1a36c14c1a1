package git

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annoflow/internal/coord"
	"annoflow/internal/creds"
	"annoflow/internal/project"
	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

type fakeStore struct {
	repo       *models.GitRepository
	saved      []*models.GitRepository
	resetCalls int
	deleted    []int
}

func (f *fakeStore) SaveRepository(ctx context.Context, repo *models.GitRepository) error {
	repo.ID = len(f.saved) + 1
	f.saved = append(f.saved, repo)
	f.repo = repo
	return nil
}

func (f *fakeStore) UpdateRepository(ctx context.Context, repo *models.GitRepository) error {
	f.repo = repo
	return nil
}

func (f *fakeStore) GetRepository(ctx context.Context, id int) (*models.GitRepository, error) {
	if f.repo == nil || f.repo.ID != id {
		return nil, errors.New(errors.ErrCodeRepoNotFound, "Repository does not exist")
	}
	return f.repo, nil
}

func (f *fakeStore) MostRecentRepository(ctx context.Context) (*models.GitRepository, error) {
	return f.repo, nil
}

func (f *fakeStore) DeleteRepository(ctx context.Context, id int) error {
	f.deleted = append(f.deleted, id)
	f.repo = nil
	return nil
}

func (f *fakeStore) ResetFirstAnnotation(ctx context.Context, repositoryID int) error {
	f.resetCalls++
	if f.repo != nil && f.repo.ID == repositoryID {
		f.repo.FirstAnnotatorID = nil
		f.repo.FirstAnnotatedAt = nil
	}
	return nil
}

type fakeDumps struct {
	waits   int
	cancels int
}

func (f *fakeDumps) WaitForPendingChangesToBeDumped(ctx context.Context) error {
	f.waits++
	return nil
}

func (f *fakeDumps) CancelPendingDumpJob() {
	f.cancels++
}

type fakeInjector struct {
	roots []string
}

func (f *fakeInjector) InjectFilesFromDisk(ctx context.Context, root, dataPath, configPath, username string) error {
	f.roots = append(f.roots, root)
	return nil
}

func writeProjectFiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "domain.yml"), []byte("intents: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("language: en\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "nlu.yml"), []byte("nlu: []\n"), 0o644))
}

func testSignature() *object.Signature {
	return &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
}

func commitAllIn(t *testing.T, repo *gogit.Repository, message string) plumbing.Hash {
	t.Helper()
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, worktree.AddWithOptions(&gogit.AddOptions{All: true}))
	hash, err := worktree.Commit(message, &gogit.CommitOptions{Author: testSignature()})
	require.NoError(t, err)
	return hash
}

// seedRemote creates a bare repository with a valid project layout on
// its master branch and returns its path.
func seedRemote(t *testing.T) string {
	t.Helper()

	bare := t.TempDir()
	_, err := gogit.PlainInit(bare, true)
	require.NoError(t, err)

	seed := t.TempDir()
	repo, err := gogit.PlainInit(seed, false)
	require.NoError(t, err)
	writeProjectFiles(t, seed)
	commitAllIn(t, repo, "initial project")

	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"refs/heads/master:refs/heads/master"},
	}))
	return bare
}

// pushToRemote adds a commit with the given file directly to the
// remote's master branch, simulating another writer.
func pushToRemote(t *testing.T, remote, name, content string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainClone(dir, false, &gogit.CloneOptions{URL: remote})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	commitAllIn(t, repo, "remote change")
	require.NoError(t, repo.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"refs/heads/master:refs/heads/master"},
	}))
}

type engineFixture struct {
	service  *Service
	store    *fakeStore
	dumps    *fakeDumps
	injector *fakeInjector
	handle   *coord.Handle
	repo     *models.GitRepository
	clones   string
}

func newEngineFixture(t *testing.T, remote string) *engineFixture {
	t.Helper()

	clones := t.TempDir()
	repo := &models.GitRepository{
		ID:            1,
		ProjectID:     "default",
		RepositoryURL: remote,
		TargetBranch:  "master",
	}
	st := &fakeStore{repo: repo}
	dumps := &fakeDumps{}
	injector := &fakeInjector{}
	handle := coord.NewHandle(clones)

	service := NewService(Options{
		Store:           st,
		Handle:          handle,
		Credentials:     creds.NewManager(clones),
		Passwords:       creds.NewPasswordCache(creds.CredentialCacheTimeout, false),
		Dumps:           dumps,
		Injector:        injector,
		Layout:          project.DefaultLayout(),
		ClonesDirectory: clones,
		Logger:          log.New(io.Discard, "", 0),
	})

	return &engineFixture{
		service:  service,
		store:    st,
		dumps:    dumps,
		injector: injector,
		handle:   handle,
		repo:     repo,
		clones:   clones,
	}
}

func (f *engineFixture) mustClone(t *testing.T) *gogit.Repository {
	t.Helper()
	cloned, err := f.service.clone(context.Background(), f.repo)
	require.NoError(t, err)
	require.True(t, cloned)
	gitRepo, err := gogit.PlainOpen(f.service.ClonePath(f.repo.ID))
	require.NoError(t, err)
	return gitRepo
}

func (f *engineFixture) editStory(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(f.service.ClonePath(f.repo.ID), "data", "stories.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func markAnnotator(repo *models.GitRepository, user string) {
	at := time.Now()
	repo.FirstAnnotatorID = &user
	repo.FirstAnnotatedAt = &at
}

func currentBranch(t *testing.T, gitRepo *gogit.Repository) string {
	t.Helper()
	head, err := gitRepo.Head()
	require.NoError(t, err)
	return head.Name().Short()
}

func remoteBranches(t *testing.T, remote string) map[string]plumbing.Hash {
	t.Helper()
	repo, err := gogit.PlainOpen(remote)
	require.NoError(t, err)
	refs, err := repo.References()
	require.NoError(t, err)

	branches := map[string]plumbing.Hash{}
	require.NoError(t, refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() {
			branches[ref.Name().Short()] = ref.Hash()
		}
		return nil
	}))
	return branches
}

func TestCloneIsShallowAndOnTargetBranch(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)

	gitRepo := f.mustClone(t)

	assert.Equal(t, "master", currentBranch(t, gitRepo))
	assert.FileExists(t, filepath.Join(f.service.ClonePath(1), "domain.yml"))
}

func TestIsDirty(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	dirty, err := f.service.IsDirty(f.repo)
	require.NoError(t, err)
	assert.False(t, dirty)

	f.editStory(t, "stories: []\n")
	dirty, err = f.service.IsDirty(f.repo)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestIsDirtyAnnotationMarkerShortCircuits(t *testing.T) {
	f := newEngineFixture(t, seedRemote(t))
	markAnnotator(f.repo, "alice")

	// No clone exists, the marker alone answers the question.
	dirty, err := f.service.IsDirty(f.repo)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestCommitToProtectedBranchRefuses(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.repo.IsTargetBranchProtected = true
	gitRepo := f.mustClone(t)

	before, err := gitRepo.Head()
	require.NoError(t, err)
	f.editStory(t, "stories: []\n")

	_, err = f.service.commitTo(f.repo, gitRepo, "master", "update")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProtectedBranch))

	after, err := gitRepo.Head()
	require.NoError(t, err)
	assert.Equal(t, before.Hash(), after.Hash())

	dirty, err := f.service.isWorktreeDirty(gitRepo)
	require.NoError(t, err)
	assert.True(t, dirty, "changes must survive the refused commit")
}

func TestCommitToOtherBranchRestoresTarget(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	gitRepo := f.mustClone(t)

	f.editStory(t, "stories: []\n")

	hash, err := f.service.commitTo(f.repo, gitRepo, "experiments", "try something")
	require.NoError(t, err)

	assert.Equal(t, "master", currentBranch(t, gitRepo))

	ref, err := gitRepo.Reference(plumbing.NewBranchReferenceName("experiments"), true)
	require.NoError(t, err)
	assert.Equal(t, hash, ref.Hash())
}

func TestCommitAndPushChangesToTargetBranch(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	markAnnotator(f.repo, "alice")
	f.editStory(t, "stories:\n- story: greet\n")

	result, err := f.service.CommitAndPushChangesTo(context.Background(), f.repo, "master")
	require.NoError(t, err)

	assert.Equal(t, &models.PushResult{RemoteBranch: "master", CommittedToTargetBranch: true}, result)
	assert.Equal(t, 1, f.dumps.waits, "publish must wait for pending dumps")
	assert.Equal(t, 1, f.store.resetCalls, "target-branch publish clears the annotation marker")
	assert.Nil(t, f.repo.FirstAnnotatorID)

	branches := remoteBranches(t, remote)
	local, err := gogit.PlainOpen(f.service.ClonePath(1))
	require.NoError(t, err)
	head, err := local.Head()
	require.NoError(t, err)
	assert.Equal(t, head.Hash(), branches["master"], "remote master carries the published commit")
}

func TestCommitAndPushProtectedTargetBranch(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.repo.IsTargetBranchProtected = true
	f.mustClone(t)

	markAnnotator(f.repo, "alice")
	f.editStory(t, "stories: []\n")

	_, err := f.service.CommitAndPushChangesTo(context.Background(), f.repo, "master")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProtectedBranch))
	assert.NotNil(t, f.repo.FirstAnnotatorID, "annotation marker survives a refused publish")
	assert.Zero(t, f.store.resetCalls)
}

func TestCommitAndPushFallsBackToSideBranch(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	gitRepo := f.mustClone(t)

	// Another writer advances the remote target branch.
	pushToRemote(t, remote, "other.yml", "other: true\n")
	fetched, err := f.service.fetch(context.Background(), f.repo, gitRepo)
	require.NoError(t, err)
	require.True(t, fetched)

	markAnnotator(f.repo, "alice")
	f.editStory(t, "stories: []\n")

	result, err := f.service.CommitAndPushChangesTo(context.Background(), f.repo, "master")
	require.NoError(t, err)

	assert.False(t, result.CommittedToTargetBranch)
	assert.True(t, strings.HasPrefix(result.RemoteBranch, "annoflow-change-"))
	assert.NotNil(t, f.repo.FirstAnnotatorID, "side-branch publish does not clear the marker")

	branches := remoteBranches(t, remote)
	_, ok := branches[result.RemoteBranch]
	assert.True(t, ok, "commit must exist on the remote side branch")

	remoteRef, err := gitRepo.Reference(plumbing.NewRemoteReferenceName("origin", "master"), true)
	require.NoError(t, err)
	head, err := gitRepo.Head()
	require.NoError(t, err)
	assert.Equal(t, remoteRef.Hash(), head.Hash(), "local master realigned with origin/master")

	dirty, err := f.service.isWorktreeDirty(gitRepo)
	require.NoError(t, err)
	assert.False(t, dirty, "no orphaned local commit or leftover changes")
}

func TestCommitAndPushLockContention(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	other := coord.NewGlobalGitLock(f.clones)
	acquired, err := other.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { _ = other.Release() }()

	start := time.Now()
	_, err = f.service.CommitAndPushChangesTo(context.Background(), f.repo, "master")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentOperation))
	assert.Less(t, time.Since(start), 5*time.Second, "lock contention must fail immediately")
}

func TestCheckoutBranchForceDiscardsEverything(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	markAnnotator(f.repo, "alice")
	f.editStory(t, "stories: []\n")
	untracked := filepath.Join(f.service.ClonePath(1), "scratch.txt")
	require.NoError(t, os.WriteFile(untracked, []byte("scratch"), 0o644))

	require.NoError(t, f.service.CheckoutBranch(context.Background(), f.repo, "master", true, false))

	assert.NoFileExists(t, untracked)
	assert.NoFileExists(t, filepath.Join(f.service.ClonePath(1), "data", "stories.yml"))
	assert.Nil(t, f.repo.FirstAnnotatorID)
	assert.Equal(t, 1, f.store.resetCalls)
	assert.Equal(t, 1, f.dumps.cancels)
}

func TestCheckoutBranchMaterializesRemoteBranch(t *testing.T) {
	remote := seedRemote(t)

	// Create a second branch on the remote.
	dir := t.TempDir()
	seed, err := gogit.PlainClone(dir, false, &gogit.CloneOptions{URL: remote})
	require.NoError(t, err)
	worktree, err := seed.Worktree()
	require.NoError(t, err)
	require.NoError(t, worktree.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("annotations"),
		Create: true,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yml"), []byte("extra: 1\n"), 0o644))
	commitAllIn(t, seed, "extra")
	require.NoError(t, seed.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"refs/heads/annotations:refs/heads/annotations"},
	}))

	f := newEngineFixture(t, remote)
	f.mustClone(t)

	require.NoError(t, f.service.CheckoutBranch(context.Background(), f.repo, "annotations", false, true))

	gitRepo, err := gogit.PlainOpen(f.service.ClonePath(1))
	require.NoError(t, err)
	assert.Equal(t, "annotations", currentBranch(t, gitRepo))
	assert.Len(t, f.injector.roots, 1)
}

func TestCheckoutBranchUnknownBranch(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	err := f.service.CheckoutBranch(context.Background(), f.repo, "does-not-exist", false, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBranchNotFound))
}

func TestSynchronizeProjectClonesAndInjectsInitially(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)

	require.NoError(t, f.service.SynchronizeProject(context.Background(), false))

	assert.DirExists(t, f.service.ClonePath(1))
	assert.Len(t, f.injector.roots, 1)
}

func TestSynchronizeProjectMergesRemoteChanges(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	pushToRemote(t, remote, "remote.yml", "remote: true\n")

	require.NoError(t, f.service.SynchronizeProject(context.Background(), false))

	assert.FileExists(t, filepath.Join(f.service.ClonePath(1), "remote.yml"))
	assert.Len(t, f.injector.roots, 1)
	assert.False(t, f.handle.IsTargetBranchAhead())
}

func TestSynchronizeProjectSkipsMergeWhenDirty(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	pushToRemote(t, remote, "remote.yml", "remote: true\n")
	f.editStory(t, "stories: []\n")

	require.NoError(t, f.service.SynchronizeProject(context.Background(), false))

	assert.NoFileExists(t, filepath.Join(f.service.ClonePath(1), "remote.yml"))
	assert.Empty(t, f.injector.roots, "unpublished local work is never merged over")
	assert.True(t, f.handle.IsTargetBranchAhead())
}

func TestSynchronizeProjectForceDiscardsAndInjects(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	pushToRemote(t, remote, "remote.yml", "remote: true\n")
	markAnnotator(f.repo, "alice")
	f.editStory(t, "stories: []\n")

	require.NoError(t, f.service.SynchronizeProject(context.Background(), true))

	assert.FileExists(t, filepath.Join(f.service.ClonePath(1), "remote.yml"))
	assert.NoFileExists(t, filepath.Join(f.service.ClonePath(1), "data", "stories.yml"))
	assert.Nil(t, f.repo.FirstAnnotatorID)
	assert.Equal(t, 1, f.dumps.cancels)
	assert.Len(t, f.injector.roots, 1)
}

func TestSynchronizeProjectNoRepositoryConfigured(t *testing.T) {
	f := newEngineFixture(t, seedRemote(t))
	f.store.repo = nil

	assert.NoError(t, f.service.SynchronizeProject(context.Background(), false))
	assert.Empty(t, f.injector.roots)
}

func TestProbeWriteAccessLeavesNoTrace(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)

	require.NoError(t, f.service.probeWriteAccess(context.Background(), f.repo, ""))

	branches := remoteBranches(t, remote)
	assert.Len(t, branches, 1, "probe branch must be deleted afterwards")
	_, ok := branches["master"]
	assert.True(t, ok)
}

func TestProbeWriteAccessRejectsInvalidLayout(t *testing.T) {
	// A remote without the required project files.
	bare := t.TempDir()
	_, err := gogit.PlainInit(bare, true)
	require.NoError(t, err)

	seed := t.TempDir()
	repo, err := gogit.PlainInit(seed, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("empty\n"), 0o644))
	commitAllIn(t, repo, "initial")
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"refs/heads/master:refs/heads/master"},
	}))

	f := newEngineFixture(t, bare)
	f.repo.RepositoryURL = bare

	err = f.service.probeWriteAccess(context.Background(), f.repo, "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProjectLayout))
}

func TestSaveRepositoryPersistsAndClones(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.store.repo = nil

	repo, err := f.service.SaveRepository(context.Background(), &models.RepositoryInfo{
		ProjectID:     "default",
		RepositoryURL: remote,
		TargetBranch:  "master",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, repo.ID)
	assert.Len(t, f.store.saved, 1)
	assert.DirExists(t, f.service.ClonePath(repo.ID))
}

func TestDeleteRepositoryRemovesEverything(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)

	firstKeys, err := f.service.InstanceKeys()
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteRepository(context.Background(), 1))

	assert.NoDirExists(t, f.service.ClonePath(1))
	assert.Equal(t, []int{1}, f.store.deleted)

	rotated, err := f.service.InstanceKeys()
	require.NoError(t, err)
	assert.NotEqual(t, firstKeys.Private, rotated.Private, "deploy key is rotated on delete")
}

func TestGetRepositoryStatus(t *testing.T) {
	remote := seedRemote(t)
	f := newEngineFixture(t, remote)
	f.mustClone(t)
	markAnnotator(f.repo, "alice")

	status, err := f.service.GetRepositoryStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "master", status.CurrentBranch)
	assert.True(t, status.AreThereLocalChanges, "annotation marker makes the repository dirty")
	assert.True(t, status.IsCommittingToTargetBranchAllowed)
	assert.True(t, status.Authenticated, "SSH style remotes report authenticated")
	require.NotNil(t, status.FirstAnnotatorID)
	assert.Equal(t, "alice", *status.FirstAnnotatorID)
	assert.NotNil(t, status.TimeOfLastPull)
}
