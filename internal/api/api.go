// Package api exposes the version control integration over HTTP.
package api

import (
	"context"
	"log"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"annoflow/internal/project"
	"annoflow/internal/tracker"
	"annoflow/pkg/errors"
	"annoflow/pkg/models"
)

// Engine is the surface of the synchronization engine the API uses.
type Engine interface {
	SaveRepository(ctx context.Context, info *models.RepositoryInfo) (*models.GitRepository, error)
	UpdateRepository(ctx context.Context, repositoryID int, info *models.RepositoryInfo) (*models.GitRepository, error)
	DeleteRepository(ctx context.Context, repositoryID int) error
	CheckoutBranch(ctx context.Context, repo *models.GitRepository, branch string, force, injectChanges bool) error
	CommitAndPushChangesTo(ctx context.Context, repo *models.GitRepository, branch string) (*models.PushResult, error)
	GetRepositoryStatus(ctx context.Context) (*models.RepositoryStatus, error)
}

// Store is the read surface the API uses directly.
type Store interface {
	GetRepository(ctx context.Context, id int) (*models.GitRepository, error)
	ListRepositories(ctx context.Context, projectID string) ([]*models.GitRepository, error)
}

// FileStore persists training data files written through the API.
type FileStore interface {
	SaveFile(ctx context.Context, projectID, path, content, username string) error
	GetFile(ctx context.Context, projectID, path string) (string, error)
}

// ChangeObserver is notified after a training data write is flushed.
type ChangeObserver interface {
	ObserveCommit(ctx context.Context, actor string, summary tracker.ChangeSummary)
}

type Server struct {
	app     *fiber.App
	engine  Engine
	store   Store
	files   FileStore
	tracker ChangeObserver
	layout  project.Layout
	logger  *log.Logger
}

// Options carries the collaborators an API server needs.
type Options struct {
	Engine    Engine
	Store     Store
	Files     FileStore
	Tracker   ChangeObserver
	Layout    project.Layout
	ForceSync func() error
	Logger    *log.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{
		app:     fiber.New(),
		engine:  opts.Engine,
		store:   opts.Store,
		files:   opts.Files,
		tracker: opts.Tracker,
		layout:  opts.Layout,
		logger:  opts.Logger,
	}
	forceSync := opts.ForceSync

	projects := s.app.Group("/api/projects/:project_id")
	projects.Post("/git_repositories", s.createRepository)
	projects.Get("/git_repositories", s.listRepositories)
	projects.Get("/git_repositories/status", s.repositoryStatus)
	projects.Get("/git_repositories/:repository_id", s.getRepository)
	projects.Put("/git_repositories/:repository_id", s.updateRepository)
	projects.Delete("/git_repositories/:repository_id", s.deleteRepository)
	projects.Post("/git_repositories/:repository_id/push", s.push)
	projects.Post("/git_repositories/:repository_id/discard", s.discard)
	projects.Post("/git_repositories/:repository_id/synchronize", func(c fiber.Ctx) error {
		if err := forceSync(); err != nil {
			return s.fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	projects.Put("/files/*", s.saveFile)
	projects.Get("/files/*", s.getFile)

	return s
}

// userHeader carries the acting username for annotation bookkeeping.
const userHeader = "X-Annoflow-User"

func (s *Server) saveFile(c fiber.Ctx) error {
	projectID := c.Params("project_id")
	path := c.Params("*")
	if path == "" {
		return s.fail(c, errors.ValidationError("path", "", "a file path is required"))
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return s.fail(c, errors.ValidationError("path", path, "must stay inside the project tree"))
	}

	if err := s.files.SaveFile(c.Context(), projectID, path, string(c.Body()), c.Get(userHeader)); err != nil {
		return s.fail(c, err)
	}

	s.tracker.ObserveCommit(c.Context(), c.Get(userHeader), tracker.SummaryForFile(projectID, path, s.layout))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getFile(c fiber.Ctx) error {
	content, err := s.files.GetFile(c.Context(), c.Params("project_id"), c.Params("*"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.SendString(content)
}

// Listen serves the API on the given address until shutdown.
func (s *Server) Listen(address string) error {
	return s.app.Listen(address)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func statusForError(err error) int {
	switch errors.GetErrorCode(err) {
	case errors.ErrCodeRepoNotFound, errors.ErrCodeBranchNotFound, errors.ErrCodeFileNotFound:
		return fiber.StatusNotFound
	case errors.ErrCodeCredentials, errors.ErrCodeHTTPSCredentials, errors.ErrCodeProjectLayout:
		return fiber.StatusUnprocessableEntity
	case errors.ErrCodeConcurrentOperation:
		return fiber.StatusConflict
	case errors.ErrCodeProtectedBranch, errors.ErrCodeLicensing:
		return fiber.StatusForbidden
	case errors.ErrCodeValidationFailed, errors.ErrCodeInvalidInput:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) fail(c fiber.Ctx, err error) error {
	status := statusForError(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}

	body := fiber.Map{"message": err.Error()}
	if appErr, ok := err.(*errors.AppError); ok {
		body = fiber.Map{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Context,
		}
	}
	return c.Status(status).JSON(body)
}

func (s *Server) repositoryID(c fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("repository_id"))
	if err != nil {
		return 0, errors.ValidationError("repository_id", c.Params("repository_id"), "must be an integer")
	}
	return id, nil
}

func (s *Server) createRepository(c fiber.Ctx) error {
	var info models.RepositoryInfo
	if err := c.Bind().Body(&info); err != nil {
		return s.fail(c, errors.ValidationError("body", "", "invalid repository payload"))
	}
	info.ProjectID = c.Params("project_id")

	repo, err := s.engine.SaveRepository(c.Context(), &info)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(repo)
}

func (s *Server) listRepositories(c fiber.Ctx) error {
	repos, err := s.store.ListRepositories(c.Context(), c.Params("project_id"))
	if err != nil {
		return s.fail(c, err)
	}
	if repos == nil {
		repos = []*models.GitRepository{}
	}
	return c.JSON(repos)
}

func (s *Server) getRepository(c fiber.Ctx) error {
	id, err := s.repositoryID(c)
	if err != nil {
		return s.fail(c, err)
	}

	repo, err := s.store.GetRepository(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(repo)
}

func (s *Server) updateRepository(c fiber.Ctx) error {
	id, err := s.repositoryID(c)
	if err != nil {
		return s.fail(c, err)
	}

	var info models.RepositoryInfo
	if err := c.Bind().Body(&info); err != nil {
		return s.fail(c, errors.ValidationError("body", "", "invalid repository payload"))
	}
	info.ProjectID = c.Params("project_id")

	repo, err := s.engine.UpdateRepository(c.Context(), id, &info)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(repo)
}

func (s *Server) deleteRepository(c fiber.Ctx) error {
	id, err := s.repositoryID(c)
	if err != nil {
		return s.fail(c, err)
	}

	if err := s.engine.DeleteRepository(c.Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) repositoryStatus(c fiber.Ctx) error {
	status, err := s.engine.GetRepositoryStatus(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(status)
}

type pushRequest struct {
	TargetBranch string `json:"target_branch"`
}

func (s *Server) push(c fiber.Ctx) error {
	id, err := s.repositoryID(c)
	if err != nil {
		return s.fail(c, err)
	}

	repo, err := s.store.GetRepository(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	var request pushRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&request); err != nil {
			return s.fail(c, errors.ValidationError("body", "", "invalid push payload"))
		}
	}
	branch := request.TargetBranch
	if branch == "" {
		branch = repo.TargetBranch
	}

	result, err := s.engine.CommitAndPushChangesTo(c.Context(), repo, branch)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(result)
}

func (s *Server) discard(c fiber.Ctx) error {
	id, err := s.repositoryID(c)
	if err != nil {
		return s.fail(c, err)
	}

	repo, err := s.store.GetRepository(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	if err := s.engine.CheckoutBranch(c.Context(), repo, repo.TargetBranch, true, true); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
