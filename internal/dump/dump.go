package dump

import (
	"context"
	"log"
	"sort"
	"time"

	"annoflow/internal/coord"
	"annoflow/internal/scheduler"
)

// JobID identifies the recurring background dumping job.
const JobID = "background-file-dumping-job"

// waitPollInterval is the cooperative polling interval used while waiting for
// pending changes to be flushed.
const waitPollInterval = 50 * time.Millisecond

// Job argument keys. All categories are set-valued so that overlapping change
// notifications coalesce into exactly one dump per item.
const (
	argConfigChanges      = "config_changes"
	argDomainChanges      = "domain_changes"
	argStoryChanges       = "story_changes"
	argNLUChanges         = "nlu_changes"
	argLookupTableChanges = "lookup_table_changes"
)

// Dumpers writes current database state for one data category to files in the
// working tree. Implementations must be idempotent; failures are reported per
// category and isolated from the other categories.
type Dumpers interface {
	DumpConfig(ctx context.Context, projectID string) error
	DumpDomain(ctx context.Context, projectID string) error
	DumpStories(ctx context.Context, files []string) error
	DumpNLUFiles(ctx context.Context, files []string) error
	DumpLookupTables(ctx context.Context, ids []int) error
}

// Service debounces training data change notifications and dumps the
// affected categories to the working tree on a recurring schedule.
type Service struct {
	scheduler *scheduler.Scheduler
	window    *coord.PendingChangeWindow
	dumpers   Dumpers
	logger    *log.Logger
	now       func() time.Time
}

// NewService wires the dump service to a scheduler and the shared
// pending-change window.
func NewService(sched *scheduler.Scheduler, window *coord.PendingChangeWindow, dumpers Dumpers, logger *log.Logger) *Service {
	return &Service{
		scheduler: sched,
		window:    window,
		dumpers:   dumpers,
		logger:    logger,
		now:       time.Now,
	}
}

// Register adds the recurring dump job to the scheduler.
func (s *Service) Register(interval time.Duration) error {
	return s.scheduler.AddJob(JobID, interval, s.runJob)
}

// AddConfigChange marks the model configuration of a project as changed.
func (s *Service) AddConfigChange(projectID string) {
	s.markChanged(scheduler.Args{argConfigChanges: scheduler.NewStringSet(projectID)})
}

// AddDomainChange marks the domain of a project as changed.
func (s *Service) AddDomainChange(projectID string) {
	s.markChanged(scheduler.Args{argDomainChanges: scheduler.NewStringSet(projectID)})
}

// AddStoryChange marks a story file as changed.
func (s *Service) AddStoryChange(storyFile string) {
	s.markChanged(scheduler.Args{argStoryChanges: scheduler.NewStringSet(storyFile)})
}

// AddNLUChanges marks a set of NLU files as changed.
func (s *Service) AddNLUChanges(nluFiles ...string) {
	s.markChanged(scheduler.Args{argNLUChanges: scheduler.NewStringSet(nluFiles...)})
}

// AddLookupTableChange marks a lookup table and the NLU file referencing it
// as changed.
func (s *Service) AddLookupTableChange(lookupTableID int, referencingNLUFile string) {
	s.markChanged(scheduler.Args{
		argLookupTableChanges: scheduler.NewIntSet(lookupTableID),
		argNLUChanges:         scheduler.NewStringSet(referencingNLUFile),
	})
}

func (s *Service) markChanged(args scheduler.Args) {
	if err := s.scheduler.ModifyJob(JobID, args); err != nil {
		s.logf("failed to schedule dump: %v", err)
		return
	}
	s.window.MarkChange(s.now())
}

// WaitForPendingChangesToBeDumped blocks until all changes requested before
// the call have been written to the working tree. It triggers an immediate
// dump and then polls cooperatively. There is deliberately no timeout; a
// dump job which never completes is a liveness bug caught elsewhere.
func (s *Service) WaitForPendingChangesToBeDumped(ctx context.Context) error {
	requestedAt := s.now()

	if !s.window.HasPendingChangesBefore(requestedAt) {
		return nil
	}

	if err := s.scheduler.RunJobImmediately(JobID); err != nil {
		return err
	}

	for s.window.HasPendingChangesBefore(requestedAt) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
	return nil
}

// CancelPendingDumpJob drops all queued change notifications. Used when local
// changes are discarded so that a stray dump does not resurrect them.
func (s *Service) CancelPendingDumpJob() {
	if err := s.scheduler.CancelJob(JobID); err != nil {
		s.logf("failed to cancel dump job: %v", err)
		return
	}
	s.window.Cancel()
}

// runJob is the body of the recurring dump job. A failure in one category
// must not block the others; every failure is logged and the schedule keeps
// running.
func (s *Service) runJob(ctx context.Context, args scheduler.Args) {
	// The window is closed even when no work was queued. A change can be
	// recorded just after a tick consumed the queued arguments; the file is
	// already dumped, so the next tick must still move the window forward or
	// waiters would block forever.
	startedAt := s.now()

	if projects, ok := args[argConfigChanges].(scheduler.StringSet); ok {
		for _, projectID := range sortedStrings(projects) {
			if err := s.dumpers.DumpConfig(ctx, projectID); err != nil {
				s.logf("failed to dump model configuration for %q: %v", projectID, err)
			}
		}
	}

	if projects, ok := args[argDomainChanges].(scheduler.StringSet); ok {
		for _, projectID := range sortedStrings(projects) {
			if err := s.dumpers.DumpDomain(ctx, projectID); err != nil {
				s.logf("failed to dump domain for %q: %v", projectID, err)
			}
		}
	}

	if stories, ok := args[argStoryChanges].(scheduler.StringSet); ok {
		if err := s.dumpers.DumpStories(ctx, sortedStrings(stories)); err != nil {
			s.logf("failed to dump story files: %v", err)
		}
	}

	if nluFiles, ok := args[argNLUChanges].(scheduler.StringSet); ok {
		if err := s.dumpers.DumpNLUFiles(ctx, sortedStrings(nluFiles)); err != nil {
			s.logf("failed to dump NLU files: %v", err)
		}
	}

	if tables, ok := args[argLookupTableChanges].(scheduler.IntSet); ok {
		if err := s.dumpers.DumpLookupTables(ctx, sortedInts(tables)); err != nil {
			s.logf("failed to dump lookup tables: %v", err)
		}
	}

	s.window.MarkDumped(startedAt)
}

func (s *Service) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func sortedStrings(set scheduler.StringSet) []string {
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func sortedInts(set scheduler.IntSet) []int {
	out := make([]int, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Ints(out)
	return out
}
