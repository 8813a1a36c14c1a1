// Package tracker observes database transactions and records which
// training-data categories changed, feeding the background dump job
// and the first-annotator bookkeeping.
package tracker

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"annoflow/internal/project"
	"annoflow/pkg/models"
)

// RepositoryStore is the subset of the store the tracker needs.
type RepositoryStore interface {
	MostRecentRepository(ctx context.Context) (*models.GitRepository, error)
	SetFirstAnnotation(ctx context.Context, repositoryID int, annotator string, at time.Time) (bool, error)
}

// DumpMarker receives per-category change notifications.
type DumpMarker interface {
	AddConfigChange(projectID string)
	AddDomainChange(projectID string)
	AddStoryChange(storyFile string)
	AddNLUChanges(nluFiles ...string)
	AddLookupTableChange(lookupTableID int, referencingNLUFile string)
}

// ChangeSummary describes what a flushed transaction touched.
type ChangeSummary struct {
	ProjectID     string
	ConfigChanged bool
	DomainChanged bool
	StoryFiles    []string
	NLUFiles      []string

	// LookupTables maps a lookup table ID to the NLU file referencing it.
	LookupTables map[int]string
}

// Empty reports whether the summary contains no training-data changes.
func (c ChangeSummary) Empty() bool {
	return !c.ConfigChanged && !c.DomainChanged &&
		len(c.StoryFiles) == 0 && len(c.NLUFiles) == 0 && len(c.LookupTables) == 0
}

// Tracker turns transaction summaries into dump notifications and
// annotation events.
type Tracker struct {
	store   RepositoryStore
	dumps   DumpMarker
	enabled bool
	logger  *log.Logger
	now     func() time.Time
}

// New returns a tracker. When enabled is false every observation is a
// no-op, which is how deployments without file dumping run.
func New(store RepositoryStore, dumps DumpMarker, enabled bool, logger *log.Logger) *Tracker {
	return &Tracker{
		store:   store,
		dumps:   dumps,
		enabled: enabled,
		logger:  logger,
		now:     time.Now,
	}
}

// ObserveCommit inspects a transaction's change summary just before it
// is flushed. It marks the changed categories with the dump scheduler
// and, if a repository is configured and no unpublished annotation is
// already recorded, credits the acting user as the first annotator.
//
// Prerequisites that are not met make this a silent no-op: the feature
// is bookkeeping, not correctness-critical. Changes made by the system
// user (file injection after a merge or discard) are ignored entirely
// so that injected data does not re-trigger a dump of itself.
func (t *Tracker) ObserveCommit(ctx context.Context, actor string, summary ChangeSummary) {
	if !t.enabled || summary.Empty() || actor == project.SystemUser {
		return
	}

	t.markDumps(summary)

	if actor == "" {
		return
	}

	repo, err := t.store.MostRecentRepository(ctx)
	if err != nil {
		t.logger.Printf("could not look up repository for annotation event: %v", err)
		return
	}
	if repo == nil {
		return
	}

	set, err := t.store.SetFirstAnnotation(ctx, repo.ID, actor, t.now())
	if err != nil {
		t.logger.Printf("could not record annotation event: %v", err)
		return
	}
	if set {
		t.logger.Printf("user %q started a new streak of unpublished changes", actor)
	}
}

// SummaryForFile classifies a single written file into a change
// summary based on its place in the project layout. Files in the data
// directory count as stories when their name says so and as NLU data
// otherwise.
func SummaryForFile(projectID, path string, layout project.Layout) ChangeSummary {
	summary := ChangeSummary{ProjectID: projectID}

	switch path {
	case layout.DomainPath:
		summary.DomainChanged = true
	case layout.ConfigPath:
		summary.ConfigChanged = true
	default:
		if strings.Contains(filepath.Base(path), "stories") {
			summary.StoryFiles = []string{path}
		} else {
			summary.NLUFiles = []string{path}
		}
	}
	return summary
}

func (t *Tracker) markDumps(summary ChangeSummary) {
	if summary.ConfigChanged {
		t.dumps.AddConfigChange(summary.ProjectID)
	}
	if summary.DomainChanged {
		t.dumps.AddDomainChange(summary.ProjectID)
	}
	for _, storyFile := range summary.StoryFiles {
		t.dumps.AddStoryChange(storyFile)
	}
	if len(summary.NLUFiles) > 0 {
		t.dumps.AddNLUChanges(summary.NLUFiles...)
	}
	for id, nluFile := range summary.LookupTables {
		t.dumps.AddLookupTableChange(id, nluFile)
	}
}
