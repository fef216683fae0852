// Package store defines the narrow, typed façade the rest of the
// orchestrator uses to read and write Job/Bible/Arc/Chapter/Feedback/
// CostRecord state. Concrete implementations live in the memory,
// filestore, and postgres subpackages; callers depend only on
// ProgressStore.
package store

import (
	"context"
	"time"

	"github.com/dotcommander/storyforge/internal/domain/story"
)

// JobFilter narrows the Health Sweeper's scan of Jobs.
type JobFilter struct {
	Status           story.JobStatus
	AnyStatus        []story.JobStatus
	StaleBefore      time.Time
	StepPrefixes     []string
	ExactSteps       []story.StepTag
}

// ProgressStore is the persistence boundary described by the entities'
// operations: job lifecycle, bible/arc/chapter reads and idempotent
// inserts, progress patching, recovery-lock bookkeeping, and cost
// recording.
type ProgressStore interface {
	CreateJob(ctx context.Context, owner, premiseRef, title, genre string) (*story.Job, error)
	LoadJob(ctx context.Context, jobID string) (*story.Job, error)
	UpdateProgress(ctx context.Context, jobID string, patch story.ProgressPatch) error
	ClearRecoveryLock(ctx context.Context, jobID string) error
	AcquireRecoveryLock(ctx context.Context, jobID string, now time.Time) error

	LoadBible(ctx context.Context, jobID string) (*story.Bible, error)
	InsertBible(ctx context.Context, b *story.Bible) (*story.Bible, error)

	LoadLatestArc(ctx context.Context, jobID string) (*story.Arc, error)
	InsertArc(ctx context.Context, a *story.Arc) (*story.Arc, error)

	LoadChapter(ctx context.Context, jobID string, n int) (*story.Chapter, error)
	LoadPreviousChapters(ctx context.Context, jobID string, before, window int) ([]*story.Chapter, error)
	CountChapters(ctx context.Context, jobID string) (int, error)
	InsertChapter(ctx context.Context, c *story.Chapter) (*story.Chapter, error)

	LoadFeedback(ctx context.Context, jobID string) ([]*story.CheckpointFeedback, error)
	InsertFeedback(ctx context.Context, f *story.CheckpointFeedback) (*story.CheckpointFeedback, error)

	InsertCostRecord(ctx context.Context, c *story.CostRecord) error

	ScanJobs(ctx context.Context, filter JobFilter) ([]*story.Job, error)
}

// ErrNotFound is returned by Load* methods when no row matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
