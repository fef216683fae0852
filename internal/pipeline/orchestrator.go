// Package pipeline implements the Pipeline Orchestrator: the resumable
// Bible -> Arc -> Chapters 1-3 chain that runs once per Job up to the
// first reader checkpoint.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/logbuffer"
	"github.com/dotcommander/storyforge/internal/retry"
	"github.com/dotcommander/storyforge/internal/stage"
	"github.com/dotcommander/storyforge/internal/store"
)

const interChapterDelayDefault = time.Second

// CoverGenerator is the best-effort, fire-and-forget side task kicked
// off once per Job. Its failure is logged but never blocks the chain.
type CoverGenerator func(ctx context.Context, job *story.Job) error

// Orchestrator runs the linear Bible -> Arc -> Chapter chain.
type Orchestrator struct {
	Store              store.ProgressStore
	Bible              *stage.Bible
	Arc                *stage.Arc
	Chapter            *stage.Chapter
	LogBuffer          *logbuffer.Buffer
	Log                *slog.Logger
	FeatureFlags       stage.FeatureFlags
	InterChapterDelay  time.Duration
	Cover              CoverGenerator
	MaxStepRetries     int
}

func (o *Orchestrator) delay() time.Duration {
	if o.InterChapterDelay > 0 {
		return o.InterChapterDelay
	}
	return interChapterDelayDefault
}

// Run executes the chain resumably: each step checks Progress and the
// underlying artifact before deciding whether to do any work.
func (o *Orchestrator) Run(ctx context.Context, job *story.Job, premise string, prefs stage.Preferences, ageLevel string) error {
	log := o.Log.With("component", "pipeline_orchestrator", "job_id", job.ID)

	current, err := o.Store.LoadJob(ctx, job.ID)
	if err != nil {
		return err
	}

	o.maybeKickCover(ctx, current)

	if err := o.runBible(ctx, current, premise, prefs); err != nil {
		return o.fail(ctx, current.ID, err)
	}
	current, err = o.Store.LoadJob(ctx, job.ID)
	if err != nil {
		return o.fail(ctx, job.ID, err)
	}

	if err := o.runArc(ctx, current, ageLevel); err != nil {
		return o.fail(ctx, current.ID, err)
	}
	current, err = o.Store.LoadJob(ctx, job.ID)
	if err != nil {
		return o.fail(ctx, job.ID, err)
	}

	for n := current.Progress.ChaptersGenerated + 1; n <= 3; n++ {
		step := story.GeneratingChapterStep(n)
		if err := o.Store.UpdateProgress(ctx, current.ID, story.ProgressPatch{CurrentStep: &step}); err != nil {
			log.Warn("progress update before chapter failed", "chapter", n, "error", err)
		}

		n := n
		err := retry.Run(ctx, o.Store, o.LogBuffer, o.Log, "chapter_"+strconv.Itoa(n), current.ID, o.MaxStepRetries, func(ctx context.Context) error {
			_, err := o.Chapter.Run(ctx, current, n, o.FeatureFlags, nil)
			return err
		})
		if err != nil {
			return err
		}

		if n < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.delay()):
			}
		}
	}

	status := story.JobStatusActive
	step := story.StepAwaitingChapter2
	cleared := true
	if err := o.Store.UpdateProgress(ctx, current.ID, story.ProgressPatch{
		Status:            &status,
		CurrentStep:       &step,
		ClearRecoveryLock: cleared,
	}); err != nil {
		log.Warn("final progress update failed", "error", err)
	}
	o.LogBuffer.Free(current.ID)

	return nil
}

func (o *Orchestrator) runBible(ctx context.Context, job *story.Job, premise string, prefs stage.Preferences) error {
	if job.Progress.BibleComplete {
		return nil
	}
	if existing, err := o.Store.LoadBible(ctx, job.ID); err == nil && existing != nil {
		complete := true
		step := story.StepBibleCreated
		return o.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{BibleComplete: &complete, CurrentStep: &step})
	}
	return retry.Run(ctx, o.Store, o.LogBuffer, o.Log, "bible", job.ID, o.MaxStepRetries, func(ctx context.Context) error {
		_, err := o.Bible.Run(ctx, job, premise, prefs)
		return err
	})
}

func (o *Orchestrator) runArc(ctx context.Context, job *story.Job, ageLevel string) error {
	if job.Progress.ArcComplete {
		return nil
	}
	bible, err := o.Store.LoadBible(ctx, job.ID)
	if err != nil {
		return err
	}
	return retry.Run(ctx, o.Store, o.LogBuffer, o.Log, "arc", job.ID, o.MaxStepRetries, func(ctx context.Context) error {
		_, err := o.Arc.Run(ctx, job, bible, ageLevel)
		return err
	})
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) error {
	current, err := o.Store.LoadJob(ctx, jobID)
	if err == nil && current.Status != story.JobStatusError {
		msg := cause.Error()
		status := story.JobStatusError
		step := story.StepGenerationFailed
		logs := o.LogBuffer.Flush(jobID)
		cleared := true
		_ = o.Store.UpdateProgress(ctx, jobID, story.ProgressPatch{
			Status:            &status,
			CurrentStep:       &step,
			LastError:         &msg,
			ErrorLogs:         &logs,
			ClearRecoveryLock: cleared,
		})
	}
	return cause
}

func (o *Orchestrator) maybeKickCover(ctx context.Context, job *story.Job) {
	if o.Cover == nil || job.CoverRef != "" {
		return
	}
	go func() {
		if err := o.Cover(context.Background(), job); err != nil {
			o.Log.Warn("cover generation failed", "job_id", job.ID, "error", err)
		}
	}()
}
