// Package sweeper implements the Health Sweeper: a periodic scan that
// detects stalled or errored Jobs, classifies whether they're worth
// retrying, corrects state drift, and dispatches resumption back into
// the Pipeline Orchestrator or Checkpoint Handler.
package sweeper

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/metrics"
	"github.com/dotcommander/storyforge/internal/recoverylock"
	"github.com/dotcommander/storyforge/internal/store"
	"github.com/dotcommander/storyforge/internal/storyerr"
)

const (
	defaultInterval       = 5 * time.Minute
	defaultStallThreshold = 10 * time.Minute
	defaultLockDuration   = 20 * time.Minute
	defaultRetryCap       = 2
	maxConcurrentJobs     = 8
)

// Dispatcher resumes a single Job using whatever entry point its state
// calls for. Implemented by the process's wiring code, which has access
// to the Pipeline Orchestrator and Checkpoint Handler.
type Dispatcher interface {
	RestartBible(ctx context.Context, job *story.Job) error
	ResumePipeline(ctx context.Context, job *story.Job) error
	ResumeBatch(ctx context.Context, job *story.Job) error
}

// Config holds the tunables spec 6 exposes under health_check.*.
type Config struct {
	Interval        time.Duration
	StallThreshold  time.Duration
	LockDuration    time.Duration
	CodeErrorRetryCap int
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return defaultInterval
}

func (c Config) stallThreshold() time.Duration {
	if c.StallThreshold > 0 {
		return c.StallThreshold
	}
	return defaultStallThreshold
}

func (c Config) lockDuration() time.Duration {
	if c.LockDuration > 0 {
		return c.LockDuration
	}
	return defaultLockDuration
}

func (c Config) retryCap() int {
	if c.CodeErrorRetryCap > 0 {
		return c.CodeErrorRetryCap
	}
	return defaultRetryCap
}

// legacyStepRewrite maps the legacy "chapter_N_complete" states to the
// current awaiting/completed step they correspond to.
var legacyCompleteToAwaiting = map[int]story.StepTag{
	2: story.StepAwaitingChapter2,
	5: story.StepAwaitingChapter5,
	8: story.StepAwaitingChapter8,
}

// Sweeper runs the periodic scan.
type Sweeper struct {
	Store      store.ProgressStore
	Lock       *recoverylock.Lock
	Dispatcher Dispatcher
	Log        *slog.Logger
	Config     Config
}

// RunOnce executes a single pass. Passes never overlap; the caller's
// scheduler (cron or a manual tick) is responsible for serializing calls.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	log := s.Log.With("component", "health_sweeper")
	metrics.SweeperPassesTotal.Inc()

	staleActive, err := s.Store.ScanJobs(ctx, store.JobFilter{
		Status:      story.JobStatusActive,
		StaleBefore: time.Now().Add(-s.Config.stallThreshold()),
	})
	if err != nil {
		return err
	}
	errored, err := s.Store.ScanJobs(ctx, store.JobFilter{Status: story.JobStatusError})
	if err != nil {
		return err
	}
	candidates := mergeJobs(staleActive, errored)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentJobs)

	for _, job := range candidates {
		job := job
		g.Go(func() error {
			s.processJob(gctx, job, log)
			return nil
		})
	}
	return g.Wait()
}

func mergeJobs(a, b []*story.Job) []*story.Job {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]*story.Job, 0, len(a)+len(b))
	for _, list := range [][]*story.Job{a, b} {
		for _, j := range list {
			if seen[j.ID] {
				continue
			}
			seen[j.ID] = true
			out = append(out, j)
		}
	}
	return out
}

func (s *Sweeper) processJob(ctx context.Context, job *story.Job, log *slog.Logger) {
	jlog := log.With("job_id", job.ID)

	if rewritten := rewriteLegacyStep(job.Progress.CurrentStep); rewritten != "" && rewritten != job.Progress.CurrentStep {
		step := rewritten
		_ = s.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{CurrentStep: &step})
		job.Progress.CurrentStep = rewritten
	}

	if job.Progress.RecoveryStarted != nil && time.Since(*job.Progress.RecoveryStarted) < s.Config.lockDuration() {
		metrics.SweeperOutcomesTotal.WithLabelValues("locked").Inc()
		return
	}

	if job.Status == story.JobStatusActive && !eligibleStep(job.Progress.CurrentStep) {
		metrics.SweeperOutcomesTotal.WithLabelValues("step_not_eligible").Inc()
		return
	}

	eligible, quarantine := s.retryGate(job)
	if quarantine {
		status := story.JobStatusError
		step := story.StepPermanentlyFailed
		_ = s.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{Status: &status, CurrentStep: &step})
		metrics.SweeperOutcomesTotal.WithLabelValues("quarantined").Inc()
		jlog.Warn("job quarantined after exceeding code-error retry cap")
		return
	}
	if !eligible {
		metrics.SweeperOutcomesTotal.WithLabelValues("not_eligible").Inc()
		return
	}

	if corrected, err := s.correctDrift(ctx, job); err != nil {
		jlog.Warn("state drift correction failed", "error", err)
	} else if corrected {
		metrics.SweeperOutcomesTotal.WithLabelValues("drift_corrected").Inc()
		return
	}

	if ok, err := s.Lock.Acquire(ctx, job.ID, s.Config.lockDuration()); err != nil || !ok {
		metrics.SweeperOutcomesTotal.WithLabelValues("lock_unavailable").Inc()
		return
	}
	defer func() { _ = s.Lock.Release(ctx, job.ID) }()
	defer func() { _ = s.Store.ClearRecoveryLock(ctx, job.ID) }()

	now := time.Now()
	_ = s.Store.AcquireRecoveryLock(ctx, job.ID, now)
	healthRetries := job.Progress.HealthCheckRetries + 1
	status := story.JobStatusActive
	clearedErr := true
	_ = s.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		HealthCheckRetries: &healthRetries,
		Status:             &status,
		ClearLastError:     clearedErr,
	})

	if err := s.dispatch(ctx, job); err != nil {
		jlog.Warn("dispatched recovery failed", "error", err)
		metrics.SweeperOutcomesTotal.WithLabelValues("dispatch_failed").Inc()
		return
	}
	metrics.SweeperOutcomesTotal.WithLabelValues("dispatched").Inc()
}

func (s *Sweeper) retryGate(job *story.Job) (eligible, quarantine bool) {
	if job.Progress.LastError == "" {
		return true, false
	}
	if storyerr.IsTransient(plainError(job.Progress.LastError)) {
		return true, false
	}
	if job.Progress.HealthCheckRetries >= s.Config.retryCap() {
		return false, true
	}
	return true, false
}

func (s *Sweeper) correctDrift(ctx context.Context, job *story.Job) (bool, error) {
	actual, err := s.Store.CountChapters(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if actual <= job.Progress.ChaptersGenerated {
		return false, nil
	}

	step := awaitingStepFor(actual)
	generated := actual
	zero := 0
	cleared := true
	if err := s.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		ChaptersGenerated:  &generated,
		CurrentStep:        &step,
		HealthCheckRetries: &zero,
		ClearRecoveryLock:  cleared,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sweeper) dispatch(ctx context.Context, job *story.Job) error {
	p := job.Progress
	switch {
	case !p.BibleComplete:
		return s.Dispatcher.RestartBible(ctx, job)
	case !p.ArcComplete:
		return s.Dispatcher.ResumePipeline(ctx, job)
	case p.ChaptersGenerated < 3:
		return s.Dispatcher.ResumePipeline(ctx, job)
	case p.BatchStart > 0:
		return s.Dispatcher.ResumeBatch(ctx, job)
	case isRaceBoundary(p.ChaptersGenerated) && strings.HasPrefix(string(p.CurrentStep), "generating_"):
		return s.resolveRaceBoundary(ctx, job)
	default:
		return nil
	}
}

// resolveRaceBoundary handles a job that crashed between writing its
// checkpoint feedback and writing the batch markers that trigger the next
// chapter batch. If the prerequisite feedback is already on record, the
// batch never actually started and can be dispatched now; otherwise the
// job genuinely is waiting on feedback and the awaiting step is restored.
func (s *Sweeper) resolveRaceBoundary(ctx context.Context, job *story.Job) error {
	checkpoint, ok := raceBoundaryCheckpoint(job.Progress.ChaptersGenerated)
	if ok {
		feedback, err := s.Store.LoadFeedback(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, f := range feedback {
			if f.Checkpoint == checkpoint {
				return s.Dispatcher.ResumeBatch(ctx, job)
			}
		}
	}

	step := awaitingStepFor(job.Progress.ChaptersGenerated)
	return s.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{CurrentStep: &step})
}

func isRaceBoundary(n int) bool {
	return n == 3 || n == 6 || n == 9
}

// raceBoundaryCheckpoint maps the chapter count a race boundary was
// detected at to the checkpoint whose feedback unlocks the next batch.
func raceBoundaryCheckpoint(n int) (story.Checkpoint, bool) {
	switch n {
	case 3:
		return story.CheckpointChapter2, true
	case 6:
		return story.CheckpointChapter5, true
	case 9:
		return story.CheckpointChapter8, true
	}
	return "", false
}

func eligibleStep(step story.StepTag) bool {
	if strings.HasPrefix(string(step), "generating_") {
		return true
	}
	switch step {
	case story.StepBibleCreated, story.StepArcCreated, story.StepBibleGenerationFailed, story.StepGenerationFailed:
		return true
	}
	return false
}

func awaitingStepFor(chaptersGenerated int) story.StepTag {
	switch {
	case chaptersGenerated >= 12:
		return story.StepCompleted
	case chaptersGenerated >= 9:
		return story.StepAwaitingChapter8
	case chaptersGenerated >= 6:
		return story.StepAwaitingChapter5
	case chaptersGenerated >= 3:
		return story.StepAwaitingChapter2
	default:
		return story.StepGeneratingBible
	}
}

func rewriteLegacyStep(step story.StepTag) story.StepTag {
	s := string(step)
	const suffix = "_complete"
	if !strings.HasPrefix(s, "chapter_") || !strings.HasSuffix(s, suffix) {
		return ""
	}
	numStr := strings.TrimSuffix(strings.TrimPrefix(s, "chapter_"), suffix)
	for n, tag := range legacyCompleteToAwaiting {
		if numStr == strconv.Itoa(n) {
			return tag
		}
	}
	return ""
}

// plainError wraps a stored error message string back into an error for
// classification purposes, since Progress.LastError is persisted as text.
type plainError string

func (e plainError) Error() string { return string(e) }
