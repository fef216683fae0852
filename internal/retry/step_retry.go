// Package retry provides Step Retry: the wrapper that gives any stage
// function bounded backoff, a same-error-message circuit breaker, and
// progress-state accounting, so individual stages never need to manage
// retry bookkeeping themselves.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/logbuffer"
	"github.com/dotcommander/storyforge/internal/storyerr"
)

// StageFunc is one attempt at a pipeline stage.
type StageFunc func(ctx context.Context) error

// ProgressUpdater is the subset of store.ProgressStore Step Retry needs;
// kept narrow so tests can supply a stub without a full store.
type ProgressUpdater interface {
	UpdateProgress(ctx context.Context, jobID string, patch story.ProgressPatch) error
}

const backoffUnit = 15 * time.Second

// Run executes fn up to maxRetries+1 times, backing off attempt*15s
// between attempts. name labels the stage for logging; job is the Job ID
// whose Progress gets updated on every failure.
func Run(ctx context.Context, st ProgressUpdater, buf *logbuffer.Buffer, log *slog.Logger, name, jobID string, maxRetries int, fn StageFunc) error {
	log = log.With("component", "step_retry", "step", name, "job_id", jobID)

	var prevMsg string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * backoffUnit
			log.Info("retrying after backoff", "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		msg := err.Error()
		buf.Logf(jobID, "step %s attempt %d failed: %s", name, attempt, msg)
		log.Warn("step attempt failed", "attempt", attempt, "error", msg)

		now := time.Now()
		retryCount := attempt + 1
		_ = st.UpdateProgress(ctx, jobID, story.ProgressPatch{
			LastError:   &msg,
			LastErrorAt: &now,
			RetryCount:  &retryCount,
		})

		if attempt >= 1 && msg == prevMsg {
			log.Error("same error twice in a row, circuit breaking", "error", msg)
			return breakCircuit(ctx, st, buf, jobID, name, err)
		}
		prevMsg = msg

		if attempt == maxRetries {
			log.Error("retries exhausted", "attempts", attempt+1)
			return exhaust(ctx, st, buf, jobID, name, err)
		}
	}
	// unreachable
	return storyerr.CodeBug(name, context.Canceled)
}

func breakCircuit(ctx context.Context, st ProgressUpdater, buf *logbuffer.Buffer, jobID, name string, cause error) error {
	status := story.JobStatusError
	step := story.StepPermanentlyFailed
	logs := buf.Flush(jobID)
	_ = st.UpdateProgress(ctx, jobID, story.ProgressPatch{
		Status:      &status,
		CurrentStep: &step,
		ErrorLogs:   &logs,
	})
	return storyerr.CodeBug(name, cause)
}

func exhaust(ctx context.Context, st ProgressUpdater, buf *logbuffer.Buffer, jobID, name string, cause error) error {
	status := story.JobStatusError
	step := story.StepGenerationFailed
	logs := buf.Flush(jobID)
	_ = st.UpdateProgress(ctx, jobID, story.ProgressPatch{
		Status:      &status,
		CurrentStep: &step,
		ErrorLogs:   &logs,
	})
	return storyerr.New(storyerr.ClassOf(cause), name, cause)
}
