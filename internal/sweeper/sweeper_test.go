package sweeper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/recoverylock"
	"github.com/dotcommander/storyforge/internal/store/memory"
)

type fakeDispatcher struct {
	restartBibleCalls, resumePipelineCalls, resumeBatchCalls int
}

func (f *fakeDispatcher) RestartBible(ctx context.Context, job *story.Job) error {
	f.restartBibleCalls++
	return nil
}
func (f *fakeDispatcher) ResumePipeline(ctx context.Context, job *story.Job) error {
	f.resumePipelineCalls++
	return nil
}
func (f *fakeDispatcher) ResumeBatch(ctx context.Context, job *story.Job) error {
	f.resumeBatchCalls++
	return nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransientErrorUnlimitedRetry(t *testing.T) {
	st := memory.New()
	job, _ := st.CreateJob(context.Background(), "owner", "premise", "Test Book", "fantasy")

	msg := "Upstream 529 overloaded"
	retries := 7
	status := story.JobStatusError
	step := story.StepTag("generating_chapter_2")
	bibleDone, arcDone := true, true
	chaptersDone := 1
	_ = st.UpdateProgress(context.Background(), job.ID, story.ProgressPatch{
		LastError:          &msg,
		HealthCheckRetries: &retries,
		CurrentStep:        &step,
		Status:             &status,
		BibleComplete:      &bibleDone,
		ArcComplete:        &arcDone,
		ChaptersGenerated:  &chaptersDone,
	})

	dispatcher := &fakeDispatcher{}
	sw := &Sweeper{Store: st, Lock: recoverylock.New(nil), Dispatcher: dispatcher, Log: discardLog()}

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.LoadJob(context.Background(), job.ID)
	if got.Status == story.JobStatusError && got.Progress.CurrentStep == story.StepPermanentlyFailed {
		t.Fatal("job should not be permanently failed for a transient error")
	}
	if got.Progress.HealthCheckRetries != 8 {
		t.Errorf("expected health_check_retries=8, got %d", got.Progress.HealthCheckRetries)
	}
	if dispatcher.resumePipelineCalls == 0 {
		t.Error("expected dispatch to resume pipeline")
	}
}

func TestStateDriftResolution(t *testing.T) {
	st := memory.New()
	job, _ := st.CreateJob(context.Background(), "owner", "premise", "Test Book", "fantasy")

	for n := 1; n <= 6; n++ {
		_, _ = st.InsertChapter(context.Background(), &story.Chapter{JobID: job.ID, Number: n, Content: "x"})
	}
	generated := 5
	step := story.StepTag("generating_chapter_6")
	_ = st.UpdateProgress(context.Background(), job.ID, story.ProgressPatch{ChaptersGenerated: &generated, CurrentStep: &step})
	_ = st.Backdate(job.ID, time.Now().Add(-time.Hour))

	dispatcher := &fakeDispatcher{}
	sw := &Sweeper{Store: st, Lock: recoverylock.New(nil), Dispatcher: dispatcher, Log: discardLog()}

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.LoadJob(context.Background(), job.ID)
	if got.Progress.ChaptersGenerated != 6 {
		t.Errorf("expected chapters_generated=6, got %d", got.Progress.ChaptersGenerated)
	}
	if got.Progress.CurrentStep != story.StepAwaitingChapter5 {
		t.Errorf("expected awaiting_chapter_5_feedback, got %s", got.Progress.CurrentStep)
	}
	if dispatcher.restartBibleCalls+dispatcher.resumePipelineCalls+dispatcher.resumeBatchCalls != 0 {
		t.Error("expected no dispatch when only correcting drift")
	}
}

func TestLockSafetySkipsJobUnderRecovery(t *testing.T) {
	st := memory.New()
	job, _ := st.CreateJob(context.Background(), "owner", "premise", "Test Book", "fantasy")

	now := time.Now()
	_ = st.AcquireRecoveryLock(context.Background(), job.ID, now)
	step := story.StepTag("generating_bible")
	msg := "Upstream 503 service unavailable"
	_ = st.UpdateProgress(context.Background(), job.ID, story.ProgressPatch{CurrentStep: &step, LastError: &msg})
	_ = st.Backdate(job.ID, time.Now().Add(-time.Hour))

	dispatcher := &fakeDispatcher{}
	sw := &Sweeper{Store: st, Lock: recoverylock.New(nil), Dispatcher: dispatcher, Log: discardLog()}

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispatcher.restartBibleCalls != 0 {
		t.Error("expected locked job to be skipped")
	}
}
