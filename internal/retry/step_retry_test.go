package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/logbuffer"
	"github.com/dotcommander/storyforge/internal/storyerr"
)

type fakeStore struct {
	patches []story.ProgressPatch
}

func (f *fakeStore) UpdateProgress(ctx context.Context, jobID string, patch story.ProgressPatch) error {
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeStore) lastStatus() *story.JobStatus {
	for i := len(f.patches) - 1; i >= 0; i-- {
		if f.patches[i].Status != nil {
			return f.patches[i].Status
		}
	}
	return nil
}

func (f *fakeStore) lastStep() *story.StepTag {
	for i := len(f.patches) - 1; i >= 0; i-- {
		if f.patches[i].CurrentStep != nil {
			return f.patches[i].CurrentStep
		}
	}
	return nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSucceedsWithoutRetry(t *testing.T) {
	st := &fakeStore{}
	calls := 0
	err := Run(context.Background(), st, logbuffer.New(nil), discardLog(), "bible", "job-1", 3, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt, got %d", calls)
	}
	if len(st.patches) != 0 {
		t.Errorf("expected no progress writes on first-attempt success, got %d", len(st.patches))
	}
}

func TestRunRecoversOnVaryingErrors(t *testing.T) {
	st := &fakeStore{}
	attempts := 0
	err := Run(context.Background(), st, logbuffer.New(nil), discardLog(), "arc", "job-2", 3, func(ctx context.Context) error {
		attempts++
		switch attempts {
		case 1:
			return errors.New("upstream 503")
		case 2:
			return errors.New("socket reset")
		default:
			return nil
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

// Two consecutive attempts failing with the identical error message trips
// the same-error circuit breaker regardless of retry budget remaining.
func TestRunBreaksCircuitOnRepeatedIdenticalError(t *testing.T) {
	st := &fakeStore{}
	attempts := 0
	err := Run(context.Background(), st, logbuffer.New(nil), discardLog(), "chapter_3", "job-3", 5, func(ctx context.Context) error {
		attempts++
		return errors.New("invalid character name: nil")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 2 {
		t.Errorf("expected circuit to break after the second identical failure, got %d attempts", attempts)
	}
	if storyerr.ClassOf(err) != storyerr.KindCodeBug {
		t.Errorf("expected KindCodeBug, got %v", storyerr.ClassOf(err))
	}
	if got := st.lastStatus(); got == nil || *got != story.JobStatusError {
		t.Error("expected final patch to set job status to error")
	}
	if got := st.lastStep(); got == nil || *got != story.StepPermanentlyFailed {
		t.Error("expected final patch to set current_step to permanently_failed")
	}
}

func TestRunExhaustsRetriesOnDistinctErrors(t *testing.T) {
	st := &fakeStore{}
	attempts := 0
	err := Run(context.Background(), st, logbuffer.New(nil), discardLog(), "chapter_5", "job-4", 2, func(ctx context.Context) error {
		attempts++
		return errors.New("distinct failure number " + string(rune('0'+attempts)))
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 3 {
		t.Errorf("expected maxRetries+1=3 attempts, got %d", attempts)
	}
	if got := st.lastStep(); got == nil || *got != story.StepGenerationFailed {
		t.Error("expected final patch to set current_step to generation_failed")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	st := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Run(ctx, st, logbuffer.New(nil), discardLog(), "arc", "job-5", 3, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("first failure")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected the cancellation to stop further attempts, got %d", attempts)
	}
}
