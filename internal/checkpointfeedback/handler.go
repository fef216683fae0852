// Package checkpointfeedback implements the Checkpoint Handler: the
// reader-feedback-triggered generation of the next three-chapter batch.
package checkpointfeedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/editorbrief"
	"github.com/dotcommander/storyforge/internal/logbuffer"
	"github.com/dotcommander/storyforge/internal/retry"
	"github.com/dotcommander/storyforge/internal/stage"
	"github.com/dotcommander/storyforge/internal/store"
)

// Handler runs the batch triggered by a checkpoint feedback submission.
type Handler struct {
	Store          store.ProgressStore
	Chapter        *stage.Chapter
	EditorBrief    *editorbrief.Builder
	LogBuffer      *logbuffer.Buffer
	Log            *slog.Logger
	FeatureFlags   stage.FeatureFlags
	MaxStepRetries int
}

// Handle processes a newly-written CheckpointFeedback row.
func (h *Handler) Handle(ctx context.Context, job *story.Job, feedback *story.CheckpointFeedback) error {
	log := h.Log.With("component", "checkpoint_handler", "job_id", job.ID, "checkpoint", feedback.Checkpoint)

	start, end, ok := feedback.Checkpoint.BatchFor()
	if !ok {
		return fmt.Errorf("checkpoint handler: unknown checkpoint %q", feedback.Checkpoint)
	}

	history, err := h.Store.LoadFeedback(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("checkpoint handler: loading feedback history: %w", err)
	}

	arc, err := h.Store.LoadLatestArc(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("checkpoint handler: loading arc: %w", err)
	}
	nextOutlines := outlinesInRange(arc, start, end)

	lastTwo, err := h.Store.LoadPreviousChapters(ctx, job.ID, start, 2)
	if err != nil {
		return fmt.Errorf("checkpoint handler: loading recent chapters: %w", err)
	}

	earlier, err := h.Store.LoadPreviousChapters(ctx, job.ID, start, start-1)
	if err != nil {
		return fmt.Errorf("checkpoint handler: loading earlier chapters: %w", err)
	}
	summaries := summarizeChapters(earlier, lastTwo)

	var brief *story.EditorBrief
	if h.EditorBrief != nil {
		brief, err = h.EditorBrief.Build(ctx, job, history, lastTwo, summaries, nextOutlines)
		if err != nil {
			log.Warn("editor brief build failed, proceeding without revisions", "error", err)
			brief = nil
		}
	}

	batchStart, batchEnd := start, end
	if err := h.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		BatchStart: &batchStart,
		BatchEnd:   &batchEnd,
	}); err != nil {
		log.Warn("setting batch markers failed", "error", err)
	}

	for n := start; n <= end; n++ {
		n := n
		step := story.GeneratingChapterStep(n)
		_ = h.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{CurrentStep: &step})

		err := retry.Run(ctx, h.Store, h.LogBuffer, h.Log, fmt.Sprintf("chapter_%d", n), job.ID, h.MaxStepRetries, func(ctx context.Context) error {
			_, err := h.Chapter.Run(ctx, job, n, h.FeatureFlags, brief)
			return err
		})
		if err != nil {
			return err
		}
	}

	nextStep := nextAwaitingStep(end)
	cleared := true
	if err := h.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		CurrentStep: &nextStep,
		ClearBatch:  cleared,
	}); err != nil {
		log.Warn("final progress update after batch failed", "error", err)
	}

	return nil
}

// summarizeChapters reduces every chapter in all that isn't already
// covered in full by lastTwo to a one-line key-events summary, so earlier
// chapters still inform the editor prompt without repeating their prose.
func summarizeChapters(all, lastTwo []*story.Chapter) []string {
	inFull := make(map[int]bool, len(lastTwo))
	for _, ch := range lastTwo {
		inFull[ch.Number] = true
	}
	var out []string
	for _, ch := range all {
		if inFull[ch.Number] {
			continue
		}
		events := strings.Join(ch.KeyEvents, "; ")
		if events == "" {
			events = ch.ClosingHook
		}
		out = append(out, fmt.Sprintf("Chapter %d: %s", ch.Number, events))
	}
	return out
}

func outlinesInRange(arc *story.Arc, start, end int) []story.ChapterOutline {
	var out []story.ChapterOutline
	for _, o := range arc.Outlines {
		if o.Number >= start && o.Number <= end {
			out = append(out, o)
		}
	}
	return out
}

func nextAwaitingStep(lastChapterInBatch int) story.StepTag {
	switch lastChapterInBatch {
	case 6:
		return story.StepAwaitingChapter5
	case 9:
		return story.StepAwaitingChapter8
	case 12:
		return story.StepCompleted
	default:
		return story.StepCompleted
	}
}
