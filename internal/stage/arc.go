package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/storyforge/internal/agent"
	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/jsongate"
	"github.com/dotcommander/storyforge/internal/store"
	"github.com/dotcommander/storyforge/internal/storyerr"
)

// Arc runs the Arc Stage: produces the twelve-chapter outline from the
// Bible.
type Arc struct {
	Model agent.ModelCaller
	Store store.ProgressStore
	Log   *slog.Logger
}

// Run is idempotent by (job, arc number = 1): if an Arc already exists,
// it is returned unchanged and progress is advanced without a model call.
func (a *Arc) Run(ctx context.Context, job *story.Job, bible *story.Bible, ageLevel string) (*story.Arc, error) {
	log := a.Log.With("component", "arc_stage", "job_id", job.ID)

	if existing, err := a.Store.LoadLatestArc(ctx, job.ID); err == nil {
		log.Debug("arc already exists, skipping generation")
		arcComplete := true
		step := story.StepArcCreated
		_ = a.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{ArcComplete: &arcComplete, CurrentStep: &step})
		return existing, nil
	}

	prompt := buildArcPrompt(bible, ageLevel)
	result, err := a.Model.Call(ctx, "arc_generation", job.ID, job.Title, []agent.Message{
		{Role: "user", Content: prompt},
	}, 4096)
	if err != nil {
		return nil, fmt.Errorf("arc stage generation: %w", err)
	}

	var arc story.Arc
	if err := jsongate.Parse("arc_generation", result.Text, &arc); err != nil {
		return nil, fmt.Errorf("arc stage parse: %w", err)
	}
	if len(arc.Outlines) != 12 {
		return nil, storyerr.BadShape("arc_generation", fmt.Errorf("expected exactly 12 chapter outlines, got %d", len(arc.Outlines)))
	}
	for i, o := range arc.Outlines {
		if o.Number != i+1 {
			return nil, storyerr.BadShape("arc_generation", fmt.Errorf("chapter outlines out of order at index %d: got number %d", i, o.Number))
		}
	}

	arc.JobID = job.ID
	arc.Number = 1
	arc.ID = uuid.NewString()
	arc.CreatedAt = time.Now()

	saved, err := a.Store.InsertArc(ctx, &arc)
	if err != nil {
		return nil, fmt.Errorf("arc stage persist: %w", err)
	}

	arcComplete := true
	step := story.StepArcCreated
	if err := a.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		ArcComplete: &arcComplete,
		CurrentStep: &step,
	}); err != nil {
		log.Warn("progress update after arc insert failed", "error", err)
	}

	return saved, nil
}

func buildArcPrompt(bible *story.Bible, ageLevel string) string {
	return fmt.Sprintf(
		"Bible central conflict: %s\nStakes: %s\nThemes: %v\nAge level: %s\n\n"+
			"Produce a twelve-chapter outline as JSON with outlines (exactly 12, numbered 1..12 in order), "+
			"pacing_notes, subplot_threads, character_growth_milestones.",
		bible.CentralConflict, bible.Stakes, bible.Themes, ageLevel,
	)
}
