// Package stage implements the Bible, Arc, and Chapter stages: the three
// generation steps the Pipeline Orchestrator and Checkpoint Handler
// compose. Each stage is idempotent by pre-existence check and leaves
// Progress in a well-defined state on both success and failure.
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
)

// Preferences is the reader input the Bible Stage seeds generation with.
type Preferences struct {
	Genres         []string
	Themes         []string
	AgeLevel       string
	BelovedTitles  []string
	ExplicitAsk    string
}

// Bible runs the Bible Stage: consumes a premise and reader preferences,
// produces and persists a Bible document.
type Bible struct {
	Model agent.ModelCaller
	Store store.ProgressStore
	Log   *slog.Logger
}

// Run is idempotent: if a Bible already exists for job, it is returned
// unchanged and no model call is made.
func (b *Bible) Run(ctx context.Context, job *story.Job, premise string, prefs Preferences) (*story.Bible, error) {
	log := b.Log.With("component", "bible_stage", "job_id", job.ID)

	if existing, err := b.Store.LoadBible(ctx, job.ID); err == nil {
		log.Debug("bible already exists, skipping generation")
		return existing, nil
	}

	prompt := buildBiblePrompt(premise, prefs)
	result, err := b.Model.Call(ctx, "bible_generation", job.ID, job.Title, []agent.Message{
		{Role: "user", Content: prompt},
	}, 4096)
	if err != nil {
		return nil, fmt.Errorf("bible stage generation: %w", err)
	}

	var bible story.Bible
	if err := jsongate.Parse("bible_generation", result.Text, &bible); err != nil {
		return nil, fmt.Errorf("bible stage parse: %w", err)
	}
	bible.JobID = job.ID
	bible.ID = uuid.NewString()
	bible.CreatedAt = time.Now()

	saved, err := b.Store.InsertBible(ctx, &bible)
	if err != nil {
		return nil, fmt.Errorf("bible stage persist: %w", err)
	}

	bibleComplete := true
	step := story.StepBibleCreated
	if err := b.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		BibleComplete: &bibleComplete,
		CurrentStep:   &step,
	}); err != nil {
		log.Warn("progress update after bible insert failed", "error", err)
	}

	return saved, nil
}

func buildBiblePrompt(premise string, prefs Preferences) string {
	return fmt.Sprintf(
		"Premise: %s\nGenres: %v\nThemes: %v\nAge level: %s\nBeloved titles: %v\nExplicit request: %s\n\n"+
			"Produce a story bible as JSON with world_rules, protagonist, antagonist, "+
			"supporting_characters, central_conflict, stakes, themes, key_locations, timeline.",
		premise, prefs.Genres, prefs.Themes, prefs.AgeLevel, prefs.BelovedTitles, prefs.ExplicitAsk,
	)
}
