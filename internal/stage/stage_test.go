package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/dotcommander/storyforge/internal/agent"
	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/store/memory"
)

type scriptedModel struct {
	responses []string
	calls     int
}

func (m *scriptedModel) Call(ctx context.Context, operation, jobID, jobTitle string, messages []agent.Message, maxOutputTokens int) (agent.CallResult, error) {
	if m.calls >= len(m.responses) {
		return agent.CallResult{}, fmt.Errorf("scriptedModel: no more responses")
	}
	text := m.responses[m.calls]
	m.calls++
	return agent.CallResult{Text: text, InputTokens: 10, OutputTokens: 10}, nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestJob(t *testing.T, st *memory.Store) *story.Job {
	t.Helper()
	j, err := st.CreateJob(context.Background(), "owner-1", "premise-1", "Test Book", "fantasy")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

const bibleJSON = `{
  "world_rules": ["magic is rare"],
  "protagonist": {"name": "Mira", "psychology": "curious", "internal_contradiction": "x", "false_belief": "y", "voice_notes": "z"},
  "antagonist": {"name": "Korr", "motivation": "power", "sympathetic_element": "loss"},
  "supporting_characters": [{"name": "Tam", "role": "friend"}],
  "central_conflict": "Mira must stop Korr",
  "stakes": "the kingdom falls",
  "themes": ["courage"],
  "key_locations": ["the spire"],
  "timeline": "one season"
}`

func TestBibleStageHappyPath(t *testing.T) {
	st := memory.New()
	job := newTestJob(t, st)
	model := &scriptedModel{responses: []string{bibleJSON}}

	b := &Bible{Model: model, Store: st, Log: discardLog()}
	bible, err := b.Run(context.Background(), job, "a girl finds a sword", Preferences{Genres: []string{"fantasy"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bible.Protagonist.Name != "Mira" {
		t.Errorf("got protagonist %q", bible.Protagonist.Name)
	}

	reloaded, err := b.Run(context.Background(), job, "unused", Preferences{})
	if err != nil {
		t.Fatalf("unexpected error on idempotent rerun: %v", err)
	}
	if reloaded.ID != bible.ID {
		t.Errorf("expected same bible on rerun, got different id")
	}
	if model.calls != 1 {
		t.Errorf("expected model called once, got %d", model.calls)
	}
}

func outlinesJSON() string {
	outlines := ""
	for i := 1; i <= 12; i++ {
		if i > 1 {
			outlines += ","
		}
		outlines += fmt.Sprintf(`{"number":%d,"title":"Ch %d","events_summary":"stuff happens","tension_level":5,"word_count_target":2000}`, i, i)
	}
	return fmt.Sprintf(`{"outlines":[%s],"pacing_notes":"steady build","subplot_threads":["romance"],"character_growth_milestones":["grows brave"]}`, outlines)
}

func TestArcStageHappyPath(t *testing.T) {
	st := memory.New()
	job := newTestJob(t, st)
	bible, _ := st.InsertBible(context.Background(), &story.Bible{JobID: job.ID, CentralConflict: "x", Stakes: "y"})

	model := &scriptedModel{responses: []string{outlinesJSON()}}
	a := &Arc{Model: model, Store: st, Log: discardLog()}
	arc, err := a.Run(context.Background(), job, bible, "middle-grade")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(arc.Outlines) != 12 {
		t.Fatalf("expected 12 outlines, got %d", len(arc.Outlines))
	}

	_, err = a.Run(context.Background(), job, bible, "middle-grade")
	if err != nil {
		t.Fatalf("unexpected error on idempotent rerun: %v", err)
	}
	if model.calls != 1 {
		t.Errorf("expected model called once, got %d", model.calls)
	}
}

func chapterJSON(content string) string {
	return fmt.Sprintf(`{"chapter":{"title":"A Start","content":%q,"key_events":["met a stranger"],"opening_hook":"cold morning","closing_hook":"a door creaks open"}}`, content)
}

const rubricPassJSON = `{
  "show_dont_tell": {"score": 8, "evidence": "e"},
  "dialogue": {"score": 8, "evidence": "e"},
  "pacing": {"score": 8, "evidence": "e"},
  "age_appropriateness": {"score": 9, "evidence": "e"},
  "character_consistency": {"score": 8, "evidence": "e"},
  "prose_quality": {"score": 8, "evidence": "e"}
}`

func TestChapterStageHappyPathChapterThree(t *testing.T) {
	st := memory.New()
	job := newTestJob(t, st)
	bible, _ := st.InsertBible(context.Background(), &story.Bible{JobID: job.ID, Protagonist: story.Protagonist{Name: "Mira"}})
	arcJSON := outlinesJSON()
	var arc story.Arc
	_ = json.Unmarshal([]byte(arcJSON), &arc)
	arc.JobID = job.ID
	arc.Number = 1
	_, _ = st.InsertArc(context.Background(), &arc)

	_, _ = st.InsertChapter(context.Background(), &story.Chapter{JobID: job.ID, Number: 1, Content: "chapter one text"})
	_, _ = st.InsertChapter(context.Background(), &story.Chapter{JobID: job.ID, Number: 2, Content: "chapter two text"})

	cleanContent := "A perfectly ordinary paragraph with no banned constructions in it at all, describing quiet morning light."
	model := &scriptedModel{responses: []string{chapterJSON(cleanContent), rubricPassJSON}}

	c := &Chapter{Model: model, Store: st, Log: discardLog()}
	ch, err := c.Run(context.Background(), job, 3, FeatureFlags{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Number != 3 {
		t.Errorf("got chapter number %d", ch.Number)
	}
	if ch.RegenerationCount != 0 {
		t.Errorf("expected 0 regenerations, got %d", ch.RegenerationCount)
	}
	gotJob, _ := st.LoadJob(context.Background(), job.ID)
	if gotJob.Progress.ChaptersGenerated != 3 {
		t.Errorf("expected chapters_generated=3, got %d", gotJob.Progress.ChaptersGenerated)
	}
	if bible == nil {
		t.Fatal("bible should not be nil")
	}
}

func TestChapterStageRegeneratesOnProseViolation(t *testing.T) {
	st := memory.New()
	job := newTestJob(t, st)
	_, _ = st.InsertBible(context.Background(), &story.Bible{JobID: job.ID, Protagonist: story.Protagonist{Name: "Mira"}})
	var arc story.Arc
	_ = json.Unmarshal([]byte(outlinesJSON()), &arc)
	arc.JobID = job.ID
	arc.Number = 1
	_, _ = st.InsertArc(context.Background(), &arc)

	dirtyContent := "It was not fear, but the kind of dread that lingers. It was the kind of morning that felt wrong, the kind of wrong only she could sense."
	cleanContent := "A perfectly ordinary paragraph with no banned constructions in it at all, describing quiet morning light."
	model := &scriptedModel{responses: []string{
		chapterJSON(dirtyContent),
		chapterJSON(cleanContent),
		rubricPassJSON,
	}}

	c := &Chapter{Model: model, Store: st, Log: discardLog()}
	ch, err := c.Run(context.Background(), job, 1, FeatureFlags{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Content != cleanContent {
		t.Errorf("expected persisted content to be the regenerated draft, got %q", ch.Content)
	}
	if ch.RegenerationCount != 1 {
		t.Errorf("expected 1 regeneration for the prose violation, got %d", ch.RegenerationCount)
	}
	if model.calls != 3 {
		t.Errorf("expected 3 model calls (dirty draft, clean draft, rubric), got %d", model.calls)
	}
}
