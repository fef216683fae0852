package stage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/storyforge/internal/agent"
	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/jsongate"
	"github.com/dotcommander/storyforge/internal/prosescan"
	"github.com/dotcommander/storyforge/internal/store"
)

// Rubric weights, fixed by contract (spec 4.8).
const (
	weightShowDontTell   = 0.15
	weightDialogue       = 0.20
	weightPacing         = 0.20
	weightAgeAppropriate = 0.15
	weightCharacterCons  = 0.05
	weightProseQuality   = 0.25

	qualityThresholdDefault = 7.5
	maxAttemptsDefault      = 3
	contextWindow           = 3
)

// FeatureFlags gate the Chapter Stage's optional, best-effort
// post-processing collaborators. Each defaults to true per job.
type FeatureFlags struct {
	AdaptivePreferences bool
	CharacterLedger     bool
	EntityValidation    bool
	VoiceReview         bool
}

// PostProcessor is an optional, independently-guarded collaborator run
// after a Chapter is persisted. Failures are logged and never block the
// pipeline.
type PostProcessor func(ctx context.Context, job *story.Job, ch *story.Chapter) error

// Hooks wires the Chapter Stage's optional collaborators. Any field may
// be nil, in which case that step is skipped regardless of flags.
type Hooks struct {
	LearnedPreferences func(ctx context.Context, job *story.Job) (string, bool) // returns block text, applicable
	CharacterLedger    func(ctx context.Context, job *story.Job) (string, bool)
	ExtractLedger      PostProcessor
	ValidateEntities    PostProcessor
	VoiceReview         PostProcessor
}

type chapterPayload struct {
	Chapter story.Chapter `json:"chapter"`
}

func (chapterPayload) RequiredFields() []string { return []string{"chapter"} }

// Chapter runs the Chapter Stage.
type Chapter struct {
	Model            agent.ModelCaller
	Store            store.ProgressStore
	Log              *slog.Logger
	QualityThreshold float64
	MaxAttempts      int
	Hooks            Hooks
}

func (c *Chapter) threshold() float64 {
	if c.QualityThreshold > 0 {
		return c.QualityThreshold
	}
	return qualityThresholdDefault
}

func (c *Chapter) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return maxAttemptsDefault
}

// Run produces chapter n for job, with an optional editor brief overlay.
// Idempotent: if the chapter already exists, it's returned unchanged.
func (c *Chapter) Run(ctx context.Context, job *story.Job, n int, flags FeatureFlags, brief *story.EditorBrief) (*story.Chapter, error) {
	log := c.Log.With("component", "chapter_stage", "job_id", job.ID, "chapter", n)

	if existing, err := c.Store.LoadChapter(ctx, job.ID, n); err == nil {
		log.Debug("chapter already exists, skipping generation")
		return existing, nil
	}

	bible, err := c.Store.LoadBible(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("chapter stage: loading bible: %w", err)
	}
	arc, err := c.Store.LoadLatestArc(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("chapter stage: loading arc: %w", err)
	}
	prevChapters, err := c.Store.LoadPreviousChapters(ctx, job.ID, n, contextWindow)
	if err != nil {
		return nil, fmt.Errorf("chapter stage: loading previous chapters: %w", err)
	}

	outline := outlineFor(arc, n)
	if o, ok := brief.OutlineFor(n); ok {
		outline = overlayOutline(outline, o)
	}

	var learned, ledger string
	if flags.AdaptivePreferences && c.Hooks.LearnedPreferences != nil {
		if block, ok := c.Hooks.LearnedPreferences(ctx, job); ok {
			learned = block
		}
	}
	if flags.CharacterLedger && c.Hooks.CharacterLedger != nil {
		if block, ok := c.Hooks.CharacterLedger(ctx, job); ok {
			ledger = block
		}
	}

	basePrompt := buildChapterPrompt(bible, outline, prevChapters, brief, learned, ledger)

	var (
		review       prosescan.Result
		lastReview   story.QualityReview
		lastContent  string
		history      []agent.Message
		regenCount   int
	)

	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		messages := append([]agent.Message{{Role: "user", Content: basePrompt}}, history...)

		result, err := c.Model.Call(ctx, "chapter_generation", job.ID, job.Title, messages, 8192)
		if err != nil {
			return nil, fmt.Errorf("chapter stage generation: %w", err)
		}

		var payload chapterPayload
		if err := jsongate.Parse("chapter_generation", result.Text, &payload); err != nil {
			return nil, fmt.Errorf("chapter stage parse: %w", err)
		}
		lastContent = payload.Chapter.Content

		review = prosescan.Scan(lastContent)
		if !review.Clean() && attempt < 2 {
			regenCount++
			history = append(history,
				agent.Message{Role: "assistant", Content: lastContent},
				agent.Message{Role: "user", Content: "Revise to remove these prose issues: " + joinKinds(review.PriorityFixes())},
			)
			continue
		}

		rubric, err := c.runRubric(ctx, job, lastContent)
		if err != nil {
			return nil, fmt.Errorf("chapter stage rubric: %w", err)
		}
		if !review.Clean() {
			rubric.PriorityFixes = append(rubric.PriorityFixes, review.PriorityFixes()...)
		}
		lastReview = rubric

		if rubric.WeightedScore >= c.threshold() {
			return c.persist(ctx, job, n, payload.Chapter, lastContent, rubric, regenCount, flags)
		}

		regenCount++
		if attempt == c.maxAttempts()-1 {
			log.Warn("quality threshold not met after max attempts, persisting advisory", "weighted_score", rubric.WeightedScore)
			return c.persist(ctx, job, n, payload.Chapter, lastContent, rubric, regenCount, flags)
		}

		history = append(history,
			agent.Message{Role: "assistant", Content: lastContent},
			agent.Message{Role: "user", Content: "The previous draft scored below threshold. Address: " + joinFixes(rubric)},
		)
	}

	// unreachable given loop structure above, but persist what we have
	// defensively rather than lose the attempt entirely.
	return c.persist(ctx, job, n, story.Chapter{Content: lastContent}, lastContent, lastReview, regenCount, flags)
}

func (c *Chapter) runRubric(ctx context.Context, job *story.Job, content string) (story.QualityReview, error) {
	prompt := fmt.Sprintf(
		"Review this chapter against six criteria, each scored 1..10 with evidence and, if below 7, a fix:\n"+
			"show_dont_tell, dialogue, pacing, age_appropriateness, character_consistency, prose_quality.\n\n%s",
		content,
	)
	result, err := c.Model.Call(ctx, "rubric_review", job.ID, job.Title, []agent.Message{{Role: "user", Content: prompt}}, 2048)
	if err != nil {
		return story.QualityReview{}, err
	}
	var review story.QualityReview
	if err := jsongate.Parse("rubric_review", result.Text, &review); err != nil {
		return story.QualityReview{}, err
	}
	review.WeightedScore = weighted(review)
	return review, nil
}

func weighted(r story.QualityReview) float64 {
	return r.ShowDontTell.Score*weightShowDontTell +
		r.Dialogue.Score*weightDialogue +
		r.Pacing.Score*weightPacing +
		r.AgeAppropriateness.Score*weightAgeAppropriate +
		r.CharacterConsistency.Score*weightCharacterCons +
		r.ProseQuality.Score*weightProseQuality
}

func (c *Chapter) persist(ctx context.Context, job *story.Job, n int, draft story.Chapter, content string, review story.QualityReview, regenCount int, flags FeatureFlags) (*story.Chapter, error) {
	ch := draft
	ch.ID = uuid.NewString()
	ch.JobID = job.ID
	ch.Number = n
	ch.Content = content
	ch.QualityScore = math.Round(review.WeightedScore*10) / 10
	ch.QualityReview = review
	ch.RegenerationCount = regenCount
	ch.CreatedAt = time.Now()

	saved, err := c.Store.InsertChapter(ctx, &ch)
	if err != nil {
		return nil, fmt.Errorf("chapter stage persist: %w", err)
	}

	generated := n
	step := story.GeneratingChapterStep(n + 1)
	if err := c.Store.UpdateProgress(ctx, job.ID, story.ProgressPatch{
		ChaptersGenerated: &generated,
		CurrentStep:       &step,
	}); err != nil {
		c.Log.Warn("progress update after chapter insert failed", "job_id", job.ID, "chapter", n, "error", err)
	}

	c.runPostProcessing(ctx, job, saved, flags)

	return saved, nil
}

func (c *Chapter) runPostProcessing(ctx context.Context, job *story.Job, ch *story.Chapter, flags FeatureFlags) {
	log := c.Log.With("component", "chapter_postprocess", "job_id", job.ID, "chapter", ch.Number)

	if flags.CharacterLedger && c.Hooks.ExtractLedger != nil {
		if err := c.Hooks.ExtractLedger(ctx, job, ch); err != nil {
			log.Warn("character ledger extraction failed", "error", err)
		}
	}
	if flags.EntityValidation && c.Hooks.ValidateEntities != nil {
		if err := c.Hooks.ValidateEntities(ctx, job, ch); err != nil {
			log.Warn("entity validation failed", "error", err)
		}
	}
	if flags.VoiceReview && c.Hooks.VoiceReview != nil {
		if err := c.Hooks.VoiceReview(ctx, job, ch); err != nil {
			log.Warn("voice review failed", "error", err)
		}
	}
}

func outlineFor(arc *story.Arc, n int) story.ChapterOutline {
	for _, o := range arc.Outlines {
		if o.Number == n {
			return o
		}
	}
	return story.ChapterOutline{Number: n}
}

func overlayOutline(base, revised story.ChapterOutline) story.ChapterOutline {
	out := base
	if revised.Title != "" {
		out.Title = revised.Title
	}
	if revised.EventsSummary != "" {
		out.EventsSummary = revised.EventsSummary
	}
	if len(revised.CharacterFocus) > 0 {
		out.CharacterFocus = revised.CharacterFocus
	}
	if revised.TensionLevel != 0 {
		out.TensionLevel = revised.TensionLevel
	}
	if revised.ChapterHook != "" {
		out.ChapterHook = revised.ChapterHook
	}
	if len(revised.EditorNotes) > 0 {
		out.EditorNotes = revised.EditorNotes
	}
	return out
}

func buildChapterPrompt(bible *story.Bible, outline story.ChapterOutline, prev []*story.Chapter, brief *story.EditorBrief, learned, ledger string) string {
	prompt := fmt.Sprintf(
		"Protagonist: %s\nCentral conflict: %s\n\nOutline for this chapter:\nTitle: %s\nEvents: %s\nHook: %s\n\n",
		bible.Protagonist.Name, bible.CentralConflict, outline.Title, outline.EventsSummary, outline.ChapterHook,
	)
	if len(prev) > 0 {
		prompt += "Continuity from previous chapters:\n"
		for _, p := range prev {
			prompt += fmt.Sprintf("- Ch.%d closing hook: %s\n", p.Number, p.ClosingHook)
		}
	}
	if brief != nil && len(outline.EditorNotes) > 0 {
		prompt += fmt.Sprintf("\nEditor notes: %v\n", outline.EditorNotes)
	}
	if learned != "" {
		prompt += "\nLearned reader preferences:\n" + learned + "\n"
	}
	if ledger != "" {
		prompt += "\nCharacter continuity ledger:\n" + ledger + "\n"
	}
	prompt += "\nRespond as JSON with a single top-level \"chapter\" object containing content, title, key_events, opening_hook, closing_hook."
	return prompt
}

func joinKinds(kinds []string) string {
	out := ""
	for i, k := range kinds {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}

func joinFixes(r story.QualityReview) string {
	out := ""
	for i, f := range r.PriorityFixes {
		if i > 0 {
			out += "; "
		}
		out += f
	}
	return out
}
