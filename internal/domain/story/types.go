// Package story defines the persistent entities the orchestrator drives:
// Job, Progress, Bible, Arc, ChapterOutline, Chapter, CheckpointFeedback,
// EditorBrief, and CostRecord. Each is a closed struct with an Extras bag
// for forward-compatible fields the model may emit that the orchestrator
// doesn't yet model explicitly.
package story

import (
	"strconv"
	"time"
)

// JobStatus is the top-level lifecycle state of a Job.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusError     JobStatus = "error"
	JobStatusCompleted JobStatus = "completed"
)

// StepTag enumerates the values Progress.CurrentStep can hold. Kept as a
// plain string type (not a closed enum) because the Health Sweeper must
// recognize and rewrite legacy values it doesn't otherwise understand.
type StepTag string

const (
	StepGeneratingBible         StepTag = "generating_bible"
	StepBibleCreated            StepTag = "bible_created"
	StepGeneratingArc           StepTag = "generating_arc"
	StepArcCreated              StepTag = "arc_created"
	StepAwaitingChapter2        StepTag = "awaiting_chapter_2_feedback"
	StepAwaitingChapter5        StepTag = "awaiting_chapter_5_feedback"
	StepAwaitingChapter8        StepTag = "awaiting_chapter_8_feedback"
	StepCompleted               StepTag = "completed"
	StepBibleGenerationFailed   StepTag = "bible_generation_failed"
	StepGenerationFailed        StepTag = "generation_failed"
	StepPermanentlyFailed       StepTag = "permanently_failed"
)

// GeneratingChapterStep formats the transitional "generating_chapter_N" tag.
func GeneratingChapterStep(n int) StepTag {
	return StepTag("generating_chapter_" + strconv.Itoa(n))
}

// Job is the unit of orchestration: one book-sized generation run.
type Job struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	Title      string    `json:"title"`
	Status     JobStatus `json:"status"`
	Genre      string    `json:"genre"`
	PremiseRef string    `json:"premise_ref"`
	BibleRef  string    `json:"bible_ref,omitempty"`
	CoverRef  string    `json:"cover_ref,omitempty"`
	Progress  Progress  `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Progress is the structured resume/health state attached to a Job.
type Progress struct {
	BibleComplete      bool       `json:"bible_complete"`
	ArcComplete        bool       `json:"arc_complete"`
	ChaptersGenerated  int        `json:"chapters_generated"`
	CurrentStep        StepTag    `json:"current_step"`
	LastUpdated        time.Time  `json:"last_updated"`
	LastError          string     `json:"last_error,omitempty"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	RetryCount         int        `json:"retry_count"`
	HealthCheckRetries int        `json:"health_check_retries"`
	RecoveryStarted    *time.Time `json:"recovery_started,omitempty"`
	BatchStart         int        `json:"batch_start,omitempty"`
	BatchEnd           int        `json:"batch_end,omitempty"`
	ErrorLogs          []string   `json:"error_logs,omitempty"`
}

// ProgressPatch carries a partial update for UpdateProgress; nil fields are
// left untouched. Pointer-to-pointer for fields whose zero value ("") is a
// meaningful clear (e.g. LastError), vs fields that are simply absent.
type ProgressPatch struct {
	BibleComplete      *bool
	ArcComplete        *bool
	ChaptersGenerated  *int
	CurrentStep        *StepTag
	LastError          *string
	LastErrorAt        *time.Time
	RetryCount         *int
	HealthCheckRetries *int
	RecoveryStarted    **time.Time
	BatchStart         *int
	BatchEnd           *int
	ErrorLogs          *[]string
	ClearLastError     bool
	ClearRecoveryLock  bool
	ClearBatch         bool
	Status             *JobStatus
}

// Bible is the world/character/conflict document produced once per Job.
type Bible struct {
	ID            string              `json:"id"`
	JobID         string              `json:"job_id"`
	WorldRules    []string            `json:"world_rules" validate:"required"`
	Protagonist   Protagonist         `json:"protagonist"`
	Antagonist    Antagonist          `json:"antagonist"`
	Supporting    []SupportingCharacter `json:"supporting_characters" validate:"required"`
	CentralConflict string            `json:"central_conflict" validate:"required"`
	Stakes        string              `json:"stakes" validate:"required"`
	Themes        []string            `json:"themes" validate:"required"`
	KeyLocations  []string            `json:"key_locations" validate:"required"`
	Timeline      string              `json:"timeline" validate:"required"`
	CreatedAt     time.Time           `json:"created_at"`
	Extras        map[string]any      `json:"extras,omitempty"`
}

// RequiredFields lists the top-level keys the JSON Gate must assert are
// present before a Bible document is accepted (spec 4.6).
func (Bible) RequiredFields() []string {
	return []string{
		"world_rules", "protagonist", "antagonist", "supporting_characters",
		"central_conflict", "stakes", "themes", "key_locations", "timeline",
	}
}

type Protagonist struct {
	Name               string `json:"name" validate:"required"`
	Psychology         string `json:"psychology"`
	InternalContradiction string `json:"internal_contradiction"`
	FalseBelief        string `json:"false_belief"`
	VoiceNotes         string `json:"voice_notes"`
}

type Antagonist struct {
	Name              string `json:"name" validate:"required"`
	Motivation        string `json:"motivation"`
	SympatheticElement string `json:"sympathetic_element"`
}

type SupportingCharacter struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Arc is the twelve-chapter outline derived from the Bible.
type Arc struct {
	ID                     string           `json:"id"`
	JobID                  string           `json:"job_id"`
	Number                 int              `json:"number"` // always 1; idempotence key
	Outlines               []ChapterOutline `json:"outlines" validate:"required,min=1"`
	PacingNotes            string           `json:"pacing_notes" validate:"required"`
	SubplotThreads         []string         `json:"subplot_threads" validate:"required"`
	CharacterGrowthMilestones []string      `json:"character_growth_milestones"`
	CreatedAt              time.Time        `json:"created_at"`
	Extras                 map[string]any   `json:"extras,omitempty"`
}

func (Arc) RequiredFields() []string {
	return []string{"outlines", "pacing_notes", "subplot_threads"}
}

// ChapterOutline describes the planned shape of one chapter before prose.
type ChapterOutline struct {
	Number          int      `json:"number"`
	Title           string   `json:"title"`
	EventsSummary   string   `json:"events_summary"`
	CharacterFocus  []string `json:"character_focus"`
	TensionLevel    int      `json:"tension_level"`
	EmotionalArcStart string `json:"emotional_arc_start"`
	EmotionalArcEnd string   `json:"emotional_arc_end"`
	KeyDialogueMoment string `json:"key_dialogue_moment"`
	ChapterHook     string   `json:"chapter_hook"`
	KeyRevelations  []string `json:"key_revelations"`
	WordCountTarget int      `json:"word_count_target"`
	EditorNotes     []string `json:"editor_notes,omitempty"`
}

// QualityReview is the rubric breakdown produced by the Chapter Stage's
// rubric pass (spec 4.8).
type QualityReview struct {
	ShowDontTell         CriterionScore `json:"show_dont_tell" validate:"required"`
	Dialogue             CriterionScore `json:"dialogue" validate:"required"`
	Pacing               CriterionScore `json:"pacing" validate:"required"`
	AgeAppropriateness   CriterionScore `json:"age_appropriateness" validate:"required"`
	CharacterConsistency CriterionScore `json:"character_consistency" validate:"required"`
	ProseQuality         CriterionScore `json:"prose_quality" validate:"required"`
	WeightedScore        float64        `json:"weighted_score"`
	PriorityFixes        []string       `json:"priority_fixes,omitempty"`
}

type CriterionScore struct {
	Score    float64 `json:"score" validate:"required,min=1,max=10"`
	Evidence string  `json:"evidence,omitempty"`
	Fix      string  `json:"fix,omitempty"`
}

// Chapter is the produced artifact for one chapter number of a Job.
type Chapter struct {
	ID                string         `json:"id"`
	JobID             string         `json:"job_id"`
	Number            int            `json:"number"`
	Title             string         `json:"title" validate:"required"`
	Content           string         `json:"content" validate:"required"`
	WordCount         int            `json:"word_count"`
	QualityScore      float64        `json:"quality_score"` // 0..10
	QualityReview     QualityReview  `json:"quality_review" validate:"-"`
	RegenerationCount int            `json:"regeneration_count"`
	KeyEvents         []string       `json:"key_events"`
	OpeningHook       string         `json:"opening_hook"`
	ClosingHook       string         `json:"closing_hook"`
	CreatedAt         time.Time      `json:"created_at"`
	Extras            map[string]any `json:"extras,omitempty"`
}

// Pacing/tone/character enums for CheckpointFeedback.
type Pacing string
type Tone string
type CharacterFeel string

const (
	PacingHooked Pacing = "hooked"
	PacingSlow   Pacing = "slow"
	PacingFast   Pacing = "fast"

	ToneRight   Tone = "right"
	ToneSerious Tone = "serious"
	ToneLight   Tone = "light"

	CharacterLove        CharacterFeel = "love"
	CharacterWarming     CharacterFeel = "warming"
	CharacterNotClicking CharacterFeel = "not_clicking"
)

// Checkpoint identifies the three reader-feedback gates.
type Checkpoint string

const (
	CheckpointChapter2 Checkpoint = "chapter_2"
	CheckpointChapter5 Checkpoint = "chapter_5"
	CheckpointChapter8 Checkpoint = "chapter_8"
)

// BatchFor maps a checkpoint to the chapter range it unlocks.
func (c Checkpoint) BatchFor() (start, end int, ok bool) {
	switch c {
	case CheckpointChapter2:
		return 4, 6, true
	case CheckpointChapter5:
		return 7, 9, true
	case CheckpointChapter8:
		return 10, 12, true
	}
	return 0, 0, false
}

// CheckpointFeedback is reader input captured at a checkpoint, either as
// structured dimensions or a free-form interview transcript reduced to the
// same dimensions.
type CheckpointFeedback struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	Checkpoint Checkpoint    `json:"checkpoint"`
	Pacing     Pacing        `json:"pacing"`
	Tone       Tone          `json:"tone"`
	Character  CharacterFeel `json:"character"`
	Transcript string        `json:"transcript,omitempty"`
	ReaderQuotes []string    `json:"reader_quotes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// IsNeutral reports whether every dimension is at its neutral value, in
// which case the Editor Brief is skipped entirely (spec 4.9).
func (f CheckpointFeedback) IsNeutral() bool {
	return f.Pacing == PacingHooked && f.Tone == ToneRight && f.Character == CharacterLove
}

// EditorBrief is the per-chapter annotated outline plus a style-target
// passage produced from checkpoint feedback.
type EditorBrief struct {
	RevisedOutlines map[int]ChapterOutline `json:"revised_outlines"`
	StyleExample    string                 `json:"style_example"`
}

// OutlineFor returns the revised outline for chapter n, if the brief
// contains one.
func (b *EditorBrief) OutlineFor(n int) (ChapterOutline, bool) {
	if b == nil {
		return ChapterOutline{}, false
	}
	o, ok := b.RevisedOutlines[n]
	return o, ok
}

// CostRecord tracks one billable model call against a Job.
type CostRecord struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Operation    string    `json:"operation"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}
