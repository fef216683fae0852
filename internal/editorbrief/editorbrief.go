// Package editorbrief builds the courses-correction prompt sent after
// reader feedback and parses the model's XML-ish response. XML rather
// than JSON is requested deliberately: long free-form prose samples
// break JSON string quoting in the wild, and a permissive element regex
// is sufficient here — a strict parser would be solving a problem this
// component doesn't have.
package editorbrief

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dotcommander/storyforge/internal/agent"
	"github.com/dotcommander/storyforge/internal/domain/story"
)

var (
	revisedOutlineRe = regexp.MustCompile(`(?s)<revised_outline\s+chapter="(\d+)"\s*>(.*?)</revised_outline>`)
	titleRe          = regexp.MustCompile(`(?s)<title>(.*?)</title>`)
	eventsRe         = regexp.MustCompile(`(?s)<events_summary>(.*?)</events_summary>`)
	hookRe           = regexp.MustCompile(`(?s)<chapter_hook>(.*?)</chapter_hook>`)
	notesRe          = regexp.MustCompile(`(?s)<editor_notes>(.*?)</editor_notes>`)
	noteItemRe       = regexp.MustCompile(`(?s)<note>(.*?)</note>`)
	styleExampleRe   = regexp.MustCompile(`(?s)<style_example>(.*?)</style_example>`)
)

// Builder constructs the editor prompt and parses the response.
type Builder struct {
	Model agent.ModelCaller
}

const excerptLimit = 600

// Build implements the Editor Brief contract: returns nil if all
// feedback dimensions are neutral, or if the response parses to zero
// outlines (the caller falls back to the unrevised outlines).
func (b *Builder) Build(ctx context.Context, job *story.Job, history []*story.CheckpointFeedback, lastTwoChapters []*story.Chapter, summaries []string, nextOutlines []story.ChapterOutline) (*story.EditorBrief, error) {
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]
	if latest.IsNeutral() {
		return nil, nil
	}

	prompt := buildPrompt(job, latest, lastTwoChapters, summaries, nextOutlines)
	result, err := b.Model.Call(ctx, "editor_brief", job.ID, job.Title, []agent.Message{{Role: "user", Content: prompt}}, 4096)
	if err != nil {
		return nil, fmt.Errorf("editor brief generation: %w", err)
	}

	brief := Parse(result.Text)
	if brief == nil {
		return nil, nil
	}
	return brief, nil
}

// Parse extracts revised outlines and a style example from raw XML-ish
// text using element-boundary regexes. Returns nil if zero outlines
// were found.
func Parse(raw string) *story.EditorBrief {
	matches := revisedOutlineRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}

	outlines := make(map[int]story.ChapterOutline, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		body := m[2]
		o := story.ChapterOutline{Number: n}
		if t := firstMatch(titleRe, body); t != "" {
			o.Title = t
		}
		if e := firstMatch(eventsRe, body); e != "" {
			o.EventsSummary = e
		}
		if h := firstMatch(hookRe, body); h != "" {
			o.ChapterHook = h
		}
		if nb := firstMatch(notesRe, body); nb != "" {
			for _, nm := range noteItemRe.FindAllStringSubmatch(nb, -1) {
				o.EditorNotes = append(o.EditorNotes, strings.TrimSpace(nm[1]))
			}
			if len(o.EditorNotes) == 0 {
				o.EditorNotes = []string{strings.TrimSpace(nb)}
			}
		}
		outlines[n] = o
	}

	if len(outlines) == 0 {
		return nil
	}

	return &story.EditorBrief{
		RevisedOutlines: outlines,
		StyleExample:    strings.TrimSpace(firstMatch(styleExampleRe, raw)),
	}
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func buildPrompt(job *story.Job, feedback *story.CheckpointFeedback, lastTwo []*story.Chapter, summaries []string, next []story.ChapterOutline) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Story: %s\n\n", job.Title)
	fmt.Fprintf(&sb, "Reader feedback — pacing: %s, tone: %s, character: %s\n", feedback.Pacing, feedback.Tone, feedback.Character)
	fmt.Fprintf(&sb, "%s\n\n", adjustmentLanguage(feedback))

	for _, ch := range lastTwo {
		excerpt := ch.Content
		if len(excerpt) > excerptLimit {
			excerpt = excerpt[:excerptLimit]
		}
		fmt.Fprintf(&sb, "Chapter %d opening excerpt:\n%s\n\n", ch.Number, excerpt)
	}
	if len(summaries) > 0 {
		sb.WriteString("Prior chapter summaries:\n")
		for _, s := range summaries {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Upcoming chapters to annotate:\n")
	for _, o := range next {
		fmt.Fprintf(&sb, "Chapter %d: %s — %s\n", o.Number, o.Title, o.EventsSummary)
	}

	sb.WriteString("\nRespond in XML with one <revised_outline chapter=\"N\"> per chapter " +
		"(title, events_summary, chapter_hook, editor_notes with 2-3 <note> beats) and one " +
		"<style_example> passage of 80-120 words using the actual character names.")
	return sb.String()
}

func adjustmentLanguage(f *story.CheckpointFeedback) string {
	var adjustments []string
	switch f.Pacing {
	case story.PacingSlow:
		adjustments = append(adjustments, "tighten pacing, cut lingering description")
	case story.PacingFast:
		adjustments = append(adjustments, "slow down, give key beats room to land")
	}
	switch f.Tone {
	case story.ToneSerious:
		adjustments = append(adjustments, "lean into gravity, reduce levity")
	case story.ToneLight:
		adjustments = append(adjustments, "bring back warmth and humor")
	}
	switch f.Character {
	case story.CharacterWarming:
		adjustments = append(adjustments, "deepen character interiority, reward growing attachment")
	case story.CharacterNotClicking:
		adjustments = append(adjustments, "sharpen the protagonist's voice and motivation")
	}
	if len(adjustments) == 0 {
		return "No specific adjustments requested."
	}
	return "Requested adjustments: " + strings.Join(adjustments, "; ")
}
