package logbuffer

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapMirrorsJobIDAttrs(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	logger := slog.New(b.Wrap(slog.NewTextHandler(io.Discard, nil)))
	logger.With("component", "bible_stage", "job_id", "job-4").Info("bible generated")

	lines := b.Flush("job-4")
	if len(lines) != 1 {
		t.Fatalf("expected 1 mirrored line, got %d", len(lines))
	}
	line := lines[0]
	for _, want := range []string{"INFO", "bible generated", "component=bible_stage"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWrapIgnoresRecordsWithoutJobID(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	logger := slog.New(b.Wrap(slog.NewTextHandler(io.Discard, nil)))
	logger.With("component", "health_sweeper").Info("sweep tick")

	if lines := b.Flush("job-4"); lines != nil {
		t.Errorf("expected no buffered lines, got %v", lines)
	}
}
