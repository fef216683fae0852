package logbuffer

import "testing"

func TestLogfAndFlush(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	b.Logf("job-1", "hello %d", 1)
	b.Logf("job-1", "world")

	lines := b.Flush("job-1")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	if again := b.Flush("job-1"); again != nil {
		t.Errorf("expected nil after flush, got %v", again)
	}
}

func TestRingBufferCaps(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	for i := 0; i < maxLines+10; i++ {
		b.Logf("job-2", "line %d", i)
	}
	lines := b.Flush("job-2")
	if len(lines) != maxLines {
		t.Fatalf("expected %d lines, got %d", maxLines, len(lines))
	}
}

func TestFree(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	b.Logf("job-3", "x")
	b.Free("job-3")
	if lines := b.Flush("job-3"); lines != nil {
		t.Errorf("expected nil after free, got %v", lines)
	}
}
