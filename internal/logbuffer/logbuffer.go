// Package logbuffer keeps a process-local, per-Job ring buffer of the
// most recent log lines so a Job's error_logs can be flattened on
// terminal failure without round-tripping through the store on every
// line. A background purge drops buffers that have gone quiet.
package logbuffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	maxLines   = 75
	maxIdle    = 30 * time.Minute
)

type entry struct {
	lines        []string
	lastActivity time.Time
}

// Buffer is a process-wide, job-keyed ring buffer. Scope its lifetime to
// an explicit owner: construct one per orchestrator process and call
// Stop on shutdown rather than relying on package-level state.
type Buffer struct {
	mu      sync.Mutex
	byJob   map[string]*entry
	cron    *cron.Cron
	writeFn func(string)
}

// New constructs a Buffer whose purge timer runs via robfig/cron on a
// 5-minute tick, scanning for buffers idle past maxIdle. writeFn receives
// every line in addition to it being stored (used to also echo to
// stdout); pass nil to skip the mirror.
func New(writeFn func(string)) *Buffer {
	b := &Buffer{
		byJob:   make(map[string]*entry),
		cron:    cron.New(),
		writeFn: writeFn,
	}
	_, _ = b.cron.AddFunc("@every 5m", b.purgeIdle)
	b.cron.Start()
	return b
}

// Stop halts the purge timer. Its cron.Stop returns a context that is
// already done once in-flight jobs finish, so shutdown never blocks on a
// stray tick.
func (b *Buffer) Stop() {
	<-b.cron.Stop().Done()
}

// Logf appends a formatted, timestamped line to jobID's buffer.
func (b *Buffer) Logf(jobID, format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	b.appendLine(jobID, line)

	if b.writeFn != nil {
		b.writeFn(line)
	}
}

// appendLine is the shared ring-buffer write used by both Logf and the
// Wrap() slog.Handler middleware.
func (b *Buffer) appendLine(jobID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byJob[jobID]
	if !ok {
		e = &entry{}
		b.byJob[jobID] = e
	}
	e.lines = append(e.lines, line)
	if len(e.lines) > maxLines {
		e.lines = e.lines[len(e.lines)-maxLines:]
	}
	e.lastActivity = time.Now()
}

// Flush returns the buffered lines for jobID and frees the buffer; used
// on terminal failure to populate Progress.error_logs.
func (b *Buffer) Flush(jobID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byJob[jobID]
	if !ok {
		return nil
	}
	delete(b.byJob, jobID)
	return e.lines
}

// Free discards jobID's buffer without returning its contents, used on
// successful Job completion.
func (b *Buffer) Free(jobID string) {
	b.mu.Lock()
	delete(b.byJob, jobID)
	b.mu.Unlock()
}

func (b *Buffer) purgeIdle() {
	cutoff := time.Now().Add(-maxIdle)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.byJob {
		if e.lastActivity.Before(cutoff) {
			delete(b.byJob, id)
		}
	}
}
