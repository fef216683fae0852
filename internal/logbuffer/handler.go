package logbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Wrap returns an slog.Handler that mirrors every record carrying a
// job_id attribute into that job's buffer, then passes the record on to
// next unchanged. Install it on the default logger so every orchestrator
// log line — stage, pipeline, sweeper, not just retry.Run's own lines —
// lands in Progress.error_logs on terminal failure.
func (b *Buffer) Wrap(next slog.Handler) slog.Handler {
	return &handler{next: next, buf: b}
}

type handler struct {
	next  slog.Handler
	buf   *Buffer
	attrs []slog.Attr
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if jobID, line := h.render(r); jobID != "" {
		h.buf.appendLine(jobID, line)
	}
	return h.next.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{
		next:  h.next.WithAttrs(attrs),
		buf:   h.buf,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{next: h.next.WithGroup(name), buf: h.buf, attrs: h.attrs}
}

// render finds the job_id carried by either a With()-chained attr or one
// attached directly to the record, and formats the line the same way
// Logf does so buffered lines read uniformly regardless of source.
func (h *handler) render(r slog.Record) (jobID, line string) {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteString(" ")
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		if a.Key == "job_id" {
			jobID = a.Value.String()
			continue
		}
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "job_id" {
			jobID = a.Value.String()
			return true
		}
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())
		return true
	})

	return jobID, fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), sb.String())
}
