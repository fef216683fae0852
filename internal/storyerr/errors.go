// Package storyerr classifies the errors the orchestrator needs to treat
// differently: transient upstream failures get retried, bad shape and
// quality failures regenerate content, code bugs stop a job cold, and
// store failures are best-effort-logged but never block a pipeline step.
package storyerr

import (
	"errors"
	"strings"
)

// Kind is the five-way classification spec 4.1/4.5/4.12 dispatches on.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindBadShape
	KindQualityFailure
	KindCodeBug
	KindStoreFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBadShape:
		return "bad_shape"
	case KindQualityFailure:
		return "quality_failure"
	case KindCodeBug:
		return "code_bug"
	case KindStoreFailure:
		return "store_failure"
	default:
		return "unknown"
	}
}

// Error is the taxonomy-aware error type every layer above the raw HTTP/DB
// client should return. Op names the operation that failed (e.g.
// "bible_generation", "chapter_3_regenerate") for logging and metrics.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit kind and operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) *Error      { return New(KindTransient, op, err) }
func BadShape(op string, err error) *Error       { return New(KindBadShape, op, err) }
func QualityFailure(op string, err error) *Error { return New(KindQualityFailure, op, err) }
func CodeBug(op string, err error) *Error        { return New(KindCodeBug, op, err) }
func StoreFailure(op string, err error) *Error   { return New(KindStoreFailure, op, err) }

// ClassOf extracts the Kind from err if it (or something it wraps) is an
// *Error. Returns KindUnknown for plain errors.
func ClassOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// transientSubstrings are the lowercase keyword fragments spec 4.1 lists
// as evidence an upstream model-provider failure is worth retrying
// indefinitely rather than burning the step's limited retry budget.
var transientSubstrings = []string{
	"overloaded",
	"rate limit",
	"too many requests",
	"529",
	"503",
	"socket",
	"connection reset",
	"timeout",
	"network",
	"temporarily unavailable",
	"service unavailable",
	"capacity",
}

// IsTransient classifies a raw error message from the model client using
// the keyword set above. It does not require the error to already be a
// *Error — this is the first point in the pipeline where classification
// happens, applied directly to HTTP/transport failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if ClassOf(err) == KindTransient {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsCodeBug reports whether err should stop a job outright rather than be
// retried or trigger regeneration — a programmer error, not an upstream or
// content problem.
func IsCodeBug(err error) bool {
	return ClassOf(err) == KindCodeBug
}

// IsStoreFailure reports whether err originated in the Progress Store and
// should be logged but never block forward pipeline progress (spec 4.1's
// "best-effort" cost-record insert, and similar non-critical writes).
func IsStoreFailure(err error) bool {
	return ClassOf(err) == KindStoreFailure
}
