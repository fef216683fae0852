package agent

import "context"

// ModelCaller is the narrow contract stage code depends on, so tests can
// substitute a stub without constructing a real Client.
type ModelCaller interface {
	Call(ctx context.Context, operation, jobID, jobTitle string, messages []Message, maxOutputTokens int) (CallResult, error)
}
