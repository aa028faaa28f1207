package session

import (
	"context"
	"errors"
)

var (
	// ErrInvalidTransition is returned when an action is not allowed in the
	// session's current phase.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrNoChallenge is returned when the assessment is started before a
	// challenge was generated.
	ErrNoChallenge = errors.New("no challenge generated")

	// ErrEmptyInput is returned for a blank job description or question.
	ErrEmptyInput = errors.New("input is empty")

	// ErrCompletion wraps every completion service failure.
	ErrCompletion = errors.New("completion failed")

	// ErrNotFound is returned for unknown sessions and sessions owned by
	// another candidate.
	ErrNotFound = errors.New("session not found")

	// ErrBusy is returned when another action holds the session.
	ErrBusy = errors.New("session action in progress")
)

// Outcome labels used for action metrics.
const (
	OutcomeOK         = "ok"
	OutcomeRejected   = "rejected"
	OutcomeCompletion = "completion_error"
	OutcomeTimeout    = "timeout"
	OutcomeError      = "error"
)

// outcomeOf classifies an action error for metrics.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoChallenge),
		errors.Is(err, ErrEmptyInput), errors.Is(err, ErrNotFound), errors.Is(err, ErrBusy):
		return OutcomeRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTimeout
	case errors.Is(err, ErrCompletion):
		return OutcomeCompletion
	default:
		return OutcomeError
	}
}
