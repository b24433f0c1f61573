package orchestrator

import "errors"

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a proposed workflow-stage
	// change is not in the transition relation. The session is left
	// untouched.
	ErrInvalidTransition = errors.New("invalid workflow stage transition")

	// ErrInvalidPatch is returned when an agent patch fails validation.
	ErrInvalidPatch = errors.New("invalid context patch")

	// ErrInvalidState is returned when an operation is not valid in the
	// session's current state (e.g. clarify without a pending
	// clarification).
	ErrInvalidState = errors.New("operation not valid in current session state")

	// ErrNotCompleted is returned when results are requested before the
	// session has completed.
	ErrNotCompleted = errors.New("session has not completed")

	// ErrAgentUnavailable is returned when a required agent type has no
	// registered instance.
	ErrAgentUnavailable = errors.New("no agent registered for required type")
)
