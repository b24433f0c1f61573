package llm

import "fmt"

// ErrorKind classifies a provider error for retry purposes.
type ErrorKind int

const (
	// KindRateLimited means the provider throttled us; retried with
	// exponential backoff.
	KindRateLimited ErrorKind = iota
	// KindTransient is a generic recoverable API error; retried with
	// linear backoff.
	KindTransient
	// KindPermanent is a configuration, model, or input error. Never
	// retried.
	KindPermanent
)

// CallFailedError is returned after the retry budget is exhausted. It
// carries the last provider error for diagnosis.
type CallFailedError struct {
	Attempts int
	LastErr  error
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("llm call failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *CallFailedError) Unwrap() error { return e.LastErr }
