package domain

import (
	"errors"
	"fmt"
)

// ValidationError marks an input or output schema mismatch. It is never
// retried at any layer.
type ValidationError struct {
	Stage  Stage
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed stage=%s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("validation failed stage=%s field=%s: %s", e.Stage, e.Field, e.Reason)
}

// ParseError marks exhausted JSON enforcement. It is terminal for the
// invocation that produced it, but the owning job may still be replayed by
// the queue since a fresh generation can parse.
type ParseError struct {
	Attempts int
	Err      error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("structured output enforcement exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// ErrRunCancelled is returned when an in-flight run completes after it was
// cancelled; the late result is discarded instead of overwriting the status.
var ErrRunCancelled = errors.New("agent run was cancelled")

// IsTerminalJobError reports whether a job failure must not be replayed by
// the queue. Validation errors are deterministic; a cancelled run must stay
// cancelled. Parse errors stay replayable.
func IsTerminalJobError(err error) bool {
	var ve ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, ErrRunCancelled)
}

// IsValidationError reports a schema mismatch anywhere in the chain.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsParseError reports exhausted JSON enforcement anywhere in the chain.
func IsParseError(err error) bool {
	var pe ParseError
	return errors.As(err, &pe)
}
