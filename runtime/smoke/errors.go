package smoke

import "fmt"

// ValidationError reports a payload, or a set of arguments, whose shape does
// not match what the test case expects. It fails the case but does not abort
// the run.
type ValidationError struct {
	// Expect names the expectation or schema that rejected the value.
	Expect string
	// Reason describes the mismatch.
	Reason string
	// Err is the underlying decode or validation error, if any.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Expect, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Expect, e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }
