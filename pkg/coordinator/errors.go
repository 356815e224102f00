package coordinator

import "fmt"

// RefreshError reports a failed update cycle; the snapshot is left untouched.
type RefreshError struct {
	Cause error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh failed: %v", e.Cause)
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// SetupError reports that the first refresh failed; the coordinator is shut down.
type SetupError struct {
	Cause error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("initial refresh failed: %v", e.Cause)
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}
