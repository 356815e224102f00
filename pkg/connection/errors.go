package connection

import "errors"

var (
	// ErrBatteryUnavailable wraps every ReadBattery failure
	ErrBatteryUnavailable = errors.New("battery unavailable")

	// ErrClosed is returned by EnsureConnected after Close
	ErrClosed = errors.New("connection manager closed")

	errAttemptAborted = errors.New("connection attempt aborted by teardown")
)
