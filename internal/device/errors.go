package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindProtocol          ErrorKind = "protocol_error"
	KindNotFound          ErrorKind = "not_found"
)

// TransportError represents any failure reported by the BLE layer.
type TransportError struct {
	Kind ErrorKind
	Op   string // "connect", "read", "subscribe", ...
	UUID string // characteristic involved, if any
	Err  error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.UUID != "" {
		fmt.Fprintf(&b, " of %q", e.UUID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare TransportError values by Kind
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrTimeout           = &TransportError{Kind: KindTimeout}
	ErrDeviceUnavailable = &TransportError{Kind: KindDeviceUnavailable}
	ErrProtocol          = &TransportError{Kind: KindProtocol}
	ErrNotFound          = &TransportError{Kind: KindNotFound}
)

// NewTransportError builds a TransportError, keeping an existing kind when err already carries one.
func NewTransportError(kind ErrorKind, op, uuid string, err error) *TransportError {
	var terr *TransportError
	if errors.As(err, &terr) {
		kind = terr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	// an unannotated TransportError only carries a kind; fold it into the new one
	if bare, ok := err.(*TransportError); ok && bare.Op == "" {
		err = bare.Err
	}
	return &TransportError{Kind: kind, Op: op, UUID: uuid, Err: err}
}

// ConnectionState names the specific kind of connection-state failure
type ConnectionState string

const (
	NotConnected ConnectionState = "not_connected"
)

// ConnectionError represents a call made in the wrong connection state
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var ErrNotConnected = &ConnectionError{State: NotConnected}

// ErrUnsupported is returned when the platform has no BLE backend.
var ErrUnsupported = errors.New("unsupported")
