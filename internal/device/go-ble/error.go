package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/hrlink/internal/device"
)

// NormalizeError maps known go-ble and platform error strings to a *device.TransportError.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Unknown errors are returned unchanged so the caller can attach its own default kind.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var terr *device.TransportError
	if errors.As(err, &terr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &device.TransportError{Kind: device.KindTimeout, Err: err}
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return &device.TransportError{Kind: device.KindDeviceUnavailable, Err: err}
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "operation not permitted"):
		return &device.TransportError{Kind: device.KindDeviceUnavailable, Err: err}
	case containsIgnoreCase(msg, "timeout"),
		containsIgnoreCase(msg, "timed out"):
		return &device.TransportError{Kind: device.KindTimeout, Err: err}
	case containsIgnoreCase(msg, "not found"):
		return &device.TransportError{Kind: device.KindNotFound, Err: err}
	default:
		return err
	}
}

// wrap normalizes err and attaches op/uuid context, defaulting to kind when the error is unknown.
func wrap(kind device.ErrorKind, op, uuid string, err error) error {
	if err == nil {
		return nil
	}
	return device.NewTransportError(kind, op, uuid, NormalizeError(err))
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
