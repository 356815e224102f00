package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/srg/hrlink/internal/codec"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/pkg/connection"
)

// NoHeartRateError reports that the sensor connected but sent no heart rate in time
type NoHeartRateError struct {
	Wait time.Duration
}

func (e *NoHeartRateError) Error() string {
	return fmt.Sprintf("no heart rate notification within %v", e.Wait)
}

// FormatUserError turns an error chain into a one-line message for the terminal
func FormatUserError(err error) string {
	var noHR *NoHeartRateError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not supported on this platform"
	case errors.As(err, &noHR):
		return fmt.Sprintf("sensor connected but sent no heart rate within %v (is it worn?)", noHR.Wait)
	case errors.Is(err, device.ErrTimeout):
		return "timed out talking to the sensor; make sure it is in range"
	case errors.Is(err, device.ErrNotFound):
		return "device does not expose the heart rate service"
	case errors.Is(err, device.ErrDeviceUnavailable):
		return "sensor unavailable; make sure it is powered on, in range and not connected to another app"
	case errors.Is(err, codec.ErrMalformedPayload):
		return fmt.Sprintf("sensor sent malformed data: %v", err)
	case errors.Is(err, device.ErrProtocol):
		return fmt.Sprintf("unexpected response from sensor: %v", err)
	case errors.Is(err, connection.ErrClosed):
		return "sensor client was shut down"
	default:
		return err.Error()
	}
}
