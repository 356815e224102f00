package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/srg/hrlink/internal/device"
)

// Scan listens for advertisements until ctx is done.
// Cancellation and deadline expiry end the scan normally.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if handler == nil {
		return errors.New("no advertisement handler specified")
	}

	dev, err := t.device()
	if err != nil {
		return err
	}

	t.logger.WithField("allow_dup", allowDup).Debug("Starting BLE scan...")
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(toAdvertisement(adv))
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.logger.Debug("BLE scan finished")
		return nil
	}
	return wrap(device.KindDeviceUnavailable, "scan", "", err)
}

var _ device.Scanner = (*Transport)(nil)
var _ device.Transport = (*Transport)(nil)
