package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
)

const (
	// DefaultConnectTimeout bounds dialing plus GATT profile discovery.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultReadTimeout bounds a single characteristic read or (un)subscribe.
	DefaultReadTimeout = 5 * time.Second

	// DefaultDisconnectTimeout bounds CancelConnection during teardown.
	DefaultDisconnectTimeout = 5 * time.Second
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDevice()
}

// Options configures the go-ble transport
type Options struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	DisconnectTimeout time.Duration
}

// DefaultOptions returns sensible defaults for a heart-rate strap
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout:    DefaultConnectTimeout,
		ReadTimeout:       DefaultReadTimeout,
		DisconnectTimeout: DefaultDisconnectTimeout,
	}
}

// Transport implements device.Transport on top of github.com/go-ble/ble.
// The underlying ble.Device is created lazily on first use and released by Close.
type Transport struct {
	opts   Options
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble backed transport
func NewTransport(opts *Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	o := *opts
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}

	return &Transport{opts: o, logger: logger}
}

// device returns the shared ble.Device, creating it on first use
func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// Connect dials the peripheral and discovers its GATT profile
func (t *Transport) Connect(ctx context.Context, ref device.Reference) (device.Link, error) {
	address := strings.TrimSpace(ref.Address)
	if address == "" {
		return nil, &device.TransportError{Kind: device.KindDeviceUnavailable, Op: "connect", Err: errors.New("device address is empty")}
	}

	dev, err := t.device()
	if err != nil {
		return nil, wrap(device.KindDeviceUnavailable, "connect", "", err)
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": t.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Failed to dial BLE device")
		return nil, wrap(device.KindDeviceUnavailable, "connect", "", err)
	}

	t.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := await(connCtx, 0, func() (*ble.Profile, error) {
		return client.DiscoverProfile(true)
	})
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, wrap(device.KindProtocol, "discover", "", err)
	}

	l := newLink(address, client, profile)
	l.watch(t.logger)

	t.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(profile.Services),
	}).Info("BLE device connected successfully")
	return l, nil
}

// Disconnect cancels the connection; failures are logged and swallowed
func (t *Transport) Disconnect(dl device.Link) {
	l, ok := dl.(*link)
	if !ok || l == nil {
		return
	}
	if !l.release() {
		t.logger.WithField("address", l.address).Debug("Disconnect called but link already released")
		return
	}

	_, err := await(context.Background(), t.opts.DisconnectTimeout, func() (struct{}, error) {
		return struct{}{}, l.client.CancelConnection()
	})
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return
	}
	t.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
}

// ReadCharacteristic reads a characteristic value, bounded by ReadTimeout and ctx
func (t *Transport) ReadCharacteristic(ctx context.Context, dl device.Link, service, characteristic string) ([]byte, error) {
	l, err := t.usable(dl, "read")
	if err != nil {
		return nil, err
	}

	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return nil, device.NewTransportError(device.KindNotFound, "read", characteristic, err)
	}
	if char.Property&ble.CharRead == 0 {
		return nil, &device.TransportError{Kind: device.KindProtocol, Op: "read", UUID: characteristic, Err: errors.New("characteristic does not support read")}
	}

	data, err := await(ctx, t.opts.ReadTimeout, func() ([]byte, error) {
		return l.client.ReadCharacteristic(char)
	})
	if err != nil {
		return nil, wrap(device.KindProtocol, "read", characteristic, err)
	}

	t.logger.WithFields(logrus.Fields{
		"char_uuid": characteristic,
		"bytes":     len(data),
	}).Debug("Read characteristic")
	return data, nil
}

// Subscribe enables notifications (or indications when notify is not supported)
func (t *Transport) Subscribe(ctx context.Context, dl device.Link, service, characteristic string, onNotify device.NotificationHandler) (device.SubscriptionHandle, error) {
	if onNotify == nil {
		return nil, fmt.Errorf("no notification handler specified")
	}

	l, err := t.usable(dl, "subscribe")
	if err != nil {
		return nil, err
	}

	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return nil, device.NewTransportError(device.KindNotFound, "subscribe", characteristic, err)
	}

	var indicate bool
	switch {
	case char.Property&ble.CharNotify != 0:
	case char.Property&ble.CharIndicate != 0:
		indicate = true
	default:
		return nil, &device.TransportError{Kind: device.KindProtocol, Op: "subscribe", UUID: characteristic, Err: errors.New("characteristic does not support notifications")}
	}

	handler := func(data []byte) {
		// go-ble may reuse the buffer after the handler returns
		onNotify(append([]byte(nil), data...))
	}

	_, err = await(ctx, t.opts.ReadTimeout, func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(char, indicate, handler)
	})
	if err != nil {
		return nil, wrap(device.KindProtocol, "subscribe", characteristic, err)
	}

	t.logger.WithFields(logrus.Fields{
		"service_uuid": service,
		"char_uuid":    characteristic,
		"indicate":     indicate,
	}).Info("Subscribed to characteristic notifications")

	return &subscription{link: l, char: char, uuid: device.NormalizeUUID(characteristic), indicate: indicate}, nil
}

// Unsubscribe disables notifications; failures are logged and swallowed
func (t *Transport) Unsubscribe(h device.SubscriptionHandle) {
	sub, ok := h.(*subscription)
	if !ok || sub == nil {
		return
	}
	if sub.link.released() {
		return
	}

	_, err := await(context.Background(), t.opts.ReadTimeout, func() (struct{}, error) {
		return struct{}{}, sub.link.client.Unsubscribe(sub.char, sub.indicate)
	})
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"char_uuid": sub.uuid,
			"error":     NormalizeError(err),
		}).Warn("Failed to unsubscribe from characteristic notifications")
		return
	}
	t.logger.WithField("char_uuid", sub.uuid).Debug("Unsubscribed from characteristic notifications")
}

// Close stops the underlying BLE device
func (t *Transport) Close() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		t.logger.WithError(err).Warn("Failed to stop BLE device")
		return fmt.Errorf("failed to stop BLE device: %w", err)
	}
	t.logger.Debug("BLE device stopped")
	return nil
}

func (t *Transport) usable(dl device.Link, op string) (*link, error) {
	l, ok := dl.(*link)
	if !ok || l == nil {
		return nil, &device.TransportError{Kind: device.KindProtocol, Op: op, Err: fmt.Errorf("link %T was not created by this transport", dl)}
	}
	if l.released() {
		return nil, &device.TransportError{Kind: device.KindDeviceUnavailable, Op: op, Err: device.ErrNotConnected}
	}
	return l, nil
}

// ----------------------------
// link
// ----------------------------

type link struct {
	address string
	client  ble.Client
	profile *ble.Profile

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func newLink(address string, client ble.Client, profile *ble.Profile) *link {
	return &link{
		address: address,
		client:  client,
		profile: profile,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func (l *link) Address() string       { return l.address }
func (l *link) Done() <-chan struct{} { return l.done }

// watch closes Done when the platform reports a disconnect
func (l *link) watch(logger *logrus.Logger) {
	disconnected := l.client.Disconnected()
	if disconnected == nil {
		logger.Debug("Client does not report disconnections; link loss is detected on next failed operation")
		return
	}

	groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
		select {
		case <-disconnected:
			logger.WithField("address", l.address).Warn("Peripheral reported disconnection")
			l.markDone()
		case <-l.stop:
		}
	})
}

func (l *link) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// release marks the link unusable; it returns false if it was already released
func (l *link) release() bool {
	released := false
	l.stopOnce.Do(func() {
		close(l.stop)
		released = true
	})
	l.markDone()
	return released
}

func (l *link) released() bool {
	select {
	case <-l.stop:
		return true
	case <-l.done:
		return true
	default:
		return false
	}
}

// characteristic finds a characteristic in the discovered profile
func (l *link) characteristic(service, uuid string) (*ble.Characteristic, error) {
	svcUUID := device.NormalizeUUID(service)
	charUUID := device.NormalizeUUID(uuid)

	for _, svc := range l.profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == charUUID {
				return c, nil
			}
		}
		return nil, fmt.Errorf("characteristic %q not found in service %q", uuid, service)
	}
	return nil, fmt.Errorf("service %q not found", service)
}

type subscription struct {
	link     *link
	char     *ble.Characteristic
	uuid     string
	indicate bool
}

func (s *subscription) Characteristic() string { return s.uuid }

// ----------------------------
// helpers
// ----------------------------

type result[T any] struct {
	val T
	err error
}

// await runs a blocking go-ble call and gives up when ctx is done or timeout elapses.
// go-ble calls take no context, so the goroutine is left to finish on its own.
func await[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resultCh := make(chan result[T], 1)
	go func() {
		v, err := fn()
		resultCh <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
