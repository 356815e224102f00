package mocks

import (
	"context"
	"sync"

	"github.com/srg/hrlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockTransport mocks device.Transport.
// Handlers passed to Subscribe are captured per characteristic so tests can
// deliver notifications through Notify.
type MockTransport struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]device.NotificationHandler
}

// NewMockTransport creates an empty transport mock
func NewMockTransport() *MockTransport {
	return &MockTransport{handlers: make(map[string]device.NotificationHandler)}
}

func (m *MockTransport) Connect(ctx context.Context, ref device.Reference) (device.Link, error) {
	args := m.Called(ctx, ref)
	if v := args.Get(0); v != nil {
		return v.(device.Link), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTransport) Disconnect(link device.Link) {
	m.Called(link)
	if fl, ok := link.(*FakeLink); ok {
		fl.Drop()
	}
}

func (m *MockTransport) ReadCharacteristic(ctx context.Context, link device.Link, service, characteristic string) ([]byte, error) {
	args := m.Called(ctx, link, service, characteristic)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTransport) Subscribe(ctx context.Context, link device.Link, service, characteristic string, onNotify device.NotificationHandler) (device.SubscriptionHandle, error) {
	args := m.Called(ctx, link, service, characteristic, onNotify)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.handlers[device.NormalizeUUID(characteristic)] = onNotify
	m.mu.Unlock()
	if v := args.Get(0); v != nil {
		return v.(device.SubscriptionHandle), nil
	}
	return FakeHandle(characteristic), nil
}

func (m *MockTransport) Unsubscribe(handle device.SubscriptionHandle) {
	m.Called(handle)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Notify delivers data to the most recent handler subscribed to characteristic.
// It reports false when nothing was subscribed.
func (m *MockTransport) Notify(characteristic string, data []byte) bool {
	m.mu.Lock()
	h := m.handlers[device.NormalizeUUID(characteristic)]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Handler returns the most recent handler subscribed to characteristic
func (m *MockTransport) Handler(characteristic string) device.NotificationHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[device.NormalizeUUID(characteristic)]
}

// FakeLink is a device.Link whose loss is triggered by Drop
type FakeLink struct {
	address  string
	done     chan struct{}
	dropOnce sync.Once
}

// NewFakeLink creates a live link for address
func NewFakeLink(address string) *FakeLink {
	return &FakeLink{address: address, done: make(chan struct{})}
}

func (l *FakeLink) Address() string       { return l.address }
func (l *FakeLink) Done() <-chan struct{} { return l.done }

// String keeps fmt from reflecting over the link while Drop runs concurrently
func (l *FakeLink) String() string { return l.address }

// Drop simulates the peripheral disappearing
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.done) })
}

// Dropped reports whether Drop was called
func (l *FakeLink) Dropped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// FakeHandle is a device.SubscriptionHandle naming its characteristic
type FakeHandle string

func (h FakeHandle) Characteristic() string { return device.NormalizeUUID(string(h)) }
