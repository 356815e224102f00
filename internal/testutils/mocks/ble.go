// Package mocks holds testify mocks for the go-ble interfaces.
// Each mock embeds the interface it stands in for; calling a method that is
// not overridden here panics, which surfaces unexpected usage in tests.
package mocks

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockAddr mocks ble.Addr
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string {
	args := m.Called()
	return args.String(0)
}

// MockAdvertisement mocks ble.Advertisement
type MockAdvertisement struct {
	mock.Mock
	ble.Advertisement
}

func (m *MockAdvertisement) LocalName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAdvertisement) RSSI() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockAdvertisement) Services() []ble.UUID {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]ble.UUID)
	}
	return nil
}

func (m *MockAdvertisement) Addr() ble.Addr {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.(ble.Addr)
	}
	return nil
}

// MockDevice mocks ble.Device
type MockDevice struct {
	mock.Mock
	ble.Device
}

func (m *MockDevice) Dial(ctx context.Context, addr ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, addr)
	if v := args.Get(0); v != nil {
		return v.(ble.Client), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MockClient mocks ble.Client.
// Subscribe handlers are recorded so tests can push notifications with Notify,
// and Disconnect simulates the peripheral dropping the link.
type MockClient struct {
	mock.Mock
	ble.Client

	mu           sync.Mutex
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	disconnected chan struct{}
	dropOnce     sync.Once
}

// NewMockClient creates a client mock with an open disconnect channel
func NewMockClient() *MockClient {
	return &MockClient{
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	if v := args.Get(0); v != nil {
		return v.(*ble.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[c] = h
	m.mu.Unlock()
	return nil
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	m.mu.Lock()
	delete(m.handlers, c)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// Notify delivers data to the handler subscribed for c; it reports false if none is registered
func (m *MockClient) Notify(c *ble.Characteristic, data []byte) bool {
	m.mu.Lock()
	h := m.handlers[c]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Drop simulates the peripheral going out of range
func (m *MockClient) Drop() {
	m.dropOnce.Do(func() { close(m.disconnected) })
}
