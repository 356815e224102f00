package device

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultDisplayName is used when neither configuration nor the device supplied a name.
const DefaultDisplayName = "Polar Sensor"

// Identity is the immutable description of the sensor this process talks to.
type Identity struct {
	Address string // MAC address (Linux) or CoreBluetooth UUID (macOS)
	Name    string
}

// NewIdentity validates and normalizes an address/name pair.
// Addresses are trimmed and upper-cased so that cache and D-Bus lookups agree.
func NewIdentity(address, name string) (Identity, error) {
	address = strings.ToUpper(strings.TrimSpace(address))
	if address == "" {
		return Identity{}, fmt.Errorf("device address is empty")
	}
	return Identity{Address: address, Name: strings.TrimSpace(name)}, nil
}

// DisplayName returns the configured name or DefaultDisplayName.
func (i Identity) DisplayName() string {
	if i.Name == "" {
		return DefaultDisplayName
	}
	return i.Name
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.DisplayName(), i.Address)
}

// Reference is the transport-level handle for a device as last seen by the adapter.
// Addresses and handles can go stale between scans, so references are re-resolved
// on every refresh cycle.
type Reference struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	SeenAt      time.Time
}

// ReferenceFor returns the reference derived directly from an identity, used
// before any resolver has produced one.
func ReferenceFor(id Identity) Reference {
	return Reference{Address: id.Address, Name: id.Name, Connectable: true}
}

// Resolver maps an identity onto its current transport reference.
// A false result means "nothing newer is known"; callers fall back to their cached reference.
type Resolver interface {
	Resolve(ctx context.Context, id Identity) (Reference, bool)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, id Identity) (Reference, bool)

func (f ResolverFunc) Resolve(ctx context.Context, id Identity) (Reference, bool) {
	return f(ctx, id)
}

// Link is one live logical connection produced by Transport.Connect.
type Link interface {
	Address() string
	// Done is closed when the platform reports that the peripheral went away.
	Done() <-chan struct{}
}

// SubscriptionHandle is an opaque token for an active notification registration.
type SubscriptionHandle interface {
	Characteristic() string
}

// NotificationHandler receives raw characteristic notifications.
// It may be invoked from transport-owned goroutines and must not block.
type NotificationHandler func(data []byte)

// Transport wraps a single-connection GATT client.
//
// Connect fails with a *TransportError of kind Timeout, DeviceUnavailable or Protocol.
// Disconnect and Unsubscribe are best effort and never fail observably.
// ReadCharacteristic fails with kind NotFound, Timeout or Protocol.
type Transport interface {
	Connect(ctx context.Context, ref Reference) (Link, error)
	Disconnect(link Link)
	ReadCharacteristic(ctx context.Context, link Link, service, characteristic string) ([]byte, error)
	Subscribe(ctx context.Context, link Link, service, characteristic string, onNotify NotificationHandler) (SubscriptionHandle, error)
	Unsubscribe(handle SubscriptionHandle)
	Close() error
}

// Advertisement is the subset of advertising data the resolver and scan command use.
type Advertisement struct {
	Address     string
	LocalName   string
	RSSI        int
	Connectable bool
	Services    []string // normalized UUIDs
}

// HasService reports whether the advertisement lists the given service UUID.
func (a Advertisement) HasService(uuid string) bool {
	uuid = NormalizeUUID(uuid)
	for _, s := range a.Services {
		if s == uuid {
			return true
		}
	}
	return false
}

// Scanner delivers advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}
