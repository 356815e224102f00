package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
)

const (
	bluezBus       = "org.bluez"
	deviceIface    = "org.bluez.Device1"
	propsGetAll    = "org.freedesktop.DBus.Properties.GetAll"
	DefaultAdapter = "hci0"
)

// BusConn is the part of *dbus.Conn the BlueZ resolver uses
type BusConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Bluez resolves identities from the BlueZ object tree over the system D-Bus.
// Devices BlueZ has never seen, or that carry no RSSI (not seen since the
// last discovery), resolve to nothing.
type Bluez struct {
	conn    BusConn
	adapter string
	logger  *logrus.Logger
}

// NewBluez connects to the system bus and checks that BlueZ is present
func NewBluez(adapter string, logger *logrus.Logger) (*Bluez, *dbus.Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == bluezBus {
			return NewBluezWithConn(conn, adapter, logger), conn, nil
		}
	}
	conn.Close()
	return nil, nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
}

// NewBluezWithConn builds a resolver over an existing connection
func NewBluezWithConn(conn BusConn, adapter string, logger *logrus.Logger) *Bluez {
	if logger == nil {
		logger = logrus.New()
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return &Bluez{conn: conn, adapter: adapter, logger: logger}
}

// DevicePath converts "AA:BB:CC:DD:EE:FF" to "/org/bluez/<adapter>/dev_AA_BB_CC_DD_EE_FF"
func DevicePath(adapter, address string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + escaped)
}

func (b *Bluez) Resolve(ctx context.Context, id device.Identity) (device.Reference, bool) {
	path := DevicePath(b.adapter, id.Address)

	var props map[string]dbus.Variant
	err := b.conn.Object(bluezBus, path).CallWithContext(ctx, propsGetAll, 0, deviceIface).Store(&props)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"path":  path,
			"error": err,
		}).Debug("BlueZ has no such device")
		return device.Reference{}, false
	}

	rssi, ok := props["RSSI"].Value().(int16)
	if !ok {
		return device.Reference{}, false
	}

	ref := device.Reference{
		Address:     id.Address,
		Name:        id.Name,
		RSSI:        int(rssi),
		Connectable: true,
		SeenAt:      time.Now(),
	}
	if addr, ok := props["Address"].Value().(string); ok && addr != "" {
		ref.Address = strings.ToUpper(addr)
	}
	if alias, ok := props["Alias"].Value().(string); ok && alias != "" && ref.Name == "" {
		ref.Name = alias
	}
	return ref, true
}

// None never resolves; the coordinator keeps using its cached reference
type None struct{}

func (None) Resolve(context.Context, device.Identity) (device.Reference, bool) {
	return device.Reference{}, false
}

var (
	_ device.Resolver = (*Cache)(nil)
	_ device.Resolver = (*Bluez)(nil)
	_ device.Resolver = None{}
)
