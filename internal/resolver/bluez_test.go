package resolver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/resolver"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObject answers Properties.GetAll for one object path
type fakeObject struct {
	dbus.BusObject
	path  dbus.ObjectPath
	props map[string]dbus.Variant
	err   error
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	if o.err != nil {
		return &dbus.Call{Err: o.err}
	}
	if method != "org.freedesktop.DBus.Properties.GetAll" || len(args) != 1 || args[0] != "org.bluez.Device1" {
		return &dbus.Call{Err: errors.New("unexpected call " + method)}
	}
	return &dbus.Call{Body: []interface{}{o.props}}
}

type fakeBus struct {
	objects map[dbus.ObjectPath]*fakeObject
}

func (b *fakeBus) Object(_ string, path dbus.ObjectPath) dbus.BusObject {
	if o, ok := b.objects[path]; ok {
		return o
	}
	return &fakeObject{path: path, err: dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}}
}

func TestDevicePath(t *testing.T) {
	tests := []struct {
		adapter string
		address string
		want    dbus.ObjectPath
	}{
		{adapter: "hci0", address: "AA:BB:CC:DD:EE:FF", want: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"},
		{adapter: "hci1", address: "a0:9e:1a:00:00:01", want: "/org/bluez/hci1/dev_A0_9E_1A_00_00_01"},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, resolver.DevicePath(tt.adapter, tt.address))
		})
	}
}

func TestBluezResolve(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	path := resolver.DevicePath("hci0", "AA:BB:CC:DD:EE:FF")

	tests := []struct {
		name     string
		devName  string
		props    map[string]dbus.Variant
		wantOK   bool
		wantName string
		wantRSSI int
	}{
		{
			name: "seen device",
			props: map[string]dbus.Variant{
				"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
				"Alias":   dbus.MakeVariant("Polar H10 1234"),
				"RSSI":    dbus.MakeVariant(int16(-58)),
			},
			wantOK:   true,
			wantName: "Polar H10 1234",
			wantRSSI: -58,
		},
		{
			name:    "configured name wins over alias",
			devName: "Chest strap",
			props: map[string]dbus.Variant{
				"Alias": dbus.MakeVariant("Polar H10 1234"),
				"RSSI":  dbus.MakeVariant(int16(-70)),
			},
			wantOK:   true,
			wantName: "Chest strap",
			wantRSSI: -70,
		},
		{
			name: "known but not in range",
			props: map[string]dbus.Variant{
				"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
				"Alias":   dbus.MakeVariant("Polar H10 1234"),
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{objects: map[dbus.ObjectPath]*fakeObject{path: {path: path, props: tt.props}}}
			r := resolver.NewBluezWithConn(bus, "", helper.Logger)

			id, err := device.NewIdentity("aa:bb:cc:dd:ee:ff", tt.devName)
			require.NoError(t, err)

			ref, ok := r.Resolve(context.Background(), id)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, "AA:BB:CC:DD:EE:FF", ref.Address)
			assert.Equal(t, tt.wantName, ref.Name)
			assert.Equal(t, tt.wantRSSI, ref.RSSI)
			assert.False(t, ref.SeenAt.IsZero())
		})
	}
}

func TestBluezUnknownDevice(t *testing.T) {
	r := resolver.NewBluezWithConn(&fakeBus{}, "hci0", testutils.NewTestHelper(t).Logger)
	id, err := device.NewIdentity("11:22:33:44:55:66", "")
	require.NoError(t, err)

	_, ok := r.Resolve(context.Background(), id)
	assert.False(t, ok, "device unknown to BlueZ MUST NOT resolve")
}

func TestNone(t *testing.T) {
	id, err := device.NewIdentity("11:22:33:44:55:66", "")
	require.NoError(t, err)

	_, ok := resolver.None{}.Resolve(context.Background(), id)
	assert.False(t, ok)
}
