package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	tests := []struct {
		name        string
		address     string
		devName     string
		wantAddress string
		wantDisplay string
		wantErr     bool
	}{
		{
			name:        "normalizes MAC address case",
			address:     " aa:bb:cc:dd:ee:ff ",
			devName:     "Polar H10 1234",
			wantAddress: "AA:BB:CC:DD:EE:FF",
			wantDisplay: "Polar H10 1234",
		},
		{
			name:        "falls back to default display name",
			address:     "AA:BB:CC:DD:EE:FF",
			wantAddress: "AA:BB:CC:DD:EE:FF",
			wantDisplay: DefaultDisplayName,
		},
		{
			name:    "rejects empty address",
			address: "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewIdentity(tt.address, tt.devName)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddress, id.Address)
			assert.Equal(t, tt.wantDisplay, id.DisplayName())
		})
	}
}

func TestReferenceFor(t *testing.T) {
	id, err := NewIdentity("AA:BB:CC:DD:EE:FF", "Polar H10")
	require.NoError(t, err)

	ref := ReferenceFor(id)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ref.Address)
	assert.Equal(t, "Polar H10", ref.Name)
	assert.True(t, ref.Connectable)
}

func TestResolverFunc(t *testing.T) {
	id := Identity{Address: "AA:BB:CC:DD:EE:FF"}
	r := ResolverFunc(func(_ context.Context, got Identity) (Reference, bool) {
		return Reference{Address: got.Address, RSSI: -60}, true
	})

	ref, ok := r.Resolve(context.Background(), id)
	assert.True(t, ok)
	assert.Equal(t, -60, ref.RSSI)
}

func TestAdvertisementHasService(t *testing.T) {
	adv := Advertisement{Services: []string{"180d", "180f"}}

	assert.True(t, adv.HasService("0000180D-0000-1000-8000-00805F9B34FB"))
	assert.True(t, adv.HasService("180f"))
	assert.False(t, adv.HasService("1816"))
}

func TestTransportError(t *testing.T) {
	t.Run("errors.Is matches by kind", func(t *testing.T) {
		err := fmt.Errorf("cycle: %w", &TransportError{Kind: KindTimeout, Op: "connect", Err: errors.New("dial")})

		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("message carries op and uuid", func(t *testing.T) {
		err := &TransportError{Kind: KindNotFound, Op: "read", UUID: "2a19", Err: errors.New("no such characteristic")}
		assert.Equal(t, `not_found during read of "2a19": no such characteristic`, err.Error())
	})

	t.Run("unwraps cause", func(t *testing.T) {
		cause := errors.New("hci: reset")
		err := &TransportError{Kind: KindProtocol, Err: cause}
		assert.ErrorIs(t, err, cause)
	})

	t.Run("NewTransportError keeps inner kind", func(t *testing.T) {
		inner := &TransportError{Kind: KindDeviceUnavailable, Op: "dial"}
		err := NewTransportError(KindProtocol, "connect", "", inner)
		assert.Equal(t, KindDeviceUnavailable, err.Kind)
	})

	t.Run("NewTransportError maps deadline to timeout", func(t *testing.T) {
		err := NewTransportError(KindProtocol, "read", "2a19", context.DeadlineExceeded)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("nil receiver", func(t *testing.T) {
		var err *TransportError
		assert.Equal(t, "<nil>", err.Error())
		assert.False(t, err.Is(ErrTimeout))
	})
}

func TestConnectionError(t *testing.T) {
	err := fmt.Errorf("read battery: %w", &ConnectionError{State: NotConnected, Msg: "link dropped"})

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, &ConnectionError{State: "other"})
	assert.Equal(t, "not_connected: link dropped", errors.Unwrap(err).Error())
}
