package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a mocked BLE device exposing a GATT profile
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []blelib.Advertisement
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// WithScanAdvertisements sets the advertisements reported by Scan
func (b *PeripheralDeviceBuilder) WithScanAdvertisements(ads ...blelib.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// parseCharacteristicProperties converts "read,notify" style strings to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// Peripheral is a built mock device together with its client and profile
type Peripheral struct {
	Device  *mocks.MockDevice
	Client  *mocks.MockClient
	Profile *blelib.Profile
}

// Characteristic returns the profile characteristic with the given UUID
func (p *Peripheral) Characteristic(uuid string) *blelib.Characteristic {
	want := device.NormalizeUUID(uuid)
	for _, svc := range p.Profile.Services {
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == want {
				return c
			}
		}
	}
	return nil
}

// Notify pushes a notification for uuid through the subscribed handler
func (p *Peripheral) Notify(uuid string, data []byte) bool {
	c := p.Characteristic(uuid)
	if c == nil {
		return false
	}
	return p.Client.Notify(c, data)
}

// Build creates the mocked device. Every expectation is optional; tests that need
// a failing call Unset the default expectation and register their own.
func (b *PeripheralDeviceBuilder) Build() *Peripheral {
	mockDevice := &mocks.MockDevice{}
	mockClient := mocks.NewMockClient()

	var services []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			})
		}
		services = append(services, svc)
	}
	profile := &blelib.Profile{Services: services}

	mockDevice.On("Dial", mock.Anything, mock.Anything).Return(mockClient, nil).Maybe()
	mockDevice.On("Stop").Return(nil).Maybe()
	mockClient.On("DiscoverProfile", true).Return(profile, nil).Maybe()
	mockClient.On("CancelConnection").Return(nil).Maybe()

	for _, svc := range services {
		for _, char := range svc.Characteristics {
			mockClient.On("Subscribe", char, mock.Anything, mock.Anything).Return(nil).Maybe()
			mockClient.On("Unsubscribe", char, mock.Anything).Return(nil).Maybe()
			mockClient.On("ReadCharacteristic", char).Return(char.Value, nil).Maybe()
		}
	}

	ads := b.scanAdvertisements
	mockDevice.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler := args.Get(2).(blelib.AdvHandler)
			for _, adv := range ads {
				handler(adv)
			}
		}).
		Return(nil).Maybe()

	return &Peripheral{Device: mockDevice, Client: mockClient, Profile: profile}
}
