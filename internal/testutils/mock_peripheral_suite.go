package testutils

import (
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	goble "github.com/srg/hrlink/internal/device/go-ble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a mock BLE peripheral
// installed behind goble.DeviceFactory.
//
// Default usage gets a heart-rate strap reporting 50% battery:
//
//	type TransportSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
// Custom profiles are configured before calling the parent SetupTest:
//
//	func (s *TransportSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180F").
//	        WithCharacteristic("2A19", "read", []byte{80})
//
//	    s.MockBLEPeripheralSuite.SetupTest()
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (blelib.Device, error)
	TestTimeout           time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder
	Peripheral        *Peripheral

	// DeviceFactoryCalls counts how often the transport asked for a device
	DeviceFactoryCalls int
}

// SetupSuite initializes the test suite; called once before all tests.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
	s.OriginalDeviceFactory = goble.DeviceFactory

	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
			s.Logger.Debug("Device factory restored via t.Cleanup")
		}
	})
}

// SetupTest builds the configured peripheral and installs it; called before each test.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = CreateHeartRatePeripheral(50)
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	s.DeviceFactoryCalls = 0
	goble.DeviceFactory = func() (blelib.Device, error) {
		s.DeviceFactoryCalls++
		return s.Peripheral.Device, nil
	}

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest restores the device factory and resets the builder; called after each test.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration in SetupTest.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}
