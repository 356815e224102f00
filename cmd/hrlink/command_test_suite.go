package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
)

const testStrapAddress = "A0:9E:1A:00:00:01"

// CommandTestSuite extends MockBLEPeripheralSuite with command testing utilities.
// All cmd/hrlink test suites should embed this instead of MockBLEPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

// SetupTest installs a heart rate strap that also shows up in scans, and resets every flag
func (s *CommandTestSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		strap := testutils.CreateMockAdvertisement("Polar H10 0001", testStrapAddress, -61).
			WithServices(device.HeartRateServiceUUID).
			Build()
		other := testutils.CreateMockAdvertisement("Speaker", "00:00:00:00:00:09", -40).Build()
		s.PeripheralBuilder = testutils.CreateHeartRatePeripheral(50).WithScanAdvertisements(strap, other)
	}
	s.MockBLEPeripheralSuite.SetupTest()

	resetFlags(rootCmd)
}

// resetFlags restores defaults on cmd and all subcommands so tests do not leak flag state
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs rootCmd with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := &testutils.SyncBuffer{}
	err := s.ExecuteCommandContext(context.Background(), buf, args...)
	return buf.String(), err
}

// ExecuteCommandContext runs rootCmd with args under ctx, writing stdout and stderr to out.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, out *testutils.SyncBuffer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	// cobra only hands the context to subcommands that have none yet
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	return rootCmd.ExecuteContext(ctx)
}

// NotifyHeartRate keeps pushing a heart rate payload until stop is closed.
// Notifications before the subscription exists are silently dropped.
func (s *CommandTestSuite) NotifyHeartRate(data []byte, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Peripheral.Notify(device.HeartRateMeasurementUUID, data)
			}
		}
	}()
}
