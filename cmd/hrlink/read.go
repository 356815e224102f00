package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/hrlink/internal/devicefactory"
	"github.com/srg/hrlink/pkg/config"
	"github.com/srg/hrlink/pkg/coordinator"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read [device-address]",
	Short: "Read heart rate and battery once",
	Long: fmt.Sprintf(`Connects to the sensor, reads the battery level, waits for the first
heart rate notification, prints both and disconnects.

Examples:
  # Read once
  hrlink read %s

  # Wait up to 30s for the first heart rate
  hrlink read %s --timeout 30s --format json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runRead,
}

var (
	readTimeout time.Duration
	readFormat  string
)

func init() {
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 10*time.Second, "How long to wait for the first heart rate notification")
	readCmd.Flags().StringVarP(&readFormat, "format", "f", "text", "Output format (text, json)")
}

func runRead(cmd *cobra.Command, args []string) error {
	var address string
	if len(args) == 1 {
		address = args[0]
	}

	cfg, err := loadConfig(cmd, address, readFormat)
	if err != nil {
		return err
	}
	if cfg.Device.Address == "" {
		return fmt.Errorf("device address required: pass it as an argument or set device.address in the config")
	}
	if readTimeout <= 0 {
		return fmt.Errorf("invalid timeout %v: must be positive", readTimeout)
	}
	logger := configureLogger(cmd, cfg)

	// a single read uses the configured address as is
	cfg.Resolver = config.ResolverNone

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := devicefactory.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = stack.Close() }()

	var progress *ProgressPrinter
	if isTerminal(cmd.ErrOrStderr()) {
		progress = NewProgressPrinter(cmd.ErrOrStderr(), "Reading "+cfg.Device.Address, "Connecting")
		progress.Start()
		defer progress.Stop()
	}

	sub := stack.Coordinator.Subscribe()
	defer sub.Close()

	if err := stack.Coordinator.Start(ctx); err != nil {
		return err
	}
	if progress != nil {
		progress.SetPhase("Waiting for heart rate")
	}

	last, err := waitForHeartRate(ctx, sub, readTimeout)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		return err
	}

	return newPrinter(cmd.OutOrStdout(), cfg.OutputFormat, isTerminal(cmd.OutOrStdout())).Update(last, stack.Coordinator.State())
}

// waitForHeartRate returns the first update carrying a heart rate
func waitForHeartRate(ctx context.Context, sub *coordinator.Subscription, wait time.Duration) (coordinator.Update, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return coordinator.Update{}, ctx.Err()
		case <-timer.C:
			return coordinator.Update{}, &NoHeartRateError{Wait: wait}
		case u, ok := <-sub.C():
			if !ok {
				return coordinator.Update{}, fmt.Errorf("sensor client stopped before a heart rate arrived")
			}
			if _, has := u.Snapshot.HeartRateValue(); has && u.Success {
				return u, nil
			}
		}
	}
}
