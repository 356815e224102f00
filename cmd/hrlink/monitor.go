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
	"github.com/srg/hrlink/pkg/sensor"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [device-address]",
	Short: "Monitor heart rate and battery continuously",
	Long: fmt.Sprintf(`Keeps a connection to the sensor, printing every heart rate notification
and every battery refresh until interrupted. A lost connection is re-established
on the next update cycle.

Examples:
  # Monitor with the default one-second cycle
  hrlink monitor %s

  # JSON lines, refreshing battery every 30s
  hrlink monitor %s --interval 30s --format json

  # Print entity states instead of raw updates
  hrlink monitor %s --entities

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorInterval time.Duration
	monitorFormat   string
	monitorEntities bool
	monitorName     string
)

func init() {
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", 0, "Update cycle interval (default from config, 1s)")
	monitorCmd.Flags().StringVarP(&monitorFormat, "format", "f", "text", "Output format (text, json)")
	monitorCmd.Flags().BoolVar(&monitorEntities, "entities", false, "Print heart rate and battery entity states after each update")
	monitorCmd.Flags().StringVar(&monitorName, "name", "", "Display name for the sensor")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	var address string
	if len(args) == 1 {
		address = args[0]
	}

	cfg, err := loadConfig(cmd, address, monitorFormat)
	if err != nil {
		return err
	}
	if cfg.Device.Address == "" {
		return fmt.Errorf("device address required: pass it as an argument or set device.address in the config")
	}
	if monitorInterval < 0 {
		return fmt.Errorf("invalid interval %v: must be positive", monitorInterval)
	}
	if monitorInterval > 0 {
		cfg.UpdateInterval = monitorInterval
	}
	if monitorName != "" {
		cfg.Device.Name = monitorName
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := devicefactory.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = stack.Close() }()

	out := newPrinter(cmd.OutOrStdout(), cfg.OutputFormat, isTerminal(cmd.OutOrStdout()))
	coord := stack.Coordinator

	var progress *ProgressPrinter
	if isTerminal(cmd.ErrOrStderr()) {
		progress = NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+coord.Identity().String(), "Connecting")
		progress.Start()
		defer progress.Stop()
	}

	if monitorEntities {
		bound := make(chan error, 1)
		go func() {
			bound <- sensor.Bind(ctx, coord, func(e sensor.Entity) {
				if err := out.Entity(e); err != nil {
					logger.WithError(err).Warn("Failed to print entity state")
				}
			})
		}()
		if err := startMonitor(ctx, cmd, stack, progress); err != nil {
			return err
		}
		return <-bound
	}

	sub := coord.Subscribe()
	defer sub.Close()

	if err := startMonitor(ctx, cmd, stack, progress); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := out.Update(u, coord.State()); err != nil {
				return err
			}
		}
	}
}

// startMonitor runs the first update cycle and ends the connect progress line
func startMonitor(ctx context.Context, cmd *cobra.Command, stack *devicefactory.Stack, progress *ProgressPrinter) error {
	err := stack.Coordinator.Start(ctx)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		return err
	}
	if isTerminal(cmd.ErrOrStderr()) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Monitoring %s. Press Ctrl+C to stop...\n", stack.Coordinator.Identity())
	}
	return nil
}
