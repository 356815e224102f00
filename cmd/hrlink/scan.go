package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/devicefactory"
	"github.com/srg/hrlink/internal/groutine"
	"github.com/srg/hrlink/internal/resolver"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for heart rate sensors",
	Long: `Scan for Bluetooth Low Energy heart rate sensors in the vicinity.

Lists devices that advertise the Heart Rate service or whose name starts with
--prefix, strongest signal first.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanPrefix   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "text", "Output format (text, json)")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "", "Device name prefix to match (default from config, Polar)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every advertising device")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, "", scanFormat)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	if scanDuration > 0 {
		cfg.ScanDuration = scanDuration
	}
	if scanPrefix != "" {
		cfg.NamePrefix = scanPrefix
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var filter *resolver.Filter
	if !scanAll {
		filter = &resolver.Filter{
			Services:   []string{device.HeartRateServiceUUID},
			NamePrefix: cfg.NamePrefix,
		}
	}
	// every sighting within the scan window stays listable
	cache := resolver.NewCache(cfg.ScanDuration+cfg.ResolveMaxAge, filter, logger)

	transport := devicefactory.TransportFactory(cfg, logger)
	defer func() { _ = transport.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.ScanDuration)
	defer cancel()

	var progress *ProgressPrinter
	if isTerminal(cmd.ErrOrStderr()) {
		progress = NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for heart rate sensors", "Scanning", cfg.ScanDuration)
		progress.Start()
		defer progress.Stop()
	}

	counted := groutine.Go(ctx, "scan-progress", func(context.Context) {
		found := 0
		for ev := range cache.Events() {
			if ev.Type != resolver.EventNew {
				continue
			}
			found++
			if progress != nil {
				progress.SetPhase(fmt.Sprintf("%d found", found))
			}
		}
	})

	err = cache.Run(ctx, transport)
	<-counted
	if progress != nil {
		progress.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	return newPrinter(cmd.OutOrStdout(), cfg.OutputFormat, isTerminal(cmd.OutOrStdout())).Devices(cache.Devices(""))
}
