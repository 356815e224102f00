// Package devicefactory assembles the go-ble transport, the device resolver and
// the coordinator from configuration.
package devicefactory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	goble "github.com/srg/hrlink/internal/device/go-ble"
	"github.com/srg/hrlink/internal/groutine"
	"github.com/srg/hrlink/internal/resolver"
	"github.com/srg/hrlink/pkg/config"
	"github.com/srg/hrlink/pkg/connection"
	"github.com/srg/hrlink/pkg/coordinator"
)

// TransportFactory creates the BLE transport (can be overridden in tests)
var TransportFactory = func(cfg *config.Config, logger *logrus.Logger) Transport {
	return goble.NewTransport(&goble.Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
	}, logger)
}

// Transport is a GATT transport that can also scan for advertisements
type Transport interface {
	device.Transport
	device.Scanner
}

// Stack is a fully wired sensor client
type Stack struct {
	Transport   Transport
	Resolver    device.Resolver
	Coordinator *coordinator.Coordinator

	closers []func() error
}

// Build wires transport, resolver and coordinator for cfg.
// The scan resolver starts scanning immediately and stops when ctx is done or Close is called.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Stack, error) {
	if logger == nil {
		logger = logrus.New()
	}

	id, err := cfg.Identity()
	if err != nil {
		return nil, fmt.Errorf("invalid device configuration: %w", err)
	}

	st := &Stack{Transport: TransportFactory(cfg, logger)}

	r, closeResolver, err := NewResolver(ctx, cfg, st.Transport, logger)
	if err != nil {
		_ = st.Transport.Close()
		return nil, err
	}
	st.Resolver = r
	st.closers = append(st.closers, closeResolver)

	st.Coordinator = coordinator.New(id, st.Transport, &coordinator.Options{
		Interval: cfg.UpdateInterval,
		Connection: &connection.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
		},
		Resolver:         r,
		SubscriberBuffer: cfg.SubscriberBuffer,
	}, logger)

	logger.WithFields(logrus.Fields{
		"device":   id.String(),
		"resolver": cfg.Resolver,
	}).Debug("Sensor stack assembled")
	return st, nil
}

// Close stops the resolver and shuts the coordinator down, which also closes the transport
func (s *Stack) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	if s.Coordinator != nil {
		errs = append(errs, s.Coordinator.Shutdown())
	}
	return errors.Join(errs...)
}

// NewResolver creates the resolver selected by cfg.Resolver.
// The returned func releases whatever the resolver holds; it is never nil.
func NewResolver(ctx context.Context, cfg *config.Config, scanner device.Scanner, logger *logrus.Logger) (device.Resolver, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(cfg.Resolver) {
	case config.ResolverNone, "":
		return resolver.None{}, noop, nil

	case config.ResolverScan:
		cache := resolver.NewCache(cfg.ResolveMaxAge, nil, logger)
		scanCtx, cancel := context.WithCancel(ctx)
		done := groutine.Go(scanCtx, "hr-resolver-scan", func(ctx context.Context) {
			if err := cache.Run(ctx, scanner); err != nil {
				logger.WithError(err).Warn("Background scan stopped, using last known reference")
			}
		})
		return cache, func() error {
			cancel()
			<-done
			return nil
		}, nil

	case config.ResolverBluez:
		r, conn, err := resolver.NewBluez(cfg.BluezAdapter, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create BlueZ resolver: %w", err)
		}
		return r, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown resolver '%s'", cfg.Resolver)
	}
}
