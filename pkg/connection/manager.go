package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/codec"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 5 * time.Second
)

// HeartRateHandler receives every decoded heart-rate notification.
// It runs on the transport's notification goroutine and must not block.
type HeartRateHandler func(m codec.Measurement)

// Options configures the connection manager
type Options struct {
	// ConnectTimeout bounds one whole connect attempt, subscription included
	ConnectTimeout time.Duration
	// ReadTimeout bounds a single battery read
	ReadTimeout time.Duration
}

// DefaultOptions returns the timeouts used when none are configured
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
	}
}

// attempt is one in-flight connect; concurrent callers wait on done and share err
type attempt struct {
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
	aborted bool
}

// Manager owns the connection state machine for a single sensor.
//
// At most one connect attempt runs at a time and at most one link is live.
// The mutex guards state and the link/subscription pair; transport calls
// are always made without holding it.
type Manager struct {
	transport   device.Transport
	opts        Options
	onHeartRate HeartRateHandler
	logger      *logrus.Logger

	mu          sync.Mutex
	state       State
	link        device.Link
	sub         device.SubscriptionHandle
	stopMonitor chan struct{}
	inflight    *attempt
	closed      bool
	// tearingDown counts Teardown calls in progress; no attempt starts while it is non-zero
	tearingDown int

	// generation identifies the current link; notifications carrying an older one are dropped
	generation atomic.Uint64
}

// NewManager creates a manager in the Disconnected state
func NewManager(t device.Transport, opts *Options, onHeartRate HeartRateHandler, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	o := *opts
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}

	return &Manager{
		transport:   t,
		opts:        o,
		onHeartRate: onHeartRate,
		logger:      logger,
		state:       Disconnected,
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureConnected connects and subscribes to heart-rate notifications unless already connected.
// Callers arriving while an attempt is in flight wait for it and share its result.
func (m *Manager) EnsureConnected(ctx context.Context, ref device.Reference) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.tearingDown > 0 {
		m.mu.Unlock()
		return errAttemptAborted
	}
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		m.logger.Debug("Connect already in flight, waiting for it")
		return m.wait(ctx, a)
	}

	staleLink, staleSub := m.detachLocked()
	if err := m.transitionLocked(Connecting); err != nil {
		m.mu.Unlock()
		return err
	}
	gen := m.generation.Add(1)
	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.inflight = a
	m.mu.Unlock()

	m.release(staleLink, staleSub)

	m.logger.WithFields(logrus.Fields{
		"address":    ref.Address,
		"generation": gen,
	}).Info("Connecting to heart rate sensor...")

	link, sub, err := m.establish(attemptCtx, ref, gen)
	cancel()

	m.mu.Lock()
	if err == nil && (a.aborted || m.closed) {
		err = errAttemptAborted
		if m.closed {
			err = ErrClosed
		}
	} else if err == nil {
		m.link, m.sub = link, sub
		link, sub = nil, nil
		_ = m.transitionLocked(Connected)
		m.startMonitorLocked(m.link, gen)
	}
	if err != nil {
		_ = m.transitionLocked(Disconnected)
	}
	m.inflight = nil
	a.err = err
	close(a.done)
	m.mu.Unlock()

	// a link produced by an aborted attempt must not outlive it
	m.release(link, sub)

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": ref.Address,
			"error":   err,
		}).Warn("Failed to connect to heart rate sensor")
		return err
	}

	m.logger.WithField("address", ref.Address).Info("Heart rate sensor connected")
	return nil
}

func (m *Manager) wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// establish connects and subscribes; a link obtained before a failed subscribe is disconnected
func (m *Manager) establish(ctx context.Context, ref device.Reference, gen uint64) (device.Link, device.SubscriptionHandle, error) {
	link, err := m.transport.Connect(ctx, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", ref.Address, err)
	}

	sub, err := m.transport.Subscribe(ctx, link, device.HeartRateServiceUUID, device.HeartRateMeasurementUUID, m.notificationHandler(gen))
	if err != nil {
		m.transport.Disconnect(link)
		return nil, nil, fmt.Errorf("failed to subscribe to heart rate notifications: %w", err)
	}

	return link, sub, nil
}

// notificationHandler decodes heart-rate payloads for one link generation
func (m *Manager) notificationHandler(gen uint64) device.NotificationHandler {
	return func(data []byte) {
		if current := m.generation.Load(); current != gen {
			m.logger.WithFields(logrus.Fields{
				"generation": gen,
				"current":    current,
			}).Debug("Dropping notification from superseded link")
			return
		}

		meas, err := codec.DecodeMeasurement(data)
		if err != nil {
			bpm, hrErr := codec.DecodeHeartRate(data)
			if hrErr != nil {
				m.logger.WithFields(logrus.Fields{
					"payload": fmt.Sprintf("% x", data),
					"error":   hrErr,
				}).Warn("Discarding malformed heart rate notification")
				return
			}
			m.logger.WithError(err).Debug("Ignoring malformed optional measurement fields")
			meas = codec.Measurement{BPM: bpm}
		}

		m.logger.WithFields(logrus.Fields{
			"bpm":     meas.BPM,
			"contact": meas.Contact.String(),
			"rr":      len(meas.RRIntervals),
		}).Debug("Heart rate notification")
		m.deliver(meas)
	}
}

func (m *Manager) deliver(meas codec.Measurement) {
	if m.onHeartRate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("Heart rate handler panicked")
		}
	}()
	m.onHeartRate(meas)
}

// ReadBattery reads the battery level over the current link.
// Failures are wrapped in ErrBatteryUnavailable and never change the connection state.
func (m *Manager) ReadBattery(ctx context.Context) (int, error) {
	m.mu.Lock()
	state, link := m.state, m.link
	m.mu.Unlock()

	if state != Connected || link == nil {
		return 0, fmt.Errorf("%w: %w", ErrBatteryUnavailable, device.ErrNotConnected)
	}

	readCtx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()

	data, err := m.transport.ReadCharacteristic(readCtx, link, device.BatteryServiceUUID, device.BatteryLevelUUID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBatteryUnavailable, err)
	}

	level, err := codec.DecodeBatteryLevel(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBatteryUnavailable, err)
	}

	m.logger.WithField("battery", level).Debug("Read battery level")
	return level, nil
}

// Teardown aborts any in-flight attempt, unsubscribes and disconnects.
// It is idempotent and leaves the manager Disconnected; connects requested
// while it runs fail instead of starting a new attempt.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.tearingDown++
	for m.inflight != nil {
		a := m.inflight
		a.aborted = true
		a.cancel()
		m.mu.Unlock()
		<-a.done
		m.mu.Lock()
	}
	link, sub := m.detachLocked()
	m.tearingDown--
	m.mu.Unlock()

	if link != nil {
		m.logger.WithField("address", link.Address()).Info("Tearing down heart rate sensor connection")
	}
	m.release(link, sub)
}

// Close tears down and refuses further connects with ErrClosed.
// It returns once any in-flight attempt has unwound.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.Teardown()
	m.logger.Debug("Connection manager closed")
}

// detachLocked takes the live link out of the manager and invalidates its generation.
// It leaves an in-flight attempt untouched.
func (m *Manager) detachLocked() (device.Link, device.SubscriptionHandle) {
	if m.inflight != nil {
		return nil, nil
	}

	link, sub := m.link, m.sub
	m.link, m.sub = nil, nil
	if m.stopMonitor != nil {
		close(m.stopMonitor)
		m.stopMonitor = nil
	}
	if m.state == Connected {
		m.generation.Add(1)
		_ = m.transitionLocked(Disconnected)
	}
	return link, sub
}

// release unsubscribes and disconnects; both are best effort
func (m *Manager) release(link device.Link, sub device.SubscriptionHandle) {
	if sub != nil {
		m.transport.Unsubscribe(sub)
	}
	if link != nil {
		m.transport.Disconnect(link)
	}
}

// startMonitorLocked watches the link so a dropped peripheral moves the manager to Disconnected
func (m *Manager) startMonitorLocked(link device.Link, gen uint64) {
	stop := make(chan struct{})
	m.stopMonitor = stop

	groutine.Go(context.Background(), "hr-link-monitor", func(context.Context) {
		select {
		case <-link.Done():
			m.onLinkLost(link, gen)
		case <-stop:
		}
	})
}

func (m *Manager) onLinkLost(link device.Link, gen uint64) {
	m.mu.Lock()
	if m.link != link || m.generation.Load() != gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	link, sub := m.detachLocked()
	m.mu.Unlock()

	m.logger.WithField("address", link.Address()).Warn("Heart rate sensor link lost")
	m.release(link, sub)
}

func (m *Manager) transitionLocked(to State) error {
	from := m.state
	if from == to {
		return nil
	}
	if !from.CanTransition(to) {
		err := &TransitionError{From: from, To: to}
		m.logger.WithError(err).Error("Rejected connection state transition")
		return err
	}

	m.state = to
	m.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Connection state changed")
	return nil
}
