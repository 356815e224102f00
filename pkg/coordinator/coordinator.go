// Package coordinator merges the push (heart-rate notification) and pull
// (periodic battery read) data paths of one sensor into a single snapshot
// and fans every change out to subscribers.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/codec"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
	"github.com/srg/hrlink/internal/ringchan"
	"github.com/srg/hrlink/pkg/connection"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultInterval         = time.Second
	DefaultSubscriberBuffer = 16
)

// Options configures the coordinator
type Options struct {
	// Interval between refresh cycles
	Interval time.Duration
	// Connection timeouts passed to the connection manager
	Connection *connection.Options
	// Resolver re-resolves the device reference every cycle; nil keeps the identity's address
	Resolver device.Resolver
	// SubscriberBuffer is the per-subscription channel capacity
	SubscriberBuffer int
}

// DefaultOptions returns a one-second cadence with default connection timeouts
func DefaultOptions() *Options {
	return &Options{
		Interval:         DefaultInterval,
		Connection:       connection.DefaultOptions(),
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Coordinator drives the refresh cycle for one sensor and owns its snapshot.
type Coordinator struct {
	identity  device.Identity
	transport device.Transport
	opts      Options
	logger    *logrus.Logger
	manager   *connection.Manager

	// writeMu serializes snapshot replacement; readers load the pointer without locking
	writeMu  sync.Mutex
	snapshot atomic.Pointer[Snapshot]

	// cycleMu allows at most one refresh cycle at a time and guards ref
	cycleMu sync.Mutex
	ref     device.Reference

	statusMu    sync.RWMutex
	lastSuccess bool
	lastErr     error

	subsMu sync.Mutex
	subs   *orderedmap.OrderedMap[uint64, *Subscription]
	nextID uint64
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	loopMu   sync.Mutex
	loopDone <-chan struct{}
	parent   context.Context

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a coordinator; nothing touches the radio until Start or Refresh.
func New(identity device.Identity, t device.Transport, opts *Options, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	o := *opts
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		identity:  identity,
		transport: t,
		opts:      o,
		logger:    logger,
		ref:       device.ReferenceFor(identity),
		subs:      orderedmap.New[uint64, *Subscription](),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.snapshot.Store(&Snapshot{})
	c.manager = connection.NewManager(t, o.Connection, c.onHeartRate, logger)
	return c
}

// Identity returns the sensor this coordinator serves
func (c *Coordinator) Identity() device.Identity {
	return c.identity
}

// Start runs the first refresh synchronously, then refreshes every Interval
// until ctx is canceled or Shutdown is called. Canceling ctx shuts the
// coordinator down. A failed first refresh shuts the coordinator down and is
// returned as *SetupError.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	if c.ctx.Err() != nil {
		return connection.ErrClosed
	}

	c.loopMu.Lock()
	c.parent = ctx
	c.loopMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.logger.Debug("Start context canceled")
		_ = c.Shutdown()
	})

	c.logger.WithFields(logrus.Fields{
		"device":   c.identity.String(),
		"interval": c.opts.Interval,
	}).Info("Starting heart rate coordinator")

	if err := c.Refresh(c.ctx); err != nil {
		stop()
		c.logger.WithError(err).Error("Initial refresh failed, releasing transport")
		_ = c.Shutdown()
		return &SetupError{Cause: err}
	}

	c.loopMu.Lock()
	c.loopDone = groutine.Go(c.ctx, "hr-coordinator", c.loop)
	c.loopMu.Unlock()
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Coordinator loop stopped")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.WithError(err).Warn("Refresh failed, retrying next tick")
			}
		}
	}
}

// Refresh runs one update cycle: resolve, ensure connected, read battery, publish.
// Cycles are serialized; a failure leaves the snapshot untouched and is returned as *RefreshError.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.stopping() {
		return &RefreshError{Cause: connection.ErrClosed}
	}

	ref := c.resolveLocked(ctx)

	if err := c.manager.EnsureConnected(ctx, ref); err != nil {
		rerr := &RefreshError{Cause: err}
		c.commit(nil, SourceRefresh, rerr)
		return rerr
	}

	var merge func(Snapshot) *Snapshot
	level, err := c.manager.ReadBattery(ctx)
	if err != nil {
		c.logger.WithError(err).Debug("Battery read failed, keeping previous value")
	} else {
		merge = func(s Snapshot) *Snapshot { return s.withBattery(level, time.Now()) }
	}

	c.commit(merge, SourceRefresh, nil)
	return nil
}

// stopping reports whether Shutdown ran or the context given to Start is done
func (c *Coordinator) stopping() bool {
	if c.ctx.Err() != nil {
		return true
	}
	c.loopMu.Lock()
	parent := c.parent
	c.loopMu.Unlock()
	return parent != nil && parent.Err() != nil
}

// resolveLocked picks the freshest reference, falling back to the last known one
func (c *Coordinator) resolveLocked(ctx context.Context) device.Reference {
	if c.opts.Resolver == nil {
		return c.ref
	}

	ref, ok := c.opts.Resolver.Resolve(ctx, c.identity)
	if !ok {
		c.logger.WithField("address", c.identity.Address).Debug("No fresh device reference, using cached one")
		return c.ref
	}
	if ref.Address == "" {
		ref.Address = c.identity.Address
	}
	c.ref = ref
	return ref
}

// onHeartRate is the notification path; it publishes immediately, independent of the ticker
func (c *Coordinator) onHeartRate(m codec.Measurement) {
	if c.stopping() {
		return
	}
	c.commit(func(s Snapshot) *Snapshot { return s.withMeasurement(m, time.Now()) }, SourceNotification, nil)
}

// commit swaps in the snapshot derived by next (if any), records the outcome and
// publishes it. Holding writeMu throughout keeps delivery order equal to write order.
func (c *Coordinator) commit(next func(Snapshot) *Snapshot, src Source, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	snap := c.snapshot.Load()
	if next != nil {
		snap = next(*snap)
		c.snapshot.Store(snap)
	}

	c.setStatus(err == nil, err)
	c.publish(Update{Snapshot: *snap, Source: src, Success: err == nil, Err: err})
}

// Snapshot returns the latest merged values without blocking
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

func (c *Coordinator) setStatus(success bool, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastSuccess = success
	c.lastErr = err
}

// LastUpdateSuccess reports whether the most recent cycle or notification succeeded
func (c *Coordinator) LastUpdateSuccess() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastSuccess
}

// LastError returns the *RefreshError of the most recent failed cycle, nil after a success
func (c *Coordinator) LastError() error {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastErr
}

// State returns the connection state of the sensor
func (c *Coordinator) State() connection.State {
	return c.manager.State()
}

// Subscribe registers a new subscriber. After Shutdown the returned channel is already closed.
func (c *Coordinator) Subscribe() *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextID++
	sub := &Subscription{id: c.nextID, owner: c}
	sub.ring = ringchan.New[Update](c.opts.SubscriberBuffer)
	if c.closed {
		sub.ring.Close()
		return sub
	}
	c.subs.Set(sub.id, sub)
	return sub
}

// Listen calls fn for every update on a dedicated goroutine until the returned func is called.
// Panics in fn are recovered and logged.
func (c *Coordinator) Listen(fn func(Update)) func() {
	sub := c.Subscribe()
	done := groutine.Go(context.Background(), "hr-listener", func(context.Context) {
		for u := range sub.C() {
			c.invoke(fn, u)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			<-done
		})
	}
}

func (c *Coordinator) invoke(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("Update listener panicked")
		}
	}()
	fn(u)
}

func (c *Coordinator) unsubscribe(id uint64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs.Delete(id)
}

// publish delivers u to every subscriber in registration order; it never blocks
func (c *Coordinator) publish(u Update) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for pair := c.subs.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.deliver(u)
	}

	c.logger.WithFields(logrus.Fields{
		"source":      u.Source.String(),
		"success":     u.Success,
		"subscribers": c.subs.Len(),
	}).Debug("Published update")
}

// Shutdown stops the loop, interrupts in-flight work, closes the connection and
// the transport, and closes every subscriber channel. Idempotent.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.logger.WithField("device", c.identity.String()).Info("Shutting down heart rate coordinator")

		c.cancel()
		c.manager.Close()

		c.loopMu.Lock()
		loopDone := c.loopDone
		c.loopMu.Unlock()
		if loopDone != nil {
			<-loopDone
		}

		// no cycle is running past this point
		c.cycleMu.Lock()
		c.cycleMu.Unlock()

		if c.transport != nil {
			if err := c.transport.Close(); err != nil {
				c.logger.WithError(err).Warn("Failed to close transport")
				c.shutdownErr = err
			}
		}

		c.subsMu.Lock()
		c.closed = true
		for pair := c.subs.Oldest(); pair != nil; pair = pair.Next() {
			pair.Value.ring.Close()
		}
		c.subs = orderedmap.New[uint64, *Subscription]()
		c.subsMu.Unlock()
	})
	return c.shutdownErr
}
