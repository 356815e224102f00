package coordinator_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/hrlink/internal/codec"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/srg/hrlink/internal/testutils/mocks"
	"github.com/srg/hrlink/pkg/connection"
	"github.com/srg/hrlink/pkg/coordinator"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

var errReadTimeout = &device.TransportError{Kind: device.KindTimeout, Op: "read", UUID: device.BatteryLevelUUID}

type CoordinatorTestSuite struct {
	suite.Suite

	helper      *testutils.TestHelper
	identity    device.Identity
	transport   *mocks.MockTransport
	coordinator *coordinator.Coordinator
}

func (s *CoordinatorTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = mocks.NewMockTransport()

	var err error
	s.identity, err = device.NewIdentity(testAddress, "Polar H10")
	s.Require().NoError(err)

	s.coordinator = s.newCoordinator(nil)
}

func (s *CoordinatorTestSuite) TearDownTest() {
	s.transport.On("Close").Return(nil).Maybe()
	s.transport.On("Unsubscribe", mock.Anything).Return().Maybe()
	s.transport.On("Disconnect", mock.Anything).Return().Maybe()
	_ = s.coordinator.Shutdown()
}

func (s *CoordinatorTestSuite) newCoordinator(resolver device.Resolver) *coordinator.Coordinator {
	return coordinator.New(s.identity, s.transport, &coordinator.Options{
		Interval: time.Hour,
		Connection: &connection.Options{
			ConnectTimeout: time.Second,
			ReadTimeout:    200 * time.Millisecond,
		},
		Resolver:         resolver,
		SubscriberBuffer: 8,
	}, s.helper.Logger)
}

// expectLink prepares one successful Connect + Subscribe and returns the link
func (s *CoordinatorTestSuite) expectLink() *mocks.FakeLink {
	link := mocks.NewFakeLink(testAddress)
	s.transport.On("Connect", mock.Anything, mock.Anything).Return(link, nil).Once()
	s.transport.On("Subscribe", mock.Anything, link, device.HeartRateServiceUUID, device.HeartRateMeasurementUUID, mock.Anything).
		Return(nil, nil).Once()
	s.transport.On("Unsubscribe", mock.Anything).Return().Maybe()
	s.transport.On("Disconnect", link).Return().Maybe()
	return link
}

func (s *CoordinatorTestSuite) expectBattery(link device.Link, data []byte, err error) {
	s.transport.On("ReadCharacteristic", mock.Anything, link, device.BatteryServiceUUID, device.BatteryLevelUUID).
		Return(data, err).Once()
}

func (s *CoordinatorTestSuite) next(sub *coordinator.Subscription) coordinator.Update {
	select {
	case u, ok := <-sub.C():
		s.Require().True(ok, "subscription MUST still be open")
		return u
	case <-time.After(time.Second):
		s.FailNow("no update published")
		return coordinator.Update{}
	}
}

func (s *CoordinatorTestSuite) TestHeartRateThenBattery() {
	// GOAL: Verify both data paths merge into one snapshot
	//
	// TEST SCENARIO: start (battery unavailable) → notification [0x00,0x46] → HR 70 published at once →
	//                next cycle battery [0x55] → Battery 85 with HR 70 retained

	sub := s.coordinator.Subscribe()
	link := s.expectLink()
	s.expectBattery(link, nil, errReadTimeout)

	s.Require().NoError(s.coordinator.Start(context.Background()), "first refresh MUST succeed")
	first := s.next(sub)
	s.True(first.Success, "first cycle MUST succeed even without battery")
	s.Nil(first.Snapshot.Battery, "battery MUST stay absent after failed read")
	s.Equal(connection.Connected, s.coordinator.State())

	s.Require().True(s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x46}))
	hr := s.next(sub)
	s.Equal(coordinator.SourceNotification, hr.Source, "notification MUST publish immediately")
	s.Require().NotNil(hr.Snapshot.HeartRate)
	s.Equal(70, *hr.Snapshot.HeartRate)

	s.expectBattery(link, []byte{0x55}, nil)
	s.Require().NoError(s.coordinator.Refresh(context.Background()))
	tick := s.next(sub)

	bpm, ok := tick.Snapshot.HeartRateValue()
	s.True(ok)
	s.Equal(70, bpm, "heart rate MUST survive the battery merge")
	level, ok := tick.Snapshot.BatteryValue()
	s.True(ok)
	s.Equal(85, level)
	s.Equal(tick.Snapshot, s.coordinator.Snapshot(), "published snapshot MUST match the stored one")
	s.transport.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *CoordinatorTestSuite) TestSixteenBitNotification() {
	// GOAL: Verify 16-bit heart-rate notifications reach the snapshot
	//
	// TEST SCENARIO: notification [0x01,0x4B,0x00] → HR 75

	link := s.expectLink()
	s.expectBattery(link, []byte{50}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))

	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x01, 0x4B, 0x00})

	bpm, ok := s.coordinator.Snapshot().HeartRateValue()
	s.True(ok)
	s.Equal(75, bpm)
}

func (s *CoordinatorTestSuite) TestMeasurementDetailsReachSnapshot() {
	// GOAL: Verify contact status and RR intervals travel with the heart rate
	//
	// TEST SCENARIO: notification [0x16,0x48,0x00,0x04] → HR 72, contact detected, RR 1s →
	//                RR flag without intervals [0x10,0x48] → HR 72 still published

	link := s.expectLink()
	s.expectBattery(link, []byte{50}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))

	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x16, 0x48, 0x00, 0x04})
	snap := s.coordinator.Snapshot()
	s.Require().NotNil(snap.HeartRate)
	s.Equal(72, *snap.HeartRate)
	s.Equal(codec.ContactDetected, snap.Contact)
	s.Equal([]time.Duration{time.Second}, snap.RRIntervals)

	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x10, 0x48})
	snap = s.coordinator.Snapshot()
	s.Equal(72, *snap.HeartRate, "heart rate MUST survive malformed optional fields")
	s.Equal(codec.ContactUnsupported, snap.Contact)
	s.Empty(snap.RRIntervals)
}

func (s *CoordinatorTestSuite) TestBatteryFailureKeepsPriorValue() {
	// GOAL: Verify a failed battery read keeps the previous battery value and the cycle succeeds
	//
	// TEST SCENARIO: battery 85 → next read times out → Battery still 85, LastUpdateSuccess true

	link := s.expectLink()
	s.expectBattery(link, []byte{0x55}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))

	s.expectBattery(link, nil, errReadTimeout)
	s.Require().NoError(s.coordinator.Refresh(context.Background()), "battery failure MUST NOT fail the cycle")

	level, ok := s.coordinator.Snapshot().BatteryValue()
	s.True(ok)
	s.Equal(85, level, "battery MUST keep its previous value")
	s.True(s.coordinator.LastUpdateSuccess())
	s.NoError(s.coordinator.LastError())
}

func (s *CoordinatorTestSuite) TestTimeoutThenRecovery() {
	// GOAL: Verify a timed-out cycle keeps prior values and the next cycle reconnects
	//
	// TEST SCENARIO: HR 70 / battery 85 → link lost → cycle N connect timeout → RefreshError, Disconnected,
	//                prior values → cycle N+1 → Connected, subscription re-established

	sub := s.coordinator.Subscribe()
	link := s.expectLink()
	s.expectBattery(link, []byte{0x55}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))
	s.next(sub)
	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x46})
	s.next(sub)
	before := s.coordinator.Snapshot()

	link.Drop()
	s.Eventually(func() bool {
		return s.coordinator.State() == connection.Disconnected
	}, time.Second, 5*time.Millisecond, "link loss MUST move the sensor to Disconnected")

	s.transport.On("Connect", mock.Anything, mock.Anything).
		Return(nil, &device.TransportError{Kind: device.KindTimeout, Op: "connect"}).Once()

	err := s.coordinator.Refresh(context.Background())

	var rerr *coordinator.RefreshError
	s.Require().ErrorAs(err, &rerr, "error MUST be RefreshError")
	s.ErrorIs(err, device.ErrTimeout, "cause MUST be the transport timeout")
	s.Equal(connection.Disconnected, s.coordinator.State())
	s.False(s.coordinator.LastUpdateSuccess())
	s.Equal(err, s.coordinator.LastError())
	s.Equal(before, s.coordinator.Snapshot(), "snapshot MUST be untouched by a failed cycle")

	failed := s.next(sub)
	s.False(failed.Success)
	s.ErrorAs(failed.Err, &rerr, "failed cycle MUST publish its RefreshError")
	s.Equal(before, failed.Snapshot)

	relink := s.expectLink()
	s.expectBattery(relink, []byte{0x54}, nil)
	s.Require().NoError(s.coordinator.Refresh(context.Background()), "next cycle MUST recover")
	s.Equal(connection.Connected, s.coordinator.State())
	s.True(s.coordinator.LastUpdateSuccess())
	s.transport.AssertNumberOfCalls(s.T(), "Subscribe", 2)

	s.True(s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x48}), "new subscription MUST be live")
	bpm, _ := s.coordinator.Snapshot().HeartRateValue()
	s.Equal(72, bpm)
}

func (s *CoordinatorTestSuite) TestSetupFailure() {
	// GOAL: Verify a failed first refresh is fatal and releases the transport
	//
	// TEST SCENARIO: Connect fails during Start → SetupError → transport closed → subscribers closed

	sub := s.coordinator.Subscribe()
	s.transport.On("Connect", mock.Anything, mock.Anything).
		Return(nil, &device.TransportError{Kind: device.KindDeviceUnavailable, Op: "connect"}).Once()
	s.transport.On("Close").Return(nil).Once()

	err := s.coordinator.Start(context.Background())

	var serr *coordinator.SetupError
	s.Require().ErrorAs(err, &serr, "error MUST be SetupError")
	s.ErrorIs(err, device.ErrDeviceUnavailable)
	s.transport.AssertCalled(s.T(), "Close")

	// drain the failure update, then the channel MUST be closed
	for range sub.C() {
	}
	s.ErrorIs(s.coordinator.Refresh(context.Background()), connection.ErrClosed, "refresh after setup failure MUST report closed")
}

func (s *CoordinatorTestSuite) TestShutdown() {
	// GOAL: Verify Shutdown releases everything exactly once
	//
	// TEST SCENARIO: running coordinator → Shutdown twice → link released, transport closed once,
	//                subscriber channels closed, late Subscribe gets a closed channel

	sub := s.coordinator.Subscribe()
	link := s.expectLink()
	s.expectBattery(link, []byte{90}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))
	s.transport.On("Close").Return(nil).Once()

	s.NoError(s.coordinator.Shutdown())
	s.NoError(s.coordinator.Shutdown())

	s.True(link.Dropped(), "link MUST be released")
	s.Equal(connection.Disconnected, s.coordinator.State())
	s.transport.AssertNumberOfCalls(s.T(), "Close", 1)

	s.next(sub)
	_, open := <-sub.C()
	s.False(open, "subscriber channel MUST be closed")

	late := s.coordinator.Subscribe()
	_, open = <-late.C()
	s.False(open, "subscription after shutdown MUST be closed")

	s.NotPanics(func() {
		s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x46})
	}, "notification after shutdown MUST be ignored")
}

func (s *CoordinatorTestSuite) TestShutdownDuringConnect() {
	// GOAL: Verify Shutdown interrupts an in-flight connect
	//
	// TEST SCENARIO: Connect blocks on ctx → Shutdown → Start returns SetupError promptly

	s.transport.On("Connect", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, &device.TransportError{Kind: device.KindDeviceUnavailable, Op: "connect", Err: context.Canceled}).Once()
	s.transport.On("Close").Return(nil).Once()

	started := make(chan error, 1)
	go func() { started <- s.coordinator.Start(context.Background()) }()

	s.Eventually(func() bool {
		return s.coordinator.State() == connection.Connecting
	}, time.Second, 5*time.Millisecond)

	s.NoError(s.coordinator.Shutdown())

	select {
	case err := <-started:
		var serr *coordinator.SetupError
		s.ErrorAs(err, &serr, "interrupted first refresh MUST surface as SetupError")
	case <-time.After(time.Second):
		s.FailNow("Start MUST return after Shutdown")
	}
	s.transport.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *CoordinatorTestSuite) TestListen() {
	// GOAL: Verify the callback form receives updates and stops after unsubscribe
	//
	// TEST SCENARIO: Listen → refresh → callback fires → stop → further updates not delivered

	got := make(chan coordinator.Update, 4)
	stop := s.coordinator.Listen(func(u coordinator.Update) { got <- u })

	link := s.expectLink()
	s.expectBattery(link, []byte{77}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))

	select {
	case u := <-got:
		level, _ := u.Snapshot.BatteryValue()
		s.Equal(77, level)
	case <-time.After(time.Second):
		s.FailNow("listener MUST receive the refresh update")
	}

	stop()
	stop()
	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x46})
	s.Never(func() bool { return len(got) > 0 }, 50*time.Millisecond, 10*time.Millisecond,
		"stopped listener MUST NOT receive updates")
}

func (s *CoordinatorTestSuite) TestListenerPanicRecovered() {
	// GOAL: Verify a panicking listener does not stop delivery to others
	//
	// TEST SCENARIO: panicking listener + healthy subscriber → both registered → subscriber still receives

	stop := s.coordinator.Listen(func(coordinator.Update) { panic("listener bug") })
	defer stop()
	sub := s.coordinator.Subscribe()

	link := s.expectLink()
	s.expectBattery(link, []byte{60}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))
	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x46})

	s.next(sub)
	u := s.next(sub)
	s.Equal(coordinator.SourceNotification, u.Source)
}

func (s *CoordinatorTestSuite) TestSlowSubscriberDropsOldest() {
	// GOAL: Verify publishing never blocks on a subscriber that does not read
	//
	// TEST SCENARIO: 20 notifications, nobody reading, buffer 8 → last 8 kept, 12+ dropped

	sub := s.coordinator.Subscribe()
	link := s.expectLink()
	s.expectBattery(link, []byte{60}, nil)
	s.Require().NoError(s.coordinator.Start(context.Background()))

	for bpm := 60; bpm < 80; bpm++ {
		s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, byte(bpm)})
	}

	s.GreaterOrEqual(sub.Dropped(), int64(12), "oldest updates MUST be dropped")
	var last coordinator.Update
	for len(sub.C()) > 0 {
		last = <-sub.C()
	}
	bpm, _ := last.Snapshot.HeartRateValue()
	s.Equal(79, bpm, "newest update MUST be kept")
}

func (s *CoordinatorTestSuite) TestResolverReference() {
	// GOAL: Verify each cycle uses the resolved reference and falls back to the cached one
	//
	// TEST SCENARIO: resolver returns RSSI -60 reference → Connect receives it; resolver empty later → cached used

	fresh := device.Reference{Address: testAddress, Name: "Polar H10 A1B2", RSSI: -60, Connectable: true}
	calls := 0
	resolver := device.ResolverFunc(func(ctx context.Context, id device.Identity) (device.Reference, bool) {
		calls++
		return fresh, calls == 1
	})
	s.coordinator = s.newCoordinator(resolver)

	link := mocks.NewFakeLink(testAddress)
	s.transport.On("Connect", mock.Anything, fresh).Return(link, nil).Twice()
	s.transport.On("Subscribe", mock.Anything, link, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	s.transport.On("Unsubscribe", mock.Anything).Return()
	s.transport.On("Disconnect", link).Return()
	s.transport.On("ReadCharacteristic", mock.Anything, link, mock.Anything, mock.Anything).Return([]byte{50}, nil)

	s.Require().NoError(s.coordinator.Start(context.Background()))
	s.transport.AssertCalled(s.T(), "Connect", mock.Anything, fresh)

	s.transport.On("Close").Return(nil)
	s.Require().NoError(s.coordinator.Refresh(context.Background()))
	s.Equal(2, calls, "resolver MUST be consulted every cycle")
}

func (s *CoordinatorTestSuite) TestTickerDrivesRefresh() {
	// GOAL: Verify the background loop refreshes on its interval
	//
	// TEST SCENARIO: 10ms interval → battery read repeatedly without explicit Refresh calls

	c := coordinator.New(s.identity, s.transport, &coordinator.Options{Interval: 10 * time.Millisecond}, s.helper.Logger)
	var reads atomic.Int32
	link := s.expectLink()
	s.transport.On("ReadCharacteristic", mock.Anything, link, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { reads.Add(1) }).
		Return([]byte{40}, nil)
	s.transport.On("Close").Return(nil)

	s.Require().NoError(c.Start(context.Background()))
	defer func() { _ = c.Shutdown() }()

	s.Eventually(func() bool {
		return reads.Load() >= 3
	}, time.Second, 10*time.Millisecond, "loop MUST keep refreshing")
}

func (s *CoordinatorTestSuite) TestStartContextCancelShutsDown() {
	// GOAL: Verify canceling Start's context stops all work and releases the link and transport
	//
	// TEST SCENARIO: Start(ctx) → cancel → Refresh reports closed without transport I/O →
	//                link disconnected, transport closed, subscription channel closed

	sub := s.coordinator.Subscribe()
	link := s.expectLink()
	s.expectBattery(link, []byte{40}, nil)
	s.transport.On("Close").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(s.coordinator.Start(ctx))
	s.next(sub)
	cancel()

	s.ErrorIs(s.coordinator.Refresh(context.Background()), connection.ErrClosed,
		"refresh after cancel MUST report closed")
	s.transport.AssertNumberOfCalls(s.T(), "ReadCharacteristic", 1)

	s.Eventually(func() bool {
		return s.coordinator.State() == connection.Disconnected && link.Dropped()
	}, time.Second, 5*time.Millisecond, "link MUST be released after cancel")

	select {
	case _, ok := <-sub.C():
		s.False(ok, "subscription MUST be closed after cancel")
	case <-time.After(time.Second):
		s.FailNow("subscription MUST be closed after cancel")
	}
	s.transport.AssertCalled(s.T(), "Close")

	s.transport.Notify(device.HeartRateMeasurementUUID, []byte{0x00, 0x46})
	s.Nil(s.coordinator.Snapshot().HeartRate, "notifications after cancel MUST NOT publish")
	s.Error(s.coordinator.Start(context.Background()), "second Start MUST fail")
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}
