package wand_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/wandkit/internal/connection"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/testutils"
	"github.com/srg/wandkit/internal/wand"
	"github.com/stretchr/testify/suite"
)

type WandTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	peripheral *testutils.FakePeripheral
	conn       *connection.Manager
	wand       *wand.Wand

	mu     sync.Mutex
	events []wand.Event
}

func (s *WandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.peripheral = testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	s.events = nil

	conn := connection.New(s.peripheral, nil, connection.Options{ConnectTimeout: time.Second}, s.helper.Logger)
	s.T().Cleanup(func() { _ = conn.Dispose(context.Background()) })
	s.conn = conn

	s.wand = wand.New(conn, s.helper.Logger)
	s.wand.OnEvent(func(e wand.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, e)
	})
}

func (s *WandTestSuite) recorded() []wand.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wand.Event(nil), s.events...)
}

// respondOnWrite notifies statuses on char whenever it is written.
func (s *WandTestSuite) respondOnWrite(char string, statuses ...byte) {
	s.peripheral.OnWrite(func(w testutils.WriteRecord) {
		if !w.Is(char) {
			return
		}
		for _, st := range statuses {
			s.peripheral.Notify(testutils.WandPositionService, char, []byte{st})
		}
	})
}

func (s *WandTestSuite) TestInformation() {
	ctx := context.Background()

	org, err := s.wand.Organisation(ctx)
	s.Require().NoError(err)
	s.Equal("Kano", org)

	sw, err := s.wand.SoftwareVersion(ctx)
	s.Require().NoError(err)
	s.Equal("1.2.3", sw)

	hw, err := s.wand.HardwareBuild(ctx)
	s.Require().NoError(err)
	s.Equal(uint8(2), hw)

	battery, err := s.wand.BatteryStatus(ctx)
	s.Require().NoError(err)
	s.Equal(uint8(1), battery)

	n, err := s.wand.Number(ctx)
	s.Require().NoError(err)
	s.Equal(uint8(7), n)
}

func (s *WandTestSuite) TestCommands() {
	// GOAL: Verify every IO command writes its documented payload
	//
	// TEST SCENARIO: Vibrate, SetLED, KeepAlive, ResetQuaternions, SetNumber, ResetPairing → payloads recorded

	ctx := context.Background()

	s.Require().NoError(s.wand.Vibrate(ctx, 3))
	s.Require().NoError(s.wand.SetLED(ctx, true, 0x00FF00))
	s.Require().NoError(s.wand.KeepAlive(ctx))
	s.Require().NoError(s.wand.ResetQuaternions(ctx))
	s.Require().NoError(s.wand.SetNumber(ctx, 4))
	s.Require().NoError(s.wand.ResetPairing(ctx))

	s.Equal([]byte{3}, s.peripheral.Value(testutils.WandIOService, testutils.WandVibrator))
	s.Equal([]byte{1, 0x07, 0xE0}, s.peripheral.Value(testutils.WandIOService, testutils.WandLED))
	s.Equal([]byte{1}, s.peripheral.Value(testutils.WandIOService, testutils.WandKeepAlive))
	s.Equal([]byte{1}, s.peripheral.Value(testutils.WandPositionService, testutils.WandResetQuaternions))
	s.Equal([]byte{4}, s.peripheral.Value(testutils.WandIOService, testutils.WandNumber))
	s.Equal([]byte{1}, s.peripheral.Value(testutils.WandIOService, testutils.WandResetPairing))

	led, err := s.wand.LEDStatus(ctx)
	s.Require().NoError(err)
	s.Equal(uint8(1), led)
}

func (s *WandTestSuite) TestPositionSubscriptionIsIdempotent() {
	// GOAL: Verify repeated position subscriptions hold one physical subscription and decode quaternions
	//
	// TEST SCENARIO: SubscribePosition twice → 1 physical subscribe → notification → one decoded event

	ctx := context.Background()
	s.Require().NoError(s.wand.SubscribePosition(ctx))
	s.Require().NoError(s.wand.SubscribePosition(ctx))
	s.Equal(1, s.peripheral.SubscribeCount(testutils.WandPositionService, testutils.WandQuaternions))

	s.True(s.peripheral.Notify(testutils.WandPositionService, testutils.WandQuaternions,
		[]byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0xFF, 0x7F}))
	// malformed payloads are dropped
	s.peripheral.Notify(testutils.WandPositionService, testutils.WandQuaternions, []byte{0x01})

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(wand.EventPosition, events[0].Type)
	s.Equal(wand.Position{W: 1, X: -1, Y: -32768, Z: 32767}, events[0].Position)

	s.Require().NoError(s.wand.UnsubscribePosition(ctx))
	s.Require().NoError(s.wand.UnsubscribePosition(ctx))
	s.Equal(1, s.peripheral.UnsubscribeCount(testutils.WandPositionService, testutils.WandQuaternions))
	s.False(s.wand.IsSubscribed(wand.EventPosition))
}

func (s *WandTestSuite) TestStreamsRearmAfterDisconnect() {
	// GOAL: Verify a manual disconnect drops wand streams so they can be subscribed again
	//
	// TEST SCENARIO: SubscribePosition → Disconnect → stream inactive → Setup → SubscribePosition →
	// second physical subscribe → notification decoded

	ctx := context.Background()
	s.Require().NoError(s.wand.SubscribePosition(ctx))
	s.Require().NoError(s.wand.SubscribeButton(ctx))

	s.Require().NoError(s.conn.Disconnect(ctx))
	s.False(s.wand.IsSubscribed(wand.EventPosition), "disconnect MUST drop the position stream")
	s.False(s.wand.IsSubscribed(wand.EventUserButton), "disconnect MUST drop the button stream")

	s.Require().NoError(s.conn.Setup(ctx))
	s.Require().NoError(s.wand.SubscribePosition(ctx))
	s.Equal(2, s.peripheral.SubscribeCount(testutils.WandPositionService, testutils.WandQuaternions),
		"resubscribing after disconnect MUST reach the transport")
	s.True(s.wand.IsSubscribed(wand.EventPosition))

	s.True(s.peripheral.Notify(testutils.WandPositionService, testutils.WandQuaternions,
		[]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(wand.Position{W: 2}, events[0].Position)
}

func (s *WandTestSuite) TestByteStreams() {
	ctx := context.Background()
	s.Require().NoError(s.wand.SubscribeButton(ctx))
	s.Require().NoError(s.wand.SubscribeBatteryStatus(ctx))
	s.Require().NoError(s.wand.SubscribeSleep(ctx))
	s.Require().NoError(s.wand.SubscribeTemperature(ctx))

	s.peripheral.Notify(testutils.WandIOService, testutils.WandButton, []byte{1})
	s.peripheral.Notify(testutils.WandIOService, testutils.WandBattery, []byte{0})
	s.peripheral.Notify(testutils.WandIOService, testutils.WandSleep, []byte{1})
	s.peripheral.Notify(testutils.WandPositionService, testutils.WandTemperature, []byte{0x19, 0x00})

	s.Equal([]wand.Event{
		{Type: wand.EventUserButton, Value: 1},
		{Type: wand.EventBatteryStatus, Value: 0},
		{Type: wand.EventSleep, Value: 1},
		{Type: wand.EventTemperature, Value: 25},
	}, s.recorded())

	s.Require().NoError(s.wand.UnsubscribeButton(ctx))
	s.False(s.peripheral.IsSubscribed(testutils.WandIOService, testutils.WandButton))
}

func (s *WandTestSuite) TestCalibrationRestoresPosition() {
	// GOAL: Verify calibration pauses the position stream and restores it after success
	//
	// TEST SCENARIO: Position subscribed → CalibrateGyroscope, status 1 then 2 → success →
	// calibration characteristic released, position subscribed again

	ctx := context.Background()
	s.respondOnWrite(testutils.WandCalibrateGyro, 1, 2)
	s.Require().NoError(s.wand.SubscribePosition(ctx))

	s.Require().NoError(s.wand.CalibrateGyroscope(ctx))

	s.Equal([]byte{1}, s.peripheral.Value(testutils.WandPositionService, testutils.WandCalibrateGyro))
	s.False(s.peripheral.IsSubscribed(testutils.WandPositionService, testutils.WandCalibrateGyro),
		"calibration subscription MUST be released")
	s.True(s.wand.IsSubscribed(wand.EventPosition))
	s.True(s.peripheral.IsSubscribed(testutils.WandPositionService, testutils.WandQuaternions))
	s.Equal(2, s.peripheral.SubscribeCount(testutils.WandPositionService, testutils.WandQuaternions))
}

func (s *WandTestSuite) TestCalibrationFailure() {
	// GOAL: Verify a failed calibration status surfaces ErrCalibrationFailed
	//
	// TEST SCENARIO: CalibrateMagnetometer, status 3 → ErrCalibrationFailed, position stays unsubscribed

	s.respondOnWrite(testutils.WandCalibrateMagneto, 3)

	err := s.wand.CalibrateMagnetometer(context.Background())

	s.ErrorIs(err, device.ErrCalibrationFailed)
	s.False(s.wand.IsSubscribed(wand.EventPosition))
	s.False(s.peripheral.IsSubscribed(testutils.WandPositionService, testutils.WandCalibrateMagneto))
}

func TestWandTestSuite(t *testing.T) {
	suite.Run(t, new(WandTestSuite))
}
