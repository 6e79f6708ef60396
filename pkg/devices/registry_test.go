package devices_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/srg/wandkit/internal/testutils"
	"github.com/srg/wandkit/pkg/config"
	"github.com/srg/wandkit/pkg/devices"
	"github.com/srg/wandkit/pkg/dfupackage"
	"github.com/stretchr/testify/suite"
)

type eventLog struct {
	mu     sync.Mutex
	events []devices.Event
}

func (l *eventLog) record(e devices.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t devices.EventType) []devices.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []devices.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) types() []devices.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]devices.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type RegistryTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	adapter *testutils.FakeAdapter
	cfg     *config.Config
}

func (s *RegistryTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.adapter = testutils.NewFakeAdapter()

	s.cfg = config.DefaultConfig()
	s.cfg.SettleDelay = 0
	s.cfg.ConnectTimeout = time.Second
	s.cfg.ClosestWindow = 200 * time.Millisecond
	s.cfg.DfuNameDelay = 10 * time.Millisecond
	s.cfg.DfuSearchTimeout = 2 * time.Second
}

func (s *RegistryTestSuite) newRegistry(opts devices.Options) *devices.Registry {
	opts.Config = s.cfg
	r := devices.New(s.adapter, opts, s.helper.Logger)
	s.T().Cleanup(func() { _ = r.Terminate(context.Background()) })
	return r
}

func (s *RegistryTestSuite) TestSearchRegistersDeviceOnce() {
	// GOAL: Verify discovered wands are registered once per address
	//
	// TEST SCENARIO: Search twice for the same wand → same device, one new-device event, sequential id

	wand := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	s.adapter.AdvertiseOnScan(wand, -50, 5*time.Millisecond)
	r := s.newRegistry(devices.Options{})

	var mu sync.Mutex
	var added []*devices.Device
	r.OnNewDevice(func(d *devices.Device) {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, d)
	})

	ctx := context.Background()
	d1, err := r.SearchForDevice(ctx, "Kano-Wand", time.Second)
	s.Require().NoError(err)
	d2, err := r.SearchForDevice(ctx, "Kano-Wand", time.Second)
	s.Require().NoError(err)

	s.Same(d1, d2, "same address MUST map to the same device")
	s.Equal("1", d1.ID())
	s.Equal(devices.KindWand, d1.Kind())
	s.NotNil(d1.Wand())

	mu.Lock()
	s.Len(added, 1, "new-device MUST fire once per address")
	mu.Unlock()

	got, ok := r.GetByID("1")
	s.True(ok)
	s.Same(d1, got)
	s.Len(r.All(), 1)
}

func (s *RegistryTestSuite) TestSearchForClosestDevice() {
	// GOAL: Verify the closest wand wins over the observation window
	//
	// TEST SCENARIO: wands at -70 and -40 dBm → the -40 dBm wand is registered

	far := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-far")
	near := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:02", "Kano-Wand-near")
	other := testutils.NewFakePeripheral("AA:BB:CC:DD:EE:03", "Speaker")
	s.adapter.
		AdvertiseOnScan(far, -70, 5*time.Millisecond).
		AdvertiseOnScan(near, -40, 10*time.Millisecond).
		AdvertiseOnScan(other, -10, 10*time.Millisecond)
	r := s.newRegistry(devices.Options{})

	d, err := r.SearchForClosestDevice(context.Background(), devices.DeviceTypeWand, 0)

	s.Require().NoError(err)
	s.Equal("AA:BB:CC:DD:EE:02", d.Address())

	_, err = r.SearchForClosestDevice(context.Background(), "lamp", 0)
	s.Error(err)
}

func (s *RegistryTestSuite) TestSearchTimeout() {
	r := s.newRegistry(devices.Options{})

	_, err := r.SearchForDevice(context.Background(), "Kano-Wand", 50*time.Millisecond)

	s.ErrorIs(err, devices.ErrDeviceNotFound)
	s.Empty(r.All())
}

func (s *RegistryTestSuite) TestDeviceEventsForwarded() {
	// GOAL: Verify connection and wand events surface on the device
	//
	// TEST SCENARIO: Setup → button subscription → notification → connecting, connect, user-button

	wand := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	s.adapter.AdvertiseOnScan(wand, -50, 5*time.Millisecond)
	r := s.newRegistry(devices.Options{})

	ctx := context.Background()
	d, err := r.SearchForDevice(ctx, "Kano-Wand", time.Second)
	s.Require().NoError(err)

	log := &eventLog{}
	d.OnEvent(log.record)
	stream, closeStream := d.Events(8)
	defer closeStream()

	s.Require().NoError(d.Setup(ctx))
	s.Require().NoError(d.Wand().SubscribeButton(ctx))
	wand.Notify(testutils.WandIOService, testutils.WandButton, []byte{1})

	s.Equal([]devices.EventType{devices.EventConnecting, devices.EventConnect, devices.EventUserButton}, log.types())
	s.Equal(3, stream.Len(), "event stream MUST buffer every device event")
	s.Equal(1, log.ofType(devices.EventUserButton)[0].Value)
	s.Same(d, log.ofType(devices.EventUserButton)[0].Device)
}

func (s *RegistryTestSuite) TestDiscoveryStream() {
	// GOAL: Verify watcher discoveries reach the registry discovery stream
	wand := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	s.adapter.AdvertiseOnScan(wand, -50, 5*time.Millisecond)
	r := s.newRegistry(devices.Options{})

	stream, closeStream := r.DiscoveryStream(4)
	defer closeStream()

	_, err := r.SearchForDevice(context.Background(), "Kano-Wand", time.Second)
	s.Require().NoError(err)

	select {
	case ev := <-stream.C():
		s.Equal("AA:BB:CC:DD:EE:01", ev.Device.Address())
	case <-time.After(time.Second):
		s.Fail("discovery stream MUST deliver the advertisement")
	}
}

func (s *RegistryTestSuite) TestDeviceJSON() {
	wand := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	r := s.newRegistry(devices.Options{})

	d, added := r.AddDevice(wand, devices.KindWand)
	s.Require().True(added)

	raw, err := json.Marshal(d)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(string(raw), `{
		"id": "1",
		"address": "AA:BB:CC:DD:EE:01",
		"type": "wand",
		"bluetooth": {"name": "Kano-Wand-1", "address": "AA:BB:CC:DD:EE:01"}
	}`)
}

func (s *RegistryTestSuite) TestUUIDGenerator() {
	r := s.newRegistry(devices.Options{IDs: devices.UUIDGenerator{}})

	d, _ := r.AddDevice(testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1"), devices.KindWand)

	_, err := uuid.Parse(d.ID())
	s.NoError(err, "id MUST be a UUID")
}

func (s *RegistryTestSuite) TestRemoveAndTerminate() {
	// GOAL: Verify disposed devices leave the registry
	//
	// TEST SCENARIO: Remove one connected device, Terminate the rest → registry empty, links closed

	ctx := context.Background()
	first := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	second := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:02", "Kano-Wand-2")
	r := s.newRegistry(devices.Options{})

	d1, _ := r.AddDevice(first, devices.KindWand)
	d2, _ := r.AddDevice(second, devices.KindWand)
	s.Require().NoError(d1.Setup(ctx))
	s.Require().NoError(d2.Setup(ctx))

	s.Require().NoError(r.Remove(ctx, d1.ID()))
	s.False(first.IsConnected())
	_, ok := r.GetByID(d1.ID())
	s.False(ok)
	s.ErrorIs(r.Remove(ctx, d1.ID()), devices.ErrDeviceNotFound)

	// a removed address can be registered again
	again, added := r.AddDevice(first, devices.KindWand)
	s.True(added)
	s.NotEqual(d1.ID(), again.ID())

	s.Require().NoError(r.Terminate(ctx))
	s.Empty(r.All())
	s.False(second.IsConnected())
}

func (s *RegistryTestSuite) TestUpdateWithoutExtractor() {
	r := s.newRegistry(devices.Options{})
	d, _ := r.AddDevice(testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1"), devices.KindWand)

	err := r.UpdateDFUDevice(context.Background(), d, []byte("zip"))

	s.ErrorIs(err, devices.ErrDfuUnsupported)
}

func (s *RegistryTestSuite) TestUpdateDFUDevice() {
	// GOAL: Verify the complete firmware update of a wand
	//
	// TEST SCENARIO: wand reset into bootloader → bootloader found by derived name → init and
	// firmware transferred with progress on the wand device → wand set up again with its
	// subscriptions, no reconnect attempted during the reset

	ctx := context.Background()
	wand := testutils.NewWandPeripheral("AA:BB:CC:DD:EE:01", "Kano-Wand-1")
	buttonless := testutils.AttachButtonless(wand, nil)
	target := testutils.NewDfuTarget("AA:BB:CC:DD:EE:02", "DFU-EE-01", testutils.DfuTargetOptions{})
	s.adapter.
		AdvertiseOnScan(wand, -50, 5*time.Millisecond).
		AdvertiseOnScan(target.FakePeripheral, -45, 30*time.Millisecond)

	r := s.newRegistry(devices.Options{Extractor: dfupackage.ZipExtractor{}})

	d, err := r.SearchForDevice(ctx, "Kano-Wand", time.Second)
	s.Require().NoError(err)
	s.Require().NoError(d.Setup(ctx))
	s.Require().NoError(d.Wand().SubscribeButton(ctx))

	log := &eventLog{}
	d.OnEvent(log.record)

	initPacket := bytes.Repeat([]byte{0xA5}, 100)
	firmware := make([]byte, 300)
	for i := range firmware {
		firmware[i] = byte(i)
	}
	pkg := buildPackage(s.T(), initPacket, firmware)

	s.Require().NoError(r.UpdateDFUDevice(ctx, d, pkg))

	s.Equal("DFU-EE-01", buttonless.DfuName())
	s.Equal(initPacket, target.ReceivedInit())
	s.Equal(firmware, target.ReceivedFirmware())
	s.False(target.IsConnected(), "DFU target MUST be released")

	progress := log.ofType(devices.EventUpdateProgress)
	s.Require().Len(progress, 20, "one progress event per 20-byte packet")
	last := progress[len(progress)-1].Progress
	s.Equal(300, last.TotalBytes)
	s.Equal(300, last.CurrentBytes)
	s.Equal("firmware", string(last.Phase))

	s.NotContains(log.types(), devices.EventReconnecting, "intentional reset MUST NOT trigger a reconnect")
	s.Equal(devices.EventConnect, log.types()[len(log.types())-1], "wand MUST be set up again")
	s.Equal(2, wand.ConnectCount())
	s.Equal(2, wand.SubscribeCount(testutils.WandIOService, testutils.WandButton),
		"button subscription MUST be re-armed after the update")
	s.Len(r.All(), 1, "DFU target MUST NOT be registered")
}

func buildPackage(t *testing.T, initPacket, firmware []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string][]byte{
		"manifest.json": []byte(`{"manifest":{"application":{"bin_file":"app.bin","dat_file":"app.dat"}}}`),
		"app.dat":       initPacket,
		"app.bin":       firmware,
	}
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
