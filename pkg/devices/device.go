package devices

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/connection"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/dfu"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/wand"
	"github.com/srg/wandkit/pkg/config"
)

// Kind tells which protocol a device speaks.
type Kind string

const (
	KindWand Kind = "wand"
	KindDFU  Kind = "dfu"
)

// EventType names a device event.
type EventType string

const (
	EventConnect        EventType = "connect"
	EventConnecting     EventType = "connecting"
	EventReconnecting   EventType = "reconnecting"
	EventDisconnect     EventType = "disconnect"
	EventPosition       EventType = "position"
	EventUserButton     EventType = "user-button"
	EventBatteryStatus  EventType = "battery-status"
	EventSleep          EventType = "sleep"
	EventTemperature    EventType = "temperature"
	EventUpdateProgress EventType = "update-progress"
)

// Event is emitted by a Device. Only the fields relevant to Type are set:
// State for connection events, Position for position, Value for the byte
// streams and temperature, Progress for update-progress.
type Event struct {
	Type     EventType
	Device   *Device
	State    connection.State
	Position wand.Position
	Value    int
	Progress dfu.Transfer
}

// Connectable devices own a managed link.
type Connectable interface {
	Setup(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() connection.State
}

// Subscribable devices emit events.
type Subscribable interface {
	OnEvent(fn func(Event)) func()
}

// DfuCapable devices accept firmware updates.
type DfuCapable interface {
	SetDfuMode(ctx context.Context) (string, error)
	Update(ctx context.Context, init, firmware []byte) error
	OnProgress(fn func(dfu.Transfer)) func()
}

var (
	_ Connectable  = (*Device)(nil)
	_ Subscribable = (*Device)(nil)
	_ DfuCapable   = (*Device)(nil)
)

// Device is one peripheral under management.
type Device struct {
	id     string
	kind   Kind
	conn   *connection.Manager
	wand   *wand.Wand
	dfu    *dfu.Engine
	events *events.Bus[Event]
}

func newDevice(id string, kind Kind, p device.Peripheral, locator connection.Locator, cfg *config.Config, logger *logrus.Logger) *Device {
	conn := connection.New(p, locator, connection.Options{
		ConnectTimeout:   cfg.ConnectTimeout,
		SettleDelay:      cfg.SettleDelay,
		ReconnectTimeout: cfg.ReconnectTimeout,
	}, logger)

	d := &Device{
		id:     id,
		kind:   kind,
		conn:   conn,
		events: events.NewBus[Event](),
		dfu: dfu.New(conn, dfu.Options{
			ReceiptStride: cfg.ReceiptStride,
			NameDelay:     cfg.DfuNameDelay,
		}, logger),
	}

	conn.OnEvent(func(e connection.Event) {
		d.events.Emit(Event{Type: EventType(e.Type), Device: d, State: e.State})
	})

	if kind == KindWand {
		d.wand = wand.New(conn, logger)
		d.wand.OnEvent(func(e wand.Event) {
			d.events.Emit(Event{Type: EventType(e.Type), Device: d, Position: e.Position, Value: e.Value})
		})
	}
	return d
}

func (d *Device) ID() string      { return d.id }
func (d *Device) Kind() Kind      { return d.kind }
func (d *Device) Name() string    { return d.conn.Peripheral().Name() }
func (d *Device) Address() string { return d.conn.Peripheral().Address() }

// Wand returns the wand protocol of a wand device, nil for other kinds.
func (d *Device) Wand() *wand.Wand { return d.wand }

// DFU returns the firmware update engine bound to this device's link.
func (d *Device) DFU() *dfu.Engine { return d.dfu }

func (d *Device) State() connection.State { return d.conn.State() }

// Profile returns the GATT profile discovered by the last Setup, nil when not set up.
func (d *Device) Profile() *device.Profile { return d.conn.Profile() }

// OnEvent registers fn for every device event and returns its unsubscribe function.
func (d *Device) OnEvent(fn func(Event)) func() {
	return d.events.Subscribe(fn)
}

// Events returns a ring-buffered channel of the device events. A slow reader
// loses the oldest events instead of stalling the connection. The returned
// function stops delivery and closes the channel.
func (d *Device) Events(capacity int) (*events.RingChannel[Event], func()) {
	return d.events.Stream(capacity)
}

func (d *Device) emit(e Event) {
	e.Device = d
	d.events.Emit(e)
}

func (d *Device) Setup(ctx context.Context) error      { return d.conn.Setup(ctx) }
func (d *Device) Disconnect(ctx context.Context) error { return d.conn.Disconnect(ctx) }

// Dispose disconnects the device and releases every listener. A registered
// device is removed from its registry.
func (d *Device) Dispose(ctx context.Context) error {
	err := d.conn.Dispose(ctx)
	d.events.Reset()
	return err
}

// SetDfuMode resets a wand into its bootloader and returns the name the
// bootloader advertises.
func (d *Device) SetDfuMode(ctx context.Context) (string, error) {
	if d.kind != KindWand {
		return "", fmt.Errorf("%s device cannot enter DFU mode: %w", d.kind, ErrUnsupported)
	}
	return d.dfu.SetDfuMode(ctx)
}

// Update transfers an init packet and firmware to a device in bootloader mode.
func (d *Device) Update(ctx context.Context, init, firmware []byte) error {
	return d.dfu.Update(ctx, init, firmware)
}

func (d *Device) OnProgress(fn func(dfu.Transfer)) func() {
	return d.dfu.OnProgress(fn)
}

// BluetoothInfo is the transport part of Info.
type BluetoothInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Info is the serialisable description of a device.
type Info struct {
	ID        string        `json:"id"`
	Address   string        `json:"address"`
	Type      Kind          `json:"type"`
	Bluetooth BluetoothInfo `json:"bluetooth"`
}

func (d *Device) JSON() Info {
	p := d.conn.Peripheral()
	return Info{
		ID:      d.id,
		Address: p.Address(),
		Type:    d.kind,
		Bluetooth: BluetoothInfo{
			Name:    p.Name(),
			Address: p.Address(),
		},
	}
}

func (d *Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.JSON())
}
