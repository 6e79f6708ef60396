// Package wand implements the wand GATT protocol on top of a connection:
// information reads, IO commands, sensor streams and calibration.
package wand

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/subscription"
)

// Conn is the part of connection.Manager the wand protocol uses.
type Conn interface {
	Read(ctx context.Context, service, char string) ([]byte, error)
	Write(ctx context.Context, service, char string, data []byte) error
	Subscribe(ctx context.Context, service, char string, handler subscription.Handler) (subscription.Token, error)
	Unsubscribe(ctx context.Context, tok subscription.Token) error
	Active(tok subscription.Token) bool
}

// EventType names a wand notification stream.
type EventType string

const (
	EventPosition      EventType = "position"
	EventUserButton    EventType = "user-button"
	EventBatteryStatus EventType = "battery-status"
	EventSleep         EventType = "sleep"
	EventTemperature   EventType = "temperature"
)

// Event is one decoded notification. Position is set for EventPosition, Value
// for the other streams.
type Event struct {
	Type     EventType
	Position Position
	Value    int
}

type stream struct {
	service string
	char    string
	decode  func([]byte) (Event, error)
}

func byteStream(t EventType, service, char string) stream {
	return stream{service: service, char: char, decode: func(data []byte) (Event, error) {
		v, err := decodeByte(data)
		return Event{Type: t, Value: int(v)}, err
	}}
}

var streams = map[EventType]stream{
	EventPosition: {service: PositionService, char: QuaternionsChar, decode: func(data []byte) (Event, error) {
		p, err := decodePosition(data)
		return Event{Type: EventPosition, Position: p}, err
	}},
	EventTemperature: {service: PositionService, char: TemperatureChar, decode: func(data []byte) (Event, error) {
		t, err := decodeTemperature(data)
		return Event{Type: EventTemperature, Value: int(t)}, err
	}},
	EventUserButton:    byteStream(EventUserButton, IOService, UserButtonChar),
	EventBatteryStatus: byteStream(EventBatteryStatus, IOService, BatteryStatusChar),
	EventSleep:         byteStream(EventSleep, IOService, SleepChar),
}

// Wand drives one wand over conn.
type Wand struct {
	conn   Conn
	logger *logrus.Logger
	events *events.Bus[Event]

	// subMu serialises stream subscription changes so each stream is held once.
	subMu  sync.Mutex
	tokens map[EventType]subscription.Token

	calibrateMu sync.Mutex
}

func New(conn Conn, logger *logrus.Logger) *Wand {
	if logger == nil {
		logger = logrus.New()
	}
	return &Wand{
		conn:   conn,
		logger: logger,
		events: events.NewBus[Event](),
		tokens: make(map[EventType]subscription.Token),
	}
}

// OnEvent registers fn for decoded notifications and returns its unsubscribe function.
func (w *Wand) OnEvent(fn func(Event)) func() {
	return w.events.Subscribe(fn)
}

// --- Information ---

func (w *Wand) readString(ctx context.Context, service, char string) (string, error) {
	data, err := w.conn.Read(ctx, service, char)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *Wand) readByte(ctx context.Context, service, char string) (uint8, error) {
	data, err := w.conn.Read(ctx, service, char)
	if err != nil {
		return 0, err
	}
	v, err := decodeByte(data)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", device.ShortenUUID(char), err)
	}
	return v, nil
}

func (w *Wand) Organisation(ctx context.Context) (string, error) {
	return w.readString(ctx, InfoService, OrganisationChar)
}

func (w *Wand) SoftwareVersion(ctx context.Context) (string, error) {
	return w.readString(ctx, InfoService, SoftwareVersionChar)
}

func (w *Wand) HardwareBuild(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, InfoService, HardwareBuildChar)
}

// --- IO ---

func (w *Wand) BatteryStatus(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, IOService, BatteryStatusChar)
}

func (w *Wand) ButtonStatus(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, IOService, UserButtonChar)
}

func (w *Wand) VibratorStatus(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, IOService, VibratorChar)
}

func (w *Wand) LEDStatus(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, IOService, LEDChar)
}

func (w *Wand) SleepStatus(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, IOService, SleepChar)
}

func (w *Wand) Number(ctx context.Context) (uint8, error) {
	return w.readByte(ctx, IOService, WandNumberChar)
}

func (w *Wand) SetNumber(ctx context.Context, n uint8) error {
	return w.conn.Write(ctx, IOService, WandNumberChar, []byte{n})
}

func (w *Wand) ResetPairing(ctx context.Context) error {
	return w.conn.Write(ctx, IOService, ResetPairingChar, []byte{1})
}

// Vibrate plays one of the wand's built-in vibration patterns.
func (w *Wand) Vibrate(ctx context.Context, pattern uint8) error {
	return w.conn.Write(ctx, IOService, VibratorChar, []byte{pattern})
}

// SetLED switches the LED with a 0xRRGGBB color, sent as RGB565.
func (w *Wand) SetLED(ctx context.Context, on bool, color uint32) error {
	return w.conn.Write(ctx, IOService, LEDChar, ledPayload(on, color))
}

func (w *Wand) KeepAlive(ctx context.Context) error {
	return w.conn.Write(ctx, IOService, KeepAliveChar, []byte{1})
}

// --- Position ---

func (w *Wand) ResetQuaternions(ctx context.Context) error {
	return w.conn.Write(ctx, PositionService, ResetQuaternionsChar, []byte{1})
}

// --- Streams ---

// Subscribe enables the notification stream t. Subscribing an already active
// stream is a no-op.
func (w *Wand) Subscribe(ctx context.Context, t EventType) error {
	st, ok := streams[t]
	if !ok {
		return fmt.Errorf("unknown wand stream %q", t)
	}

	w.subMu.Lock()
	defer w.subMu.Unlock()
	if _, active := w.activeLocked(t); active {
		return nil
	}

	tok, err := w.conn.Subscribe(ctx, st.service, st.char, func(data []byte) {
		ev, err := st.decode(data)
		if err != nil {
			w.logger.WithError(err).WithField("stream", string(t)).Warn("Dropping malformed notification")
			return
		}
		w.events.Emit(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", t, err)
	}
	w.tokens[t] = tok
	return nil
}

// Unsubscribe disables the notification stream t. The stream stays active if the
// unsubscribe fails.
func (w *Wand) Unsubscribe(ctx context.Context, t EventType) error {
	if _, ok := streams[t]; !ok {
		return fmt.Errorf("unknown wand stream %q", t)
	}

	w.subMu.Lock()
	defer w.subMu.Unlock()
	tok, active := w.activeLocked(t)
	if !active {
		return nil
	}
	if err := w.conn.Unsubscribe(ctx, tok); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", t, err)
	}
	delete(w.tokens, t)
	return nil
}

// activeLocked returns the token of stream t if the connection still holds it.
// Tokens dropped by a disconnect are forgotten. w.subMu must be held.
func (w *Wand) activeLocked(t EventType) (subscription.Token, bool) {
	tok, ok := w.tokens[t]
	if !ok {
		return subscription.Token{}, false
	}
	if !w.conn.Active(tok) {
		delete(w.tokens, t)
		return subscription.Token{}, false
	}
	return tok, true
}

// IsSubscribed reports whether stream t is active.
func (w *Wand) IsSubscribed(t EventType) bool {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	_, ok := w.activeLocked(t)
	return ok
}

func (w *Wand) SubscribeButton(ctx context.Context) error { return w.Subscribe(ctx, EventUserButton) }
func (w *Wand) UnsubscribeButton(ctx context.Context) error {
	return w.Unsubscribe(ctx, EventUserButton)
}

func (w *Wand) SubscribeBatteryStatus(ctx context.Context) error {
	return w.Subscribe(ctx, EventBatteryStatus)
}
func (w *Wand) UnsubscribeBatteryStatus(ctx context.Context) error {
	return w.Unsubscribe(ctx, EventBatteryStatus)
}

func (w *Wand) SubscribeSleep(ctx context.Context) error   { return w.Subscribe(ctx, EventSleep) }
func (w *Wand) UnsubscribeSleep(ctx context.Context) error { return w.Unsubscribe(ctx, EventSleep) }

func (w *Wand) SubscribePosition(ctx context.Context) error { return w.Subscribe(ctx, EventPosition) }
func (w *Wand) UnsubscribePosition(ctx context.Context) error {
	return w.Unsubscribe(ctx, EventPosition)
}

func (w *Wand) SubscribeTemperature(ctx context.Context) error {
	return w.Subscribe(ctx, EventTemperature)
}
func (w *Wand) UnsubscribeTemperature(ctx context.Context) error {
	return w.Unsubscribe(ctx, EventTemperature)
}
