// Package connection implements the per-device connection state machine:
// memoized connect and setup, characteristic I/O through the discovery cache,
// and transparent reconnection with notification re-arming.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/groutine"
	"github.com/srg/wandkit/internal/subscription"
	"github.com/srg/wandkit/internal/watcher"
)

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultSettleDelay      = time.Second
	DefaultReconnectTimeout = 30 * time.Second
)

// Locator relocates a peripheral after an unexpected link loss.
type Locator interface {
	SearchForDevice(ctx context.Context, pred watcher.Predicate, timeout time.Duration) (device.Peripheral, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, pred watcher.Predicate, timeout time.Duration) (device.Peripheral, error)

func (f LocatorFunc) SearchForDevice(ctx context.Context, pred watcher.Predicate, timeout time.Duration) (device.Peripheral, error) {
	return f(ctx, pred, timeout)
}

// Options configures timings. A zero ConnectTimeout or ReconnectTimeout disables
// the bound; a zero SettleDelay skips the pause between connect and discovery.
type Options struct {
	ConnectTimeout   time.Duration
	SettleDelay      time.Duration
	ReconnectTimeout time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   DefaultConnectTimeout,
		SettleDelay:      DefaultSettleDelay,
		ReconnectTimeout: DefaultReconnectTimeout,
	}
}

// call is an in-flight memoized operation shared by concurrent callers.
type call struct {
	done chan struct{}
	err  error
}

func newCall() *call {
	return &call{done: make(chan struct{})}
}

func (c *call) finish(err error) {
	c.err = err
	close(c.done)
}

func (c *call) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager drives one peripheral through Disconnected, Connecting, Connected and
// Reconnecting. It owns the device's subscription.Manager and characteristic cache.
type Manager struct {
	logger    *logrus.Logger
	opts      Options
	locator   Locator
	subs      *subscription.Manager
	listeners *events.Bus[Event]

	// emitMu orders state changes with their queued events. Listeners run
	// without it held so they may call back into the Manager.
	emitMu   sync.Mutex
	pending  []Event
	draining bool

	mu              sync.Mutex
	peripheral      device.Peripheral
	state           State
	manual          bool
	ready           bool
	disposed        bool
	profile         *device.Profile
	connectCall     *call
	setupCall       *call
	monitorCancel   context.CancelFunc
	reconnectCancel context.CancelFunc
	onDispose       func()
}

// New creates a Manager for p. locator may be nil, in which case reconnection
// reuses the current peripheral handle.
func New(p device.Peripheral, locator Locator, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		logger:     logger,
		opts:       opts,
		locator:    locator,
		listeners:  events.NewBus[Event](),
		peripheral: p,
		state:      Disconnected,
	}
	m.subs = subscription.NewManager(&transport{m: m}, logger)
	return m
}

func (m *Manager) log() *logrus.Entry {
	m.mu.Lock()
	p := m.peripheral
	m.mu.Unlock()
	return m.logger.WithFields(logrus.Fields{
		"device":  p.Name(),
		"address": p.Address(),
	})
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peripheral returns the current transport handle. It changes when a reconnect
// relocates the device.
func (m *Manager) Peripheral() device.Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peripheral
}

// Profile returns the characteristic cache of the current link, nil before Setup.
func (m *Manager) Profile() *device.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Subscriptions exposes the subscription manager for inspection.
func (m *Manager) Subscriptions() *subscription.Manager {
	return m.subs
}

// OnEvent registers fn for state events. Events are delivered in state order by
// one goroutine at a time; a listener may call Connect, Setup or Disconnect, and
// the events those raise are delivered after it returns.
func (m *Manager) OnEvent(fn func(Event)) (unsubscribe func()) {
	return m.listeners.Subscribe(fn)
}

// OnDispose sets the hook invoked once by Dispose.
func (m *Manager) OnDispose(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDispose = fn
}

// setState moves to next and emits its event. Re-entering the current state is a no-op.
func (m *Manager) setState(next State) bool {
	m.emitMu.Lock()
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		m.emitMu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()

	m.pending = append(m.pending, Event{Type: eventFor(next), State: next, Previous: prev})
	drain := !m.draining
	m.draining = true
	m.emitMu.Unlock()

	m.log().WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Info("Connection state changed")

	if drain {
		m.drainEvents()
	}
	return true
}

// drainEvents delivers queued events until the queue is empty. Only the
// goroutine that set draining runs it.
func (m *Manager) drainEvents() {
	for {
		m.emitMu.Lock()
		if len(m.pending) == 0 {
			m.draining = false
			m.emitMu.Unlock()
			return
		}
		ev := m.pending[0]
		m.pending = m.pending[1:]
		m.emitMu.Unlock()

		m.listeners.Emit(ev)
	}
}

func (m *Manager) stateError(op string) error {
	return &device.StateError{Op: op, State: m.State().String()}
}

// Connect links the peripheral. Concurrent callers share one transport connect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return &device.StateError{Op: "connect", State: "disposed"}
	}
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case Reconnecting:
		m.mu.Unlock()
		return m.stateError("connect")
	}
	if c := m.connectCall; c != nil {
		m.mu.Unlock()
		return c.wait(ctx)
	}
	c := newCall()
	m.connectCall = c
	m.manual = false
	m.mu.Unlock()

	err := m.connect(ctx)

	m.mu.Lock()
	m.connectCall = nil
	m.mu.Unlock()
	c.finish(err)
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	m.setState(Connecting)
	p := m.Peripheral()

	if err := m.dial(ctx, p); err != nil {
		m.setState(Disconnected)
		m.log().WithError(err).Warn("Connect failed")
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	aborted := m.manual
	m.mu.Unlock()
	if aborted {
		_ = p.Disconnect()
		m.setState(Disconnected)
		return fmt.Errorf("connect aborted by disconnect: %w", device.ErrNotConnected)
	}

	m.watchLink(p)
	m.setState(Connected)
	return nil
}

// dial races the transport connect against ConnectTimeout. A connect that
// completes after the deadline is torn down.
func (m *Manager) dial(ctx context.Context, p device.Peripheral) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var expired <-chan time.Time
	if m.opts.ConnectTimeout > 0 {
		timer := time.NewTimer(m.opts.ConnectTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	result := make(chan error, 1)
	groutine.Go(dialCtx, "ble-connect", func(ctx context.Context) {
		result <- p.Connect(ctx)
	})

	abandon := func() {
		_ = p.Disconnect()
		go func() {
			if err := <-result; err == nil {
				_ = p.Disconnect()
			}
		}()
	}

	select {
	case err := <-result:
		return device.NormalizeError(err)
	case <-expired:
		abandon()
		return fmt.Errorf("%w: no connection within %s", device.ErrTimeout, m.opts.ConnectTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

// watchLink starts the monitor reacting to a transport-level disconnect of p.
func (m *Manager) watchLink(p device.Peripheral) {
	ctx, cancel := context.WithCancel(context.Background())
	lost := p.Disconnected()

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
	}
	m.monitorCancel = cancel
	m.mu.Unlock()

	groutine.Go(ctx, "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-lost:
			m.onLinkLost(ctx)
		case <-ctx.Done():
		}
	})
}

func (m *Manager) onLinkLost(ctx context.Context) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.monitorCancel = nil
	m.ready = false
	m.profile = nil
	manual := m.manual
	state := m.state
	m.mu.Unlock()

	m.subs.FlagAsUnsubscribed()

	if manual || state != Connected {
		m.log().Info("Link closed")
		m.setState(Disconnected)
		return
	}

	m.log().Warn("Link lost unexpectedly, reconnecting")
	m.reconnect()
}

// reconnect relocates the device by address and restores the link and its
// subscriptions within ReconnectTimeout.
func (m *Manager) reconnect() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.opts.ReconnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.opts.ReconnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	m.mu.Lock()
	m.reconnectCancel = cancel
	address := m.peripheral.Address()
	m.mu.Unlock()

	m.setState(Reconnecting)

	groutine.Go(ctx, "ble-reconnect", func(ctx context.Context) {
		defer cancel()

		err := m.runReconnect(ctx, address)

		m.mu.Lock()
		m.reconnectCancel = nil
		aborted := m.manual
		m.mu.Unlock()

		if err == nil {
			return
		}
		if !aborted {
			m.log().WithError(err).Warn("Reconnect failed")
		}
		m.setState(Disconnected)
	})
}

func (m *Manager) runReconnect(ctx context.Context, address string) error {
	p := m.Peripheral()
	if m.locator != nil {
		found, err := m.locator.SearchForDevice(ctx, watcher.Address(address), m.opts.ReconnectTimeout)
		if err != nil {
			return fmt.Errorf("failed to relocate %s: %w", address, err)
		}
		p = found
	}

	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return context.Canceled
	}
	m.peripheral = p
	m.mu.Unlock()

	if err := m.dial(ctx, p); err != nil {
		return err
	}
	m.watchLink(p)

	fail := func(err error) error {
		m.mu.Lock()
		if m.monitorCancel != nil {
			m.monitorCancel()
			m.monitorCancel = nil
		}
		m.profile = nil
		m.mu.Unlock()
		_ = p.Disconnect()
		return err
	}

	profile, err := p.DiscoverProfile(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to rediscover: %w", device.NormalizeError(err)))
	}
	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()

	if err := m.subs.Resubscribe(ctx); err != nil {
		return fail(err)
	}

	m.mu.Lock()
	if m.manual || m.state != Reconnecting {
		m.mu.Unlock()
		return fail(context.Canceled)
	}
	m.ready = true
	m.mu.Unlock()

	m.setState(Connected)
	return nil
}

// Setup connects, waits the settle delay, discovers the profile and re-arms
// subscriptions registered while disconnected. Completed setups are memoized
// until the next disconnect.
func (m *Manager) Setup(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Reconnecting {
		m.mu.Unlock()
		return m.stateError("setup")
	}
	if m.ready && m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	if c := m.setupCall; c != nil {
		m.mu.Unlock()
		return c.wait(ctx)
	}
	c := newCall()
	m.setupCall = c
	m.mu.Unlock()

	err := m.setup(ctx)

	m.mu.Lock()
	m.setupCall = nil
	m.ready = err == nil
	m.mu.Unlock()
	c.finish(err)
	return err
}

func (m *Manager) setup(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}

	if m.opts.SettleDelay > 0 {
		select {
		case <-time.After(m.opts.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p := m.Peripheral()
	profile, err := p.DiscoverProfile(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()

	m.log().WithField("characteristics", profile.CharacteristicCount()).Debug("Profile discovered")

	return m.subs.Resubscribe(ctx)
}

// characteristic runs Setup and resolves (service, char) from the cache.
func (m *Manager) characteristic(ctx context.Context, op, service, char string) (device.Peripheral, *device.Characteristic, error) {
	if m.State() == Reconnecting {
		return nil, nil, m.stateError(op)
	}
	if err := m.Setup(ctx); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	p, profile := m.peripheral, m.profile
	m.mu.Unlock()

	if profile == nil {
		return nil, nil, device.ErrNotConnected
	}
	c, err := profile.Characteristic(service, char)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

// Read returns the value of (service, char).
func (m *Manager) Read(ctx context.Context, service, char string) ([]byte, error) {
	p, c, err := m.characteristic(ctx, "read", service, char)
	if err != nil {
		return nil, err
	}
	data, err := p.Read(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", device.ShortenUUID(char), device.NormalizeError(err))
	}
	return data, nil
}

// Write writes data with response, unless the characteristic only supports
// write without response.
func (m *Manager) Write(ctx context.Context, service, char string, data []byte) error {
	p, c, err := m.characteristic(ctx, "write", service, char)
	if err != nil {
		return err
	}
	withoutResponse := c.Properties.Has(device.PropWriteWithoutResponse) && !c.Properties.Has(device.PropWrite)
	return m.write(ctx, p, c, data, withoutResponse)
}

// WriteWithoutResponse writes data as a write command.
func (m *Manager) WriteWithoutResponse(ctx context.Context, service, char string, data []byte) error {
	p, c, err := m.characteristic(ctx, "write", service, char)
	if err != nil {
		return err
	}
	return m.write(ctx, p, c, data, true)
}

func (m *Manager) write(ctx context.Context, p device.Peripheral, c *device.Characteristic, data []byte, withoutResponse bool) error {
	if err := p.Write(ctx, c, data, withoutResponse); err != nil {
		return fmt.Errorf("write %s failed: %w", device.ShortenUUID(c.UUID), device.NormalizeError(err))
	}
	return nil
}

// Subscribe registers handler for notifications of (service, char).
func (m *Manager) Subscribe(ctx context.Context, service, char string, handler subscription.Handler) (subscription.Token, error) {
	if _, _, err := m.characteristic(ctx, "subscribe", service, char); err != nil {
		return subscription.Token{}, err
	}
	return m.subs.Subscribe(ctx, service, char, handler)
}

// Unsubscribe removes the handler registered under tok.
func (m *Manager) Unsubscribe(ctx context.Context, tok subscription.Token) error {
	if m.State() == Reconnecting {
		return m.stateError("unsubscribe")
	}
	return m.subs.Unsubscribe(ctx, tok)
}

// Active reports whether the handler behind tok is still registered. Disconnect
// invalidates every token.
func (m *Manager) Active(tok subscription.Token) bool {
	return m.subs.Has(tok)
}

// SuppressReconnect marks the next link loss as intentional without tearing
// the link down. Used before commanding a peripheral reset.
func (m *Manager) SuppressReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = true
}

// Disconnect tears the link down, drops every subscription and aborts a
// reconnect in progress.
func (m *Manager) Disconnect(_ context.Context) error {
	m.mu.Lock()
	m.manual = true
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	p := m.peripheral
	linked := m.state != Disconnected
	m.ready = false
	m.profile = nil
	m.mu.Unlock()

	var err error
	if linked {
		if derr := p.Disconnect(); derr != nil {
			err = fmt.Errorf("failed to disconnect: %w", device.NormalizeError(derr))
		}
	}
	m.subs.Clear()
	m.setState(Disconnected)
	return err
}

// Dispose disconnects, drops every listener and invokes the dispose hook once.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.Disconnect(ctx)

	m.mu.Lock()
	m.disposed = true
	hook := m.onDispose
	m.onDispose = nil
	m.mu.Unlock()

	m.listeners.Reset()
	if hook != nil {
		hook()
	}
	return err
}

// transport adapts the Manager to subscription.Transport using the current
// profile and peripheral.
type transport struct {
	m *Manager
}

func (t *transport) resolve(service, char string) (device.Peripheral, *device.Characteristic, error) {
	t.m.mu.Lock()
	p, profile := t.m.peripheral, t.m.profile
	t.m.mu.Unlock()

	if profile == nil {
		return nil, nil, device.ErrNotConnected
	}
	c, err := profile.Characteristic(service, char)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

func (t *transport) Subscribe(ctx context.Context, service, char string, onNotify func([]byte)) error {
	p, c, err := t.resolve(service, char)
	if err != nil {
		return err
	}
	if !c.Properties.Has(device.PropNotify) && !c.Properties.Has(device.PropIndicate) {
		return fmt.Errorf("characteristic %s does not support notifications: %w", device.ShortenUUID(char), device.ErrUnsupported)
	}
	return device.NormalizeError(p.Subscribe(ctx, c, onNotify))
}

func (t *transport) Unsubscribe(ctx context.Context, service, char string) error {
	p, c, err := t.resolve(service, char)
	if err != nil {
		if errors.Is(err, device.ErrNotConnected) {
			return nil
		}
		return err
	}
	return device.NormalizeError(p.Unsubscribe(ctx, c))
}
