// Package subscription multiplexes logical notification listeners onto a single
// physical GATT subscription per characteristic.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Handler receives a private copy of each notification payload.
type Handler func(data []byte)

// Transport performs the physical subscribe and unsubscribe calls.
type Transport interface {
	Subscribe(ctx context.Context, service, char string, onNotify func([]byte)) error
	Unsubscribe(ctx context.Context, service, char string) error
}

// Key identifies a characteristic.
type Key struct {
	Service        string
	Characteristic string
}

func (k Key) String() string {
	return device.ShortenUUID(k.Service) + "/" + device.ShortenUUID(k.Characteristic)
}

// Token identifies one registered handler.
type Token struct {
	key Key
	id  uint64
}

// Key returns the characteristic the token is registered on.
func (t Token) Key() Key { return t.key }

// IsZero reports whether t was never issued.
func (t Token) IsZero() bool { return t.id == 0 }

// pendingCall is an in-flight physical subscribe shared by concurrent callers.
type pendingCall struct {
	done chan struct{}
	err  error
}

type entry struct {
	key        Key
	subscribed bool
	handlers   *orderedmap.OrderedMap[uint64, Handler]
	pending    *pendingCall
}

// Manager owns the subscription entries of one device.
type Manager struct {
	transport Transport
	logger    *logrus.Logger

	mu      sync.Mutex
	nextID  uint64
	entries *orderedmap.OrderedMap[Key, *entry]
}

// NewManager creates a Manager issuing physical calls through transport.
func NewManager(transport Transport, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		transport: transport,
		logger:    logger,
		entries:   orderedmap.New[Key, *entry](),
	}
}

func normalizeKey(service, char string) Key {
	return Key{Service: device.NormalizeUUID(service), Characteristic: device.NormalizeUUID(char)}
}

// Subscribe registers handler for notifications of (service, char).
//
// The first handler of a key triggers exactly one physical subscribe; concurrent
// callers join the in-flight one. Subscribe returns once the transport confirmed
// notifications are enabled. On failure the handler is not registered.
func (m *Manager) Subscribe(ctx context.Context, service, char string, handler Handler) (Token, error) {
	if handler == nil {
		return Token{}, errors.New("subscription handler is nil")
	}
	key := normalizeKey(service, char)

	m.mu.Lock()
	e, ok := m.entries.Get(key)
	if !ok {
		e = &entry{key: key, handlers: orderedmap.New[uint64, Handler]()}
		m.entries.Set(key, e)
	}
	m.nextID++
	tok := Token{key: key, id: m.nextID}
	e.handlers.Set(tok.id, handler)

	if e.subscribed {
		m.mu.Unlock()
		return tok, nil
	}

	owner := false
	if e.pending == nil {
		e.pending = &pendingCall{done: make(chan struct{})}
		owner = true
	}
	call := e.pending
	m.mu.Unlock()

	if owner {
		m.physicalSubscribe(ctx, e, call)
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		m.removeHandler(tok)
		return Token{}, ctx.Err()
	}

	if call.err != nil {
		m.removeHandler(tok)
		return Token{}, call.err
	}
	return tok, nil
}

// physicalSubscribe runs the transport subscribe for e and completes call.
func (m *Manager) physicalSubscribe(ctx context.Context, e *entry, call *pendingCall) {
	m.logger.WithField("characteristic", e.key.String()).Debug("Subscribing to characteristic")

	err := m.transport.Subscribe(ctx, e.key.Service, e.key.Characteristic, m.dispatcher(e.key))
	if err != nil {
		err = fmt.Errorf("failed to subscribe to %s: %w", e.key, err)
	}

	m.mu.Lock()
	e.pending = nil
	// Clear dropped e while the subscribe was in flight
	cleared := !m.isCurrentLocked(e)
	if cleared && err == nil {
		err = fmt.Errorf("subscription to %s dropped while subscribing: %w", e.key, device.ErrNotConnected)
	}
	// every handler left while the subscribe was in flight
	orphaned := err == nil && e.handlers.Len() == 0
	e.subscribed = err == nil && !orphaned
	if orphaned {
		m.deleteIfEmptyLocked(e)
	}
	m.mu.Unlock()

	call.err = err
	close(call.done)

	if orphaned {
		m.logger.WithField("characteristic", e.key.String()).Debug("No handlers left after subscribe, unsubscribing")
		if uerr := m.transport.Unsubscribe(ctx, e.key.Service, e.key.Characteristic); uerr != nil {
			m.logger.WithError(uerr).Warn("Failed to release orphaned subscription")
		}
	}
}

// dispatcher fans a notification out to the handlers registered for key.
func (m *Manager) dispatcher(key Key) func([]byte) {
	return func(data []byte) {
		m.mu.Lock()
		e, ok := m.entries.Get(key)
		if !ok {
			m.mu.Unlock()
			return
		}
		handlers := make([]Handler, 0, e.handlers.Len())
		for pair := e.handlers.Oldest(); pair != nil; pair = pair.Next() {
			handlers = append(handlers, pair.Value)
		}
		m.mu.Unlock()

		value := make([]byte, len(data))
		copy(value, data)
		for _, h := range handlers {
			h(value)
		}
	}
}

func (m *Manager) removeHandler(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries.Get(tok.key); ok {
		e.handlers.Delete(tok.id)
		m.deleteIfEmptyLocked(e)
	}
}

// isCurrentLocked reports whether e is still the live entry for its key. m.mu must be held.
func (m *Manager) isCurrentLocked(e *entry) bool {
	cur, ok := m.entries.Get(e.key)
	return ok && cur == e
}

// deleteIfEmptyLocked drops an idle entry. m.mu must be held.
func (m *Manager) deleteIfEmptyLocked(e *entry) {
	if e.handlers.Len() == 0 && !e.subscribed && e.pending == nil && m.isCurrentLocked(e) {
		m.entries.Delete(e.key)
	}
}

// Unsubscribe removes the handler behind tok. The physical unsubscribe is issued
// only when the last handler of a physically subscribed entry goes away.
func (m *Manager) Unsubscribe(ctx context.Context, tok Token) error {
	m.mu.Lock()
	e, ok := m.entries.Get(tok.key)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, present := e.handlers.Delete(tok.id); !present {
		m.mu.Unlock()
		return nil
	}

	release := e.handlers.Len() == 0 && e.subscribed
	if release {
		e.subscribed = false
	}
	m.deleteIfEmptyLocked(e)
	m.mu.Unlock()

	if !release {
		return nil
	}

	m.logger.WithField("characteristic", tok.key.String()).Debug("Unsubscribing from characteristic")
	if err := m.transport.Unsubscribe(ctx, tok.key.Service, tok.key.Characteristic); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", tok.key, err)
	}
	return nil
}

// FlagAsUnsubscribed marks every entry as not physically subscribed without
// touching the transport. Used after the link dropped.
func (m *Manager) FlagAsUnsubscribed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.subscribed = false
	}
}

// Resubscribe issues a physical subscribe for every entry that has handlers but
// is not subscribed, in the order the entries were created.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	var work []*entry
	var calls []*pendingCall
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		if e.subscribed || e.pending != nil || e.handlers.Len() == 0 {
			continue
		}
		e.pending = &pendingCall{done: make(chan struct{})}
		work = append(work, e)
		calls = append(calls, e.pending)
	}
	m.mu.Unlock()

	var errs []error
	for i, e := range work {
		m.physicalSubscribe(ctx, e, calls[i])
		if calls[i].err != nil {
			errs = append(errs, calls[i].err)
		}
	}

	if len(work) > 0 {
		m.logger.WithFields(logrus.Fields{
			"entries": len(work),
			"failed":  len(errs),
		}).Debug("Resubscribed characteristics")
	}
	return errors.Join(errs...)
}

// Clear discards every entry without any transport call.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = orderedmap.New[Key, *entry]()
}

// Stats describes the current entries. Used for diagnostics and tests.
type Stats struct {
	Entries    int
	Subscribed int
	Handlers   int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		s.Entries++
		s.Handlers += pair.Value.handlers.Len()
		if pair.Value.subscribed {
			s.Subscribed++
		}
	}
	return s
}

// Has reports whether the handler behind tok is still registered. Tokens issued
// before Clear are gone.
func (m *Manager) Has(tok Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(tok.key)
	if !ok {
		return false
	}
	_, ok = e.handlers.Get(tok.id)
	return ok
}

// IsSubscribed reports whether (service, char) is physically subscribed.
func (m *Manager) IsSubscribed(service, char string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(normalizeKey(service, char))
	return ok && e.subscribed
}
