// Package watcher orchestrates BLE scanning: predicate searches with timeouts,
// closest-device selection and the discovered-device cache shared by all of them.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Predicate selects a discovered peripheral.
type Predicate func(p device.Peripheral) bool

// NamePrefix matches peripherals whose advertised name starts with prefix.
func NamePrefix(prefix string) Predicate {
	return func(p device.Peripheral) bool {
		return strings.HasPrefix(p.Name(), prefix)
	}
}

// Address matches the peripheral with the given address.
func Address(address string) Predicate {
	return func(p device.Peripheral) bool {
		return strings.EqualFold(p.Address(), address)
	}
}

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Event is emitted for every accepted advertisement.
type Event struct {
	Type   EventType
	Device device.Peripheral
	RSSI   int
}

type result struct {
	p   device.Peripheral
	err error
}

type candidate struct {
	p    device.Peripheral
	rssi int
}

// search is one pending SearchForDevice or SearchForClosestDevice call.
// Candidates is only used by closest searches and is guarded by Watcher.mu.
type search struct {
	pred       Predicate
	closest    bool
	candidates *orderedmap.OrderedMap[string, candidate]
	result     chan result
}

// Watcher owns one scan session at a time and shares it among every pending
// search and the manual hold.
type Watcher struct {
	adapter device.ScanningDevice
	factory func(device.Advertisement) device.Peripheral
	logger  *logrus.Logger
	filter  *Filter

	devices *hashmap.Map[string, device.Peripheral]
	events  *events.Bus[Event]

	mu       sync.Mutex
	searches map[*search]struct{}
	hold     bool
	cancel   context.CancelFunc
	lastDone chan struct{}
}

// New creates a Watcher scanning through adapter. A nil filter accepts every advertisement.
func New(adapter device.Adapter, filter *Filter, logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		adapter:  adapter,
		factory:  adapter.NewPeripheral,
		logger:   logger,
		filter:   filter,
		devices:  hashmap.New[string, device.Peripheral](),
		events:   events.NewBus[Event](),
		searches: make(map[*search]struct{}),
	}
}

// SearchForDevice resolves with the first peripheral matching pred. A cached match
// resolves without scanning. Otherwise the shared scan session is started or joined
// and device.ErrDeviceNotFound is returned when timeout elapses first. A
// non-positive timeout waits until ctx is done.
func (w *Watcher) SearchForDevice(ctx context.Context, pred Predicate, timeout time.Duration) (device.Peripheral, error) {
	if pred == nil {
		return nil, errors.New("search predicate is nil")
	}

	if p := w.findCached(pred); p != nil {
		w.logger.WithFields(logrus.Fields{
			"device":  p.Name(),
			"address": p.Address(),
		}).Debug("Search resolved from cache")
		return p, nil
	}

	s := &search{pred: pred, result: make(chan result, 1)}
	w.register(s)

	return w.await(ctx, s, timeout, func() result {
		return result{err: fmt.Errorf("%w: no match within %s", device.ErrDeviceNotFound, timeout)}
	})
}

// SearchForClosestDevice runs the whole window and resolves with the matching
// peripheral that had the strongest signal. Ties go to the first discovered.
// Returns device.ErrNoDevicesFound when nothing matched.
func (w *Watcher) SearchForClosestDevice(ctx context.Context, pred Predicate, window time.Duration) (device.Peripheral, error) {
	if pred == nil {
		return nil, errors.New("search predicate is nil")
	}
	if window <= 0 {
		return nil, fmt.Errorf("closest search window must be positive, got %s", window)
	}

	s := &search{
		pred:       pred,
		closest:    true,
		candidates: orderedmap.New[string, candidate](),
		result:     make(chan result, 1),
	}
	w.register(s)

	return w.await(ctx, s, window, func() result {
		w.mu.Lock()
		defer w.mu.Unlock()

		var best *candidate
		for pair := s.candidates.Oldest(); pair != nil; pair = pair.Next() {
			c := pair.Value
			if best == nil || c.rssi > best.rssi {
				best = &c
			}
		}
		if best == nil {
			return result{err: fmt.Errorf("%w within %s", device.ErrNoDevicesFound, window)}
		}

		w.logger.WithFields(logrus.Fields{
			"device":     best.p.Name(),
			"address":    best.p.Address(),
			"rssi":       best.rssi,
			"candidates": s.candidates.Len(),
		}).Info("Closest device selected")
		return result{p: best.p}
	})
}

func (w *Watcher) await(ctx context.Context, s *search, timeout time.Duration, onTimeout func() result) (device.Peripheral, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-s.result:
		return r.p, r.err
	case <-expired:
		w.complete(s, onTimeout())
	case <-ctx.Done():
		w.complete(s, result{err: ctx.Err()})
	}

	r := <-s.result
	return r.p, r.err
}

func (w *Watcher) findCached(pred Predicate) device.Peripheral {
	var found device.Peripheral
	w.devices.Range(func(_ string, p device.Peripheral) bool {
		if pred(p) {
			found = p
			return false
		}
		return true
	})
	return found
}

func (w *Watcher) register(s *search) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.searches[s] = struct{}{}
	w.ensureScanLocked()
}

// complete resolves s once. Later calls for the same search are ignored.
func (w *Watcher) complete(s *search, r result) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, pending := w.searches[s]; !pending {
		return false
	}
	delete(w.searches, s)
	s.result <- r
	w.releaseScanLocked()
	return true
}

// StartScan holds the scan session open until StopScan or Interrupt, so discovery
// events keep flowing without a pending search.
func (w *Watcher) StartScan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hold = true
	w.ensureScanLocked()
}

// StopScan releases the manual hold. Pending searches keep the scan running.
func (w *Watcher) StopScan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hold = false
	w.releaseScanLocked()
}

// Interrupt fails every pending search with device.ErrScanInterrupted and stops the scan.
func (w *Watcher) Interrupt() {
	w.mu.Lock()
	pending := w.searches
	w.searches = make(map[*search]struct{})
	w.hold = false
	w.releaseScanLocked()
	w.mu.Unlock()

	if len(pending) > 0 {
		w.logger.WithField("pending", len(pending)).Info("Scan interrupted")
	}
	for s := range pending {
		s.result <- result{err: device.ErrScanInterrupted}
	}
}

// IsScanning reports whether a scan session is active.
func (w *Watcher) IsScanning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Watcher) ensureScanLocked() {
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	prev := w.lastDone
	w.cancel = cancel
	w.lastDone = done

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		if prev != nil {
			<-prev
		}

		w.logger.Debug("Scan session started")
		err := w.adapter.Scan(ctx, true, w.handleAdvertisement)
		if ctx.Err() != nil {
			w.logger.Debug("Scan session stopped")
			return
		}
		if err == nil {
			err = errors.New("scan ended unexpectedly")
		}
		w.failSession(ctx, device.NormalizeError(err))
	})
}

// failSession rejects every pending search after the scan itself failed.
func (w *Watcher) failSession(ctx context.Context, err error) {
	w.mu.Lock()
	if ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.cancel = nil
	w.hold = false
	pending := w.searches
	w.searches = make(map[*search]struct{})
	w.mu.Unlock()

	w.logger.WithError(err).Warn("Scan failed")
	for s := range pending {
		s.result <- result{err: fmt.Errorf("scan failed: %w", err)}
	}
}

func (w *Watcher) releaseScanLocked() {
	if w.cancel == nil || w.hold || len(w.searches) > 0 {
		return
	}
	w.cancel()
	w.cancel = nil
}

// handleAdvertisement updates existing or adds a new device, then feeds the
// pending searches
func (w *Watcher) handleAdvertisement(adv device.Advertisement) {
	address := adv.Addr()

	p, existing := w.devices.Get(address)
	if !existing {
		if !w.filter.accepts(adv) {
			return
		}
		p, existing = w.devices.GetOrInsert(address, w.factory(adv))
	}

	event := Event{Device: p, RSSI: adv.RSSI()}
	if existing {
		p.Update(adv)
		event.Type = EventUpdated
	} else {
		w.logger.WithFields(logrus.Fields{
			"device":  p.Name(),
			"address": address,
			"rssi":    adv.RSSI(),
		}).Debug("Discovered new device")
		event.Type = EventNew
	}
	w.events.Emit(event)

	w.mu.Lock()
	pending := make([]*search, 0, len(w.searches))
	for s := range w.searches {
		pending = append(pending, s)
	}
	w.mu.Unlock()

	for _, s := range pending {
		if !s.pred(p) {
			continue
		}
		if !s.closest {
			w.complete(s, result{p: p})
			continue
		}

		w.mu.Lock()
		if _, ok := w.searches[s]; ok {
			s.candidates.Set(address, candidate{p: p, rssi: adv.RSSI()})
		}
		w.mu.Unlock()
	}
}

// OnDiscovery registers fn for discovery events and returns its unsubscribe function.
func (w *Watcher) OnDiscovery(fn func(Event)) func() {
	return w.events.Subscribe(fn)
}

// Stream returns a ring-buffered channel of discovery events.
func (w *Watcher) Stream(capacity int) (*events.RingChannel[Event], func()) {
	return w.events.Stream(capacity)
}

// Devices returns a snapshot of the discovered-device cache.
func (w *Watcher) Devices() []device.Peripheral {
	devs := make([]device.Peripheral, 0, w.devices.Len())
	w.devices.Range(func(_ string, p device.Peripheral) bool {
		devs = append(devs, p)
		return true
	})
	return devs
}

// Uncache evicts address so the next search has to rediscover it.
func (w *Watcher) Uncache(address string) {
	w.devices.Del(address)
}
