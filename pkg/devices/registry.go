// Package devices is the public entry point: a registry that discovers wands,
// hands out managed devices and runs firmware updates.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/dfu"
	"github.com/srg/wandkit/internal/events"
	"github.com/srg/wandkit/internal/watcher"
	"github.com/srg/wandkit/pkg/config"
	"github.com/srg/wandkit/pkg/dfupackage"
)

// DeviceTypeWand selects wands in SearchForClosestDevice.
const DeviceTypeWand = "wand"

// Options configures a Registry. Zero fields take defaults.
type Options struct {
	Config *config.Config
	// Extractor opens DFU packages. UpdateDFUDevice fails with ErrDfuUnsupported without one.
	Extractor dfupackage.Extractor
	IDs       IDGenerator
	Filter    *watcher.Filter
}

// Registry tracks the devices found through one adapter.
type Registry struct {
	cfg       *config.Config
	watcher   *watcher.Watcher
	extractor dfupackage.Extractor
	ids       IDGenerator
	logger    *logrus.Logger

	mu        sync.Mutex
	devices   *orderedmap.OrderedMap[string, *Device]
	addresses mapset.Set
	newDevice *events.Bus[*Device]
}

func New(adapter device.Adapter, opts Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ids := opts.IDs
	if ids == nil {
		ids = &SequentialIDs{}
	}

	return &Registry{
		cfg:       cfg,
		watcher:   watcher.New(adapter, opts.Filter, logger),
		extractor: opts.Extractor,
		ids:       ids,
		logger:    logger,
		devices:   orderedmap.New[string, *Device](),
		addresses: mapset.NewSet(),
		newDevice: events.NewBus[*Device](),
	}
}

func addressKey(address string) string {
	return strings.ToUpper(address)
}

// OnNewDevice registers fn for devices added to the registry.
func (r *Registry) OnNewDevice(fn func(*Device)) func() {
	return r.newDevice.Subscribe(fn)
}

// AddDevice registers p as a device of the given kind. A peripheral already
// registered under the same address returns the existing device and false.
func (r *Registry) AddDevice(p device.Peripheral, kind Kind) (*Device, bool) {
	key := addressKey(p.Address())

	r.mu.Lock()
	if r.addresses.Contains(key) {
		existing := r.byAddressLocked(key)
		r.mu.Unlock()
		return existing, false
	}

	d := newDevice(r.ids.NextID(), kind, p, r.watcher, r.cfg, r.logger)
	r.devices.Set(d.id, d)
	r.addresses.Add(key)
	r.mu.Unlock()

	d.conn.OnDispose(func() { r.forget(d.id, key) })

	r.logger.WithFields(logrus.Fields{
		"id":      d.id,
		"kind":    kind,
		"address": p.Address(),
		"name":    p.Name(),
	}).Info("Device added")

	r.newDevice.Emit(d)
	return d, true
}

func (r *Registry) byAddressLocked(key string) *Device {
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if addressKey(pair.Value.Address()) == key {
			return pair.Value
		}
	}
	return nil
}

func (r *Registry) forget(id, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices.Delete(id)
	r.addresses.Remove(key)
}

func (r *Registry) kindOf(p device.Peripheral) Kind {
	name := p.Name()
	if name == r.cfg.DfuTargetName || strings.HasPrefix(name, "DFU-") {
		return KindDFU
	}
	return KindWand
}

// SearchForDevice resolves with the first device whose name starts with prefix.
func (r *Registry) SearchForDevice(ctx context.Context, prefix string, timeout time.Duration) (*Device, error) {
	return r.SearchForDeviceFunc(ctx, watcher.NamePrefix(prefix), timeout)
}

// SearchForDeviceFunc resolves with the first device matching pred, searching
// the already discovered devices first. timeout <= 0 waits for ctx only.
func (r *Registry) SearchForDeviceFunc(ctx context.Context, pred watcher.Predicate, timeout time.Duration) (*Device, error) {
	p, err := r.watcher.SearchForDevice(ctx, pred, timeout)
	if err != nil {
		return nil, err
	}
	d, _ := r.AddDevice(p, r.kindOf(p))
	return d, nil
}

// SearchForClosestDevice scans for window and resolves with the strongest
// device of deviceType. window <= 0 uses the configured closest window.
func (r *Registry) SearchForClosestDevice(ctx context.Context, deviceType string, window time.Duration) (*Device, error) {
	var pred watcher.Predicate
	switch deviceType {
	case DeviceTypeWand:
		pred = watcher.NamePrefix(r.cfg.WandPrefix)
	default:
		return nil, fmt.Errorf("unknown device type %q", deviceType)
	}
	if window <= 0 {
		window = r.cfg.ClosestWindow
	}

	p, err := r.watcher.SearchForClosestDevice(ctx, pred, window)
	if err != nil {
		return nil, err
	}
	d, _ := r.AddDevice(p, KindWand)
	return d, nil
}

// StartScan keeps scanning until StopScan, independently of searches.
func (r *Registry) StartScan() { r.watcher.StartScan() }

func (r *Registry) StopScan() { r.watcher.StopScan() }

// Interrupt fails every pending search with ErrScanInterrupted.
func (r *Registry) Interrupt() { r.watcher.Interrupt() }

// DiscoveryStream returns a ring-buffered channel of watcher discovery events
// and the function that closes it.
func (r *Registry) DiscoveryStream(capacity int) (*events.RingChannel[watcher.Event], func()) {
	return r.watcher.Stream(capacity)
}

func (r *Registry) GetByID(id string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices.Get(id)
}

// All returns registered devices in registration order.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
	}
	return all
}

// Remove disposes the device with id and drops it from the registry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	d, ok := r.GetByID(id)
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
	}
	return d.Dispose(ctx)
}

// Terminate interrupts pending searches and disposes every device.
func (r *Registry) Terminate(ctx context.Context) error {
	r.watcher.Interrupt()

	var errs []error
	for _, d := range r.All() {
		if err := d.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.id, err))
		}
	}
	return errors.Join(errs...)
}

// UpdateDFUDevice flashes the package in buf onto d: the wand is reset into its
// bootloader, the bootloader is located and updated, then d is set up again.
// Progress is emitted on d as update-progress events.
func (r *Registry) UpdateDFUDevice(ctx context.Context, d *Device, buf []byte) error {
	if r.extractor == nil {
		return ErrDfuUnsupported
	}

	pkg, err := dfupackage.Load(r.extractor, buf)
	if err != nil {
		return err
	}
	img, err := pkg.AppImage()
	if errors.Is(err, dfupackage.ErrNoImage) {
		img, err = pkg.BaseImage()
	}
	if err != nil {
		return err
	}

	log := r.logger.WithFields(logrus.Fields{
		"id":      d.id,
		"address": d.Address(),
		"image":   img.Type,
	})
	log.Info("Starting firmware update")

	dfuName, err := d.SetDfuMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to enter DFU mode: %w", err)
	}

	targetName := r.cfg.DfuTargetName
	p, err := r.watcher.SearchForDevice(ctx, func(p device.Peripheral) bool {
		name := p.Name()
		return name == dfuName || name == targetName
	}, r.cfg.DfuSearchTimeout)
	if err != nil {
		return fmt.Errorf("failed to find DFU target %s: %w", dfuName, err)
	}
	log.WithField("target", p.Address()).Info("DFU target found")

	target := newDevice(r.ids.NextID(), KindDFU, p, r.watcher, r.cfg, r.logger)

	updateErr := target.Setup(ctx)
	if updateErr == nil {
		// the bootloader resets once the image is activated
		target.conn.SuppressReconnect()

		unsubscribe := target.OnProgress(func(t dfu.Transfer) {
			d.emit(Event{Type: EventUpdateProgress, Progress: t})
		})
		updateErr = target.Update(ctx, img.InitData, img.ImageData)
		unsubscribe()
	}

	if err := target.Dispose(ctx); err != nil {
		log.WithError(err).Warn("Failed to release DFU target")
	}
	r.watcher.Uncache(p.Address())

	if updateErr != nil {
		return fmt.Errorf("firmware update failed: %w", updateErr)
	}
	log.Info("Firmware update complete")

	if err := d.Setup(ctx); err != nil {
		return fmt.Errorf("failed to reconnect after update: %w", err)
	}
	return nil
}
