package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/wandkit/internal/device"
)

type scheduledAdv struct {
	peripheral *FakePeripheral
	rssi       int
	after      time.Duration
}

// FakeAdapter implements device.Adapter. Peripherals registered with
// AdvertiseOnScan are advertised after their delay every time a scan starts.
type FakeAdapter struct {
	mu          sync.Mutex
	peripherals map[string]*FakePeripheral
	scheduled   []scheduledAdv
	handler     func(device.Advertisement)
	scanning    bool
	generation  int
	scanStarts  int
	scanStops   int
	scanErr     error
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{peripherals: make(map[string]*FakePeripheral)}
}

// Add registers p so NewPeripheral returns it for its address.
func (a *FakeAdapter) Add(p *FakePeripheral) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[p.Address()] = p
	return a
}

// AdvertiseOnScan makes p advertise with rssi after the given delay from each scan start.
func (a *FakeAdapter) AdvertiseOnScan(p *FakePeripheral, rssi int, after time.Duration) *FakeAdapter {
	a.Add(p)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduled = append(a.scheduled, scheduledAdv{peripheral: p, rssi: rssi, after: after})
	return a
}

// ClearSchedule drops every AdvertiseOnScan registration.
func (a *FakeAdapter) ClearSchedule() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduled = nil
}

// FailScan makes every following scan fail immediately with err.
func (a *FakeAdapter) FailScan(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
}

func (a *FakeAdapter) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	a.mu.Lock()
	if a.scanErr != nil {
		err := a.scanErr
		a.mu.Unlock()
		return err
	}
	a.scanning = true
	a.handler = handler
	a.generation++
	gen := a.generation
	a.scanStarts++
	scheduled := append([]scheduledAdv(nil), a.scheduled...)
	a.mu.Unlock()

	for _, s := range scheduled {
		s := s
		time.AfterFunc(s.after, func() {
			a.advertise(gen, s.peripheral.Advertisement(s.rssi))
		})
	}

	<-ctx.Done()

	a.mu.Lock()
	a.scanning = false
	a.handler = nil
	a.scanStops++
	a.mu.Unlock()
	return nil
}

func (a *FakeAdapter) advertise(gen int, adv device.Advertisement) bool {
	a.mu.Lock()
	if !a.scanning || a.generation != gen {
		a.mu.Unlock()
		return false
	}
	h := a.handler
	a.mu.Unlock()

	h(adv)
	return true
}

// Advertise delivers adv to the running scan. Returns false when not scanning.
func (a *FakeAdapter) Advertise(adv device.Advertisement) bool {
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()
	return a.advertise(gen, adv)
}

func (a *FakeAdapter) NewPeripheral(adv device.Advertisement) device.Peripheral {
	a.mu.Lock()
	p, ok := a.peripherals[adv.Addr()]
	if !ok {
		p = NewFakePeripheral(adv.Addr(), adv.LocalName())
		a.peripherals[adv.Addr()] = p
	}
	a.mu.Unlock()

	p.Update(adv)
	return p
}

func (a *FakeAdapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

func (a *FakeAdapter) ScanStarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStarts
}

func (a *FakeAdapter) ScanStops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStops
}
