package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/wandkit/internal/device"
)

// CharacteristicConfig describes one fake characteristic.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig describes one fake service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// WriteRecord is one write observed by a FakePeripheral.
type WriteRecord struct {
	Service         string
	Characteristic  string
	Data            []byte
	WithoutResponse bool
}

// Is reports whether the write targeted char, given in any UUID format.
func (w WriteRecord) Is(char string) bool {
	return w.Characteristic == device.NormalizeUUID(char)
}

// FakePeripheral implements device.Peripheral in memory. Profiles are declared
// with WithService/WithCharacteristic; behaviour is scripted with OnWrite hooks
// and Notify.
type FakePeripheral struct {
	mu       sync.Mutex
	address  string
	name     string
	rssi     int
	services []ServiceConfig
	values   map[string][]byte

	connected    bool
	disconnected chan struct{}
	handlers     map[string]func([]byte)

	connectErrs  []error
	connectDelay time.Duration
	discoverErr  error

	connectCalls     int
	discoverCalls    int
	subscribeCalls   map[string]int
	unsubscribeCalls map[string]int
	writes           []WriteRecord
	writeHooks       []func(WriteRecord)
}

// NewFakePeripheral creates a disconnected peripheral with an empty profile.
func NewFakePeripheral(address, name string) *FakePeripheral {
	closed := make(chan struct{})
	close(closed)
	return &FakePeripheral{
		address:          address,
		name:             name,
		values:           make(map[string][]byte),
		disconnected:     closed,
		handlers:         make(map[string]func([]byte)),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
	}
}

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

// WithService adds a service to the profile
func (p *FakePeripheral) WithService(uuid string) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = append(p.services, ServiceConfig{UUID: uuid})
	return p
}

// WithCharacteristic adds a characteristic to the last added service
func (p *FakePeripheral) WithCharacteristic(uuid, properties string, value []byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &p.services[len(p.services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	p.values[charKey(last.UUID, uuid)] = append([]byte(nil), value...)
	return p
}

// WithRSSI sets the signal strength reported before any advertisement.
func (p *FakePeripheral) WithRSSI(rssi int) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rssi = rssi
	return p
}

// WithConnectDelay makes Connect take d (or until ctx is done).
func (p *FakePeripheral) WithConnectDelay(d time.Duration) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectDelay = d
	return p
}

// FailConnects makes the next len(errs) Connect calls fail with errs in order.
func (p *FakePeripheral) FailConnects(errs ...error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErrs = append(p.connectErrs, errs...)
	return p
}

// FailDiscover makes DiscoverProfile fail with err until called again with nil.
func (p *FakePeripheral) FailDiscover(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
	return p
}

// OnWrite registers a hook called after every write, outside the peripheral lock.
func (p *FakePeripheral) OnWrite(fn func(WriteRecord)) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHooks = append(p.writeHooks, fn)
	return p
}

// Advertisement returns an advertisement for this peripheral with the given RSSI.
func (p *FakePeripheral) Advertisement(rssi int) *FakeAdvertisement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &FakeAdvertisement{Address: p.address, Name: p.name, Signal: rssi}
}

// SetName changes the advertised name (e.g. after a reset into bootloader mode).
func (p *FakePeripheral) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

func (p *FakePeripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *FakePeripheral) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

func (p *FakePeripheral) RSSI() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssi
}

func (p *FakePeripheral) Update(adv device.Advertisement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rssi = adv.RSSI()
	if adv.LocalName() != "" {
		p.name = adv.LocalName()
	}
}

func (p *FakePeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connectCalls++
	delay := p.connectDelay
	var err error
	if len(p.connectErrs) > 0 {
		err = p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		p.connected = true
		p.disconnected = make(chan struct{})
	}
	return nil
}

func (p *FakePeripheral) Disconnect() error {
	p.dropLink()
	return nil
}

// DropLink simulates an unexpected link loss reported by the radio.
func (p *FakePeripheral) DropLink() {
	p.dropLink()
}

func (p *FakePeripheral) dropLink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return
	}
	p.connected = false
	p.handlers = make(map[string]func([]byte))
	close(p.disconnected)
}

func (p *FakePeripheral) Disconnected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *FakePeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *FakePeripheral) DiscoverProfile(_ context.Context) (*device.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discoverCalls++
	if !p.connected {
		return nil, device.ErrNotConnected
	}
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}

	profile := &device.Profile{}
	for _, sc := range p.services {
		svc := &device.Service{UUID: device.NormalizeUUID(sc.UUID)}
		for _, cc := range sc.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &device.Characteristic{
				Service:    svc.UUID,
				UUID:       device.NormalizeUUID(cc.UUID),
				Properties: device.ParseProperties(cc.Properties),
				Handle:     charKey(sc.UUID, cc.UUID),
			})
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile, nil
}

func (p *FakePeripheral) handleKey(char *device.Characteristic) (string, error) {
	if char == nil {
		return "", device.ErrCharacteristicNotFound
	}
	key, ok := char.Handle.(string)
	if !ok {
		return "", fmt.Errorf("foreign characteristic handle %T", char.Handle)
	}
	return key, nil
}

func (p *FakePeripheral) Read(_ context.Context, char *device.Characteristic) ([]byte, error) {
	key, err := p.handleKey(char)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, device.ErrNotConnected
	}
	return append([]byte(nil), p.values[key]...), nil
}

func (p *FakePeripheral) Write(_ context.Context, char *device.Characteristic, data []byte, withoutResponse bool) error {
	key, err := p.handleKey(char)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return device.ErrNotConnected
	}
	rec := WriteRecord{
		Service:         char.Service,
		Characteristic:  char.UUID,
		Data:            append([]byte(nil), data...),
		WithoutResponse: withoutResponse,
	}
	p.writes = append(p.writes, rec)
	p.values[key] = append([]byte(nil), data...)
	hooks := append([]func(WriteRecord){}, p.writeHooks...)
	p.mu.Unlock()

	for _, hook := range hooks {
		hook(rec)
	}
	return nil
}

func (p *FakePeripheral) Subscribe(_ context.Context, char *device.Characteristic, handler func([]byte)) error {
	key, err := p.handleKey(char)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return device.ErrNotConnected
	}
	p.subscribeCalls[key]++
	p.handlers[key] = handler
	return nil
}

func (p *FakePeripheral) Unsubscribe(_ context.Context, char *device.Characteristic) error {
	key, err := p.handleKey(char)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return device.ErrNotConnected
	}
	p.unsubscribeCalls[key]++
	delete(p.handlers, key)
	return nil
}

// Notify delivers data to the subscriber of (service, char), if any.
// Returns false when nobody is subscribed.
func (p *FakePeripheral) Notify(service, char string, data []byte) bool {
	p.mu.Lock()
	h := p.handlers[charKey(service, char)]
	p.mu.Unlock()

	if h == nil {
		return false
	}
	h(data)
	return true
}

// SetValue changes the value returned by reads of (service, char).
func (p *FakePeripheral) SetValue(service, char string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[charKey(service, char)] = append([]byte(nil), value...)
}

// Value returns the last written or configured value of (service, char).
func (p *FakePeripheral) Value(service, char string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.values[charKey(service, char)]...)
}

// Writes returns every write observed so far.
func (p *FakePeripheral) Writes() []WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WriteRecord(nil), p.writes...)
}

// WritesTo returns the writes addressed to char.
func (p *FakePeripheral) WritesTo(char string) []WriteRecord {
	id := device.NormalizeUUID(char)
	var out []WriteRecord
	for _, w := range p.Writes() {
		if w.Characteristic == id {
			out = append(out, w)
		}
	}
	return out
}

func (p *FakePeripheral) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

func (p *FakePeripheral) DiscoverCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoverCalls
}

func (p *FakePeripheral) SubscribeCount(service, char string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribeCalls[charKey(service, char)]
}

func (p *FakePeripheral) UnsubscribeCount(service, char string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscribeCalls[charKey(service, char)]
}

// IsSubscribed reports whether a handler is registered on (service, char).
func (p *FakePeripheral) IsSubscribed(service, char string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[charKey(service, char)] != nil
}
