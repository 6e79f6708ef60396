package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
	"github.com/srg/wandkit/internal/groutine"
)

// Peripheral implements device.Peripheral for one remote address.
type Peripheral struct {
	dev    ble.Device
	logger *logrus.Logger

	mu       sync.RWMutex
	address  string
	name     string
	rssi     int
	lastSeen time.Time

	connMu       sync.Mutex
	client       ble.Client
	disconnected chan struct{}
	stopMonitor  context.CancelFunc
}

func newPeripheral(dev ble.Device, address string, logger *logrus.Logger) *Peripheral {
	return &Peripheral{
		dev:          dev,
		address:      address,
		logger:       logger,
		disconnected: closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Peripheral) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

func (p *Peripheral) RSSI() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rssi
}

// Update refreshes the advertised name and RSSI
func (p *Peripheral) Update(adv device.Advertisement) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rssi = adv.RSSI()
	p.lastSeen = time.Now()
	if name := adv.LocalName(); name != "" {
		p.name = name
	}
}

// Connect dials the peripheral. ctx bounds the dial.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.client != nil {
		return nil
	}

	address := p.Address()
	p.logger.WithField("address", address).Debug("Dialing BLE device...")

	client, err := p.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	p.client = client
	disconnected := make(chan struct{})
	p.disconnected = disconnected

	monitorCtx, cancel := context.WithCancel(context.Background())
	p.stopMonitor = cancel

	// Monitor go-ble client Disconnected() channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(monitorCtx, "ble-link-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				p.logger.WithField("address", address).Debug("go-ble reported disconnection")
				p.dropClient(client)
			case <-ctx.Done():
			}
			close(disconnected)
		})
	} else {
		p.logger.Debug("Client does not support Disconnected() channel")
		groutine.Go(monitorCtx, "ble-link-monitor", func(ctx context.Context) {
			<-ctx.Done()
			close(disconnected)
		})
	}

	return nil
}

// dropClient forgets client if it is still the active one.
func (p *Peripheral) dropClient(client ble.Client) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.client == client {
		p.client = nil
	}
}

// Disconnect cancels the connection. The disconnect channel closes once the link is gone.
func (p *Peripheral) Disconnect() error {
	p.connMu.Lock()
	client := p.client
	stop := p.stopMonitor
	p.client = nil
	p.stopMonitor = nil
	p.connMu.Unlock()

	if client == nil {
		return nil
	}

	err := client.CancelConnection()
	if stop != nil {
		stop()
	}
	return NormalizeError(err)
}

func (p *Peripheral) Disconnected() <-chan struct{} {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.disconnected
}

func (p *Peripheral) activeClient() (ble.Client, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.client == nil {
		return nil, device.ErrNotConnected
	}
	return p.client, nil
}

// DiscoverProfile runs full service discovery and converts it into a device.Profile.
func (p *Peripheral) DiscoverProfile(ctx context.Context) (*device.Profile, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}

	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profile := &device.Profile{}
	for _, bleSvc := range bleProfile.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &device.Characteristic{
				Service:    svc.UUID,
				UUID:       device.NormalizeUUID(bleChar.UUID.String()),
				Properties: convertProperties(bleChar.Property),
				Handle:     bleChar,
			})
		}
		profile.Services = append(profile.Services, svc)
	}

	p.logger.WithFields(logrus.Fields{
		"address":         p.Address(),
		"services":        len(profile.Services),
		"characteristics": profile.CharacteristicCount(),
	}).Debug("Profile discovered successfully")

	return profile, nil
}

func bleCharacteristic(char *device.Characteristic) (*ble.Characteristic, error) {
	if char == nil {
		return nil, device.ErrCharacteristicNotFound
	}
	c, ok := char.Handle.(*ble.Characteristic)
	if !ok || c == nil {
		return nil, fmt.Errorf("characteristic %q has no go-ble handle: %w", char.UUID, device.ErrCharacteristicNotFound)
	}
	return c, nil
}

func (p *Peripheral) Read(_ context.Context, char *device.Characteristic) ([]byte, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}
	c, err := bleCharacteristic(char)
	if err != nil {
		return nil, err
	}

	data, err := client.ReadCharacteristic(c)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return data, nil
}

func (p *Peripheral) Write(_ context.Context, char *device.Characteristic, data []byte, withoutResponse bool) error {
	client, err := p.activeClient()
	if err != nil {
		return err
	}
	c, err := bleCharacteristic(char)
	if err != nil {
		return err
	}
	return NormalizeError(client.WriteCharacteristic(c, data, withoutResponse))
}

// useIndication picks indications only for characteristics that cannot notify.
func useIndication(char *device.Characteristic) bool {
	return !char.Properties.Has(device.PropNotify) && char.Properties.Has(device.PropIndicate)
}

func (p *Peripheral) Subscribe(_ context.Context, char *device.Characteristic, handler func([]byte)) error {
	client, err := p.activeClient()
	if err != nil {
		return err
	}
	c, err := bleCharacteristic(char)
	if err != nil {
		return err
	}
	return NormalizeError(client.Subscribe(c, useIndication(char), func(req []byte) {
		handler(req)
	}))
}

func (p *Peripheral) Unsubscribe(_ context.Context, char *device.Characteristic) error {
	client, err := p.activeClient()
	if err != nil {
		return err
	}
	c, err := bleCharacteristic(char)
	if err != nil {
		return err
	}
	return NormalizeError(client.Unsubscribe(c, useIndication(char)))
}
