package device

import (
	"context"
)

// Advertisement is a single scan result as reported by the platform scanner.
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	Services() []string
	Connectable() bool
}

//nolint:revive // DeviceInfo name is intentional for clarity when used as a device.DeviceInfo
type DeviceInfo interface {
	Name() string
	Address() string
	RSSI() int
}

// ScanningDevice represents a BLE adapter capable of scanning for advertisements.
// Scan blocks until ctx is cancelled or the scan fails.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Adapter is the platform entry point: it scans and hands out peripheral handles
// for discovered advertisements.
type Adapter interface {
	ScanningDevice
	NewPeripheral(adv Advertisement) Peripheral
}

// Peripheral is a handle to one remote BLE peripheral.
//
// Characteristic handles passed to Read, Write, Subscribe and Unsubscribe must come
// from the Profile returned by the most recent DiscoverProfile call.
type Peripheral interface {
	DeviceInfo

	// Update refreshes name and signal strength from a newer advertisement.
	Update(adv Advertisement)

	Connect(ctx context.Context) error
	Disconnect() error
	// Disconnected returns a channel closed when the current link drops.
	// It is only meaningful after a successful Connect.
	Disconnected() <-chan struct{}

	DiscoverProfile(ctx context.Context) (*Profile, error)

	Read(ctx context.Context, char *Characteristic) ([]byte, error)
	Write(ctx context.Context, char *Characteristic, data []byte, withoutResponse bool) error
	Subscribe(ctx context.Context, char *Characteristic, handler func([]byte)) error
	Unsubscribe(ctx context.Context, char *Characteristic) error
}
