package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
)

// Adapter implements device.Adapter on top of a go-ble device.
type Adapter struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewAdapter opens the platform BLE device through DeviceFactory.
func NewAdapter(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}

	return &Adapter{dev: dev, logger: logger}, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (a *Adapter) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	a.logger.WithField("allow_dup", allowDup).Debug("Starting go-ble scan")

	err := a.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil {
		return NormalizeError(err)
	}
	return nil
}

// NewPeripheral returns a handle for the advertised peripheral.
func (a *Adapter) NewPeripheral(adv device.Advertisement) device.Peripheral {
	p := newPeripheral(a.dev, adv.Addr(), a.logger)
	p.Update(adv)
	return p
}

// Close stops the underlying HCI/CoreBluetooth device.
func (a *Adapter) Close() error {
	return a.dev.Stop()
}
