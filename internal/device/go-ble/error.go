package goble

import (
	"fmt"

	"github.com/srg/wandkit/internal/device"
)

// NormalizeError maps known go-ble error strings to the device error sentinels.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "context deadline exceeded"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return device.NormalizeError(err)
	}
}
