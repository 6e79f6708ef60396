package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is makes every NotFoundError match ErrCharacteristicNotFound: a missing service
// means the characteristic cannot be resolved either.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrCharacteristicNotFound
}

// StateError is returned when an operation is attempted in a connection state that
// does not allow it.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal state: cannot %s while %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrIllegalState
}

// Search errors
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNoDevicesFound  = errors.New("no devices found")
	ErrScanInterrupted = errors.New("scan interrupted")
)

// Connection and transport errors
var (
	ErrIllegalState           = errors.New("illegal state")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrNotConnected           = errors.New("device not connected")
	ErrBluetoothOff           = errors.New("bluetooth is turned off")
	ErrTimeout                = errors.New("timeout")
	ErrUnsupported            = errors.New("unsupported")
)

// Protocol errors
var (
	ErrUnrecognisedResponse = errors.New("unrecognised control characteristic response notification")
	ErrCalibrationFailed    = errors.New("calibration failed")
	ErrDfuUnsupported       = errors.New("cannot update DFU device: missing extractor")
)

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps well known transport error strings onto the sentinels above.
// The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrBluetoothOff) || errors.Is(err, ErrNotConnected) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %w", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		return err
	}
}
