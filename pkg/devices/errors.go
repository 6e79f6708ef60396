package devices

import "github.com/srg/wandkit/internal/device"

// Errors returned by the registry and its devices. Match with errors.Is.
var (
	ErrDeviceNotFound         = device.ErrDeviceNotFound
	ErrNoDevicesFound         = device.ErrNoDevicesFound
	ErrScanInterrupted        = device.ErrScanInterrupted
	ErrIllegalState           = device.ErrIllegalState
	ErrCharacteristicNotFound = device.ErrCharacteristicNotFound
	ErrUnrecognisedResponse   = device.ErrUnrecognisedResponse
	ErrCalibrationFailed      = device.ErrCalibrationFailed
	ErrDfuUnsupported         = device.ErrDfuUnsupported
	ErrNotConnected           = device.ErrNotConnected
	ErrBluetoothOff           = device.ErrBluetoothOff
	ErrTimeout                = device.ErrTimeout
	ErrUnsupported            = device.ErrUnsupported
)

// Typed errors carrying details.
type (
	NotFoundError = device.NotFoundError
	StateError    = device.StateError
)
