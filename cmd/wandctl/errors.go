package main

import (
	"errors"
	"fmt"

	"github.com/srg/wandkit/internal/dfu"
	"github.com/srg/wandkit/pkg/devices"
)

// userHints maps well known failures onto a next step for the user.
var userHints = []struct {
	err  error
	hint string
}{
	{devices.ErrBluetoothOff, "turn Bluetooth on and retry"},
	{devices.ErrDeviceNotFound, "make sure the wand is awake and in range"},
	{devices.ErrNoDevicesFound, "make sure the wand is awake and in range"},
	{devices.ErrScanInterrupted, "the scan was interrupted"},
	{devices.ErrTimeout, "move the wand closer and retry"},
	{devices.ErrCalibrationFailed, "keep the wand still on a flat surface and retry"},
}

// FormatUserError renders err for the terminal, appending a hint for known failures.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var respErr *dfu.ResponseError
	if errors.As(err, &respErr) {
		return fmt.Sprintf("%s (bootloader rejected the update)", err)
	}

	for _, h := range userHints {
		if errors.Is(err, h.err) {
			return fmt.Sprintf("%s (%s)", err, h.hint)
		}
	}
	return err.Error()
}
