// Package testutils provides an in-memory BLE transport for tests: a scripted
// adapter, peripherals built from a fluent profile builder and a simulated DFU
// bootloader.
package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewLogger(),
	}
}

// NewLogger returns a debug level logger. Output is discarded unless
// the test binary runs with -v.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	if !testing.Verbose() {
		logger.SetOutput(io.Discard)
	}
	return logger
}
