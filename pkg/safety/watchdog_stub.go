//go:build !linux

package safety

import "errors"

// HardwareWatchdog is not available on non-Linux platforms.
type HardwareWatchdog struct{}

// OpenHardwareWatchdog returns an error on non-Linux platforms.
func OpenHardwareWatchdog(path string, timeoutSec int) (*HardwareWatchdog, error) {
	return nil, errors.New("safety: hardware watchdog requires Linux")
}

// Pet is not implemented on non-Linux platforms.
func (w *HardwareWatchdog) Pet() error {
	return errors.New("safety: hardware watchdog not supported")
}

// Close is not implemented on non-Linux platforms.
func (w *HardwareWatchdog) Close() error { return nil }
