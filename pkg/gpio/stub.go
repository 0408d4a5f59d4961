//go:build !linux

package gpio

import (
	"errors"
	"time"
)

// RealOutput is not available on non-Linux platforms.
type RealOutput struct{}

// NewRealOutput returns an error on non-Linux platforms.
func NewRealOutput(chipName string, offset int, cycleTime time.Duration) (*RealOutput, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// WriteDuty is not implemented on non-Linux platforms.
func (o *RealOutput) WriteDuty(duty uint8) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (o *RealOutput) Close() error { return nil }
