// Package gpio provides the output pin abstraction that heater PWM
// values are written through. The real implementation drives a Linux
// GPIO character device line with software PWM; the fake implementation
// records writes for tests.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package gpio

// PWMMax is the full-scale duty value.
const PWMMax = 255

// Output drives one heater output pin.
type Output interface {
	// WriteDuty sets the output duty in [0, PWMMax]. 0 is fully off,
	// PWMMax fully on. Inversion for active-low hardware happens in
	// the caller, before this write.
	WriteDuty(duty uint8) error

	// Close releases the pin, leaving it driven low.
	Close() error
}
