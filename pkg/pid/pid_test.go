// PID controller tests
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pid

import (
	"math"
	"testing"
)

func TestProportional(t *testing.T) {
	c := New(Gains{Kp: 2}, 255)

	out := c.Compute(10, 100, 1)
	if out != 20 {
		t.Errorf("Kp=2 err=10: got %v, want 20", out)
	}
}

func TestOutputClamped(t *testing.T) {
	c := New(Gains{Kp: 100}, 255)

	if out := c.Compute(1000, 0, 1); out != 255 {
		t.Errorf("large error: got %v, want 255", out)
	}
	if out := c.Compute(-1000, 0, 1); out != 0 {
		t.Errorf("large negative error: got %v, want 0", out)
	}
}

// The integral stops accumulating at the value that alone saturates
// the output, so a long heat-up does not overshoot on stored windup.
func TestIntegralWindupClamp(t *testing.T) {
	c := New(Gains{Ki: 0.5}, 255)

	// Saturate far beyond the clamp.
	for i := 0; i < 10000; i++ {
		c.Compute(100, 0, 1)
	}
	// maxIntegral = 255/0.5 = 510, so Ki*integral caps at 255.
	if c.integral > 510+1e-9 {
		t.Errorf("integral %v exceeds clamp 510", c.integral)
	}

	// Error flips sign: the output must come off the rail quickly
	// rather than bleeding down an unbounded accumulator.
	c.Compute(-100, 0, 1)
	out := c.Compute(-100, 0, 1)
	if out >= 255 {
		t.Errorf("output still saturated after sign flip: %v", out)
	}
}

// Derivative on measurement: a target step changes only the error, not
// the measurement, so it must not produce a derivative spike.
func TestNoDerivativeKick(t *testing.T) {
	c := New(Gains{Kp: 1, Kd: 50}, 255)

	c.Compute(5, 100, 1) // primes prevMeasured at 100
	before := c.Compute(5, 100, 1)

	// Target jumps by 100: error changes, measurement does not.
	after := c.Compute(105, 100, 1)
	if math.Abs(after-before) > 100+1e-9 {
		t.Errorf("target step moved output by %v, derivative kicked", after-before)
	}

	// A measurement jump does engage the derivative, opposing the rise.
	withDeriv := c.Compute(105, 110, 1)
	if withDeriv >= after {
		t.Errorf("rising measurement should cut output: %v -> %v", after, withDeriv)
	}
}

func TestFirstSampleNoDerivative(t *testing.T) {
	c := New(Gains{Kd: 100}, 255)

	// prevMeasured is unprimed; a huge first measurement must not be
	// treated as a step from zero.
	out := c.Compute(0, 200, 1)
	if out != 0 {
		t.Errorf("unprimed derivative fired: got %v", out)
	}
}

func TestZeroDtRejected(t *testing.T) {
	c := New(Gains{Kp: 1}, 255)
	if out := c.Compute(100, 0, 0); out != 0 {
		t.Errorf("dt=0 must yield 0, got %v", out)
	}
}

func TestSetGainsResets(t *testing.T) {
	c := New(Gains{Ki: 1}, 255)
	for i := 0; i < 100; i++ {
		c.Compute(10, 0, 1)
	}
	c.SetGains(Gains{Kp: 1, Ki: 1})
	if c.integral != 0 {
		t.Errorf("SetGains must clear the integral, has %v", c.integral)
	}
	if c.Gains().Kp != 1 {
		t.Errorf("gains not applied: %+v", c.Gains())
	}
}

func TestConvergesOnPlant(t *testing.T) {
	c := New(Gains{Kp: 20, Ki: 1, Kd: 80}, 255)

	// First-order thermal plant: heats with output, cools toward
	// ambient.
	const (
		ambient = 25.0
		target  = 200.0
		dt      = 1.0
	)
	temp := ambient
	for i := 0; i < 2000; i++ {
		out := c.Compute(target-temp, temp, dt)
		temp += (out/255.0*2.0 - (temp-ambient)*0.005) * dt
	}
	if math.Abs(temp-target) > 5 {
		t.Errorf("plant settled at %v, want ~%v", temp, target)
	}
}
