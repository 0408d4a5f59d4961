// Package pid implements the PID computation used by heater output
// control. The controller is deliberately narrow: the heater decides
// when to invoke it and how its output is applied.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package pid

import "math"

// Gains holds PID controller gains.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// Controller computes a bounded PID output. The derivative term is
// computed on the measurement rather than the error, so a target step
// does not produce a derivative spike, and the integral is clamped to
// the value that alone would saturate the output.
type Controller struct {
	gains     Gains
	maxOutput float64

	integral     float64
	prevMeasured float64
	primed       bool
}

// New creates a controller producing output in [0, maxOutput].
func New(gains Gains, maxOutput float64) *Controller {
	return &Controller{gains: gains, maxOutput: maxOutput}
}

// Gains returns the current gains.
func (c *Controller) Gains() Gains { return c.gains }

// SetGains replaces the gains and clears accumulated state, as stale
// integral under new gains can slam the output.
func (c *Controller) SetGains(g Gains) {
	c.gains = g
	c.Reset()
}

// Compute returns the control output for the given error term and
// measured value over the time step dt, in seconds.
func (c *Controller) Compute(err, measured, dt float64) float64 {
	if dt <= 0 {
		return 0
	}
	g := c.gains

	c.integral += err * dt
	if g.Ki != 0 {
		maxIntegral := c.maxOutput / g.Ki
		c.integral = math.Max(-maxIntegral, math.Min(maxIntegral, c.integral))
	}

	var deriv float64
	if c.primed {
		deriv = (measured - c.prevMeasured) / dt
	}
	c.prevMeasured = measured
	c.primed = true

	out := g.Kp*err + g.Ki*c.integral - g.Kd*deriv
	return math.Max(0, math.Min(c.maxOutput, out))
}

// Reset clears integral and derivative state.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevMeasured = 0
	c.primed = false
}
