// Thermal runaway detection automaton
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package heater

import (
	"fmt"

	"thermd/pkg/safety"
)

// RunawayState is the thermal runaway protection automaton state.
type RunawayState int

const (
	// RunawayInactive means no protection is running: the heater is
	// off, idle, or protection is disabled.
	RunawayInactive RunawayState = iota
	// RunawayFirstHeating watches the initial climb toward a new
	// target: the temperature must rise by the watch increase before
	// the watch deadline.
	RunawayFirstHeating
	// RunawayStable holds the target: the temperature must stay within
	// the hysteresis band, with excursions tolerated only for the
	// check interval.
	RunawayStable
	// RunawayErr is the terminal runaway state.
	RunawayErr
)

func (s RunawayState) String() string {
	switch s {
	case RunawayInactive:
		return "inactive"
	case RunawayFirstHeating:
		return "first_heating"
	case RunawayStable:
		return "stable"
	case RunawayErr:
		return "runaway"
	default:
		return "unknown"
	}
}

// runawayTickLocked advances the protection automaton by one tick.
// Returns a fault report when runaway is declared; the heater is
// already in its safe state when it does.
func (h *Heater) runawayTickLocked(now float64) *faultReport {
	switch h.trState {
	case RunawayInactive:
		// Normally armed by SetTarget. A heater activated with a
		// pre-existing target at or above temperature goes straight to
		// stable tracking.
		if h.target > 0 && h.current >= h.target {
			h.trState = RunawayStable
			h.outOfBandCount = 0
		}

	case RunawayFirstHeating:
		if h.current >= h.watchTarget || h.current >= h.target {
			h.trState = RunawayStable
			h.outOfBandCount = 0
		} else if now >= h.watchDeadline {
			return h.runawayFaultLocked(
				"heating stalled: reached %.1f of watch target %.1f within %.0fs",
				h.current, h.watchTarget, h.cfg.checkInterval())
		}

	case RunawayStable:
		if h.target == 0 {
			h.trState = RunawayInactive
			h.outOfBandCount = 0
			break
		}
		if h.current < h.target-h.cfg.hysteresis() || h.current > h.target+h.cfg.hysteresis() {
			h.outOfBandCount++
			if float64(h.outOfBandCount)*h.cfg.TickPeriod >= h.cfg.checkInterval() {
				return h.runawayFaultLocked(
					"temperature %.1f out of band around %.1f for %.0fs",
					h.current, h.target, h.cfg.checkInterval())
			}
		} else {
			h.outOfBandCount = 0
		}

	case RunawayErr:
		// Terminal. Only ResetFault leaves this state.
	}
	return nil
}

func (h *Heater) runawayFaultLocked(format string, args ...interface{}) *faultReport {
	h.setFaultLocked()
	h.trState = RunawayErr
	return &faultReport{reason: safety.ReasonThermalRunaway, msg: fmt.Sprintf(format, args...)}
}

// RunawayStateNow returns the automaton state.
func (h *Heater) RunawayStateNow() RunawayState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trState
}
