// PID autotuning by relay oscillation
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package heater

import (
	"errors"
	"fmt"
	"math"

	"thermd/pkg/pid"
	"thermd/pkg/safety"
)

// TuneMethod selects how the ultimate gain and period found by the
// relay test are converted into PID gains.
type TuneMethod int

const (
	// TuneClassic is the classic Ziegler-Nichols tuning rule.
	TuneClassic TuneMethod = iota
	// TuneSomeOvershoot trades response speed for less overshoot.
	TuneSomeOvershoot
	// TuneNoOvershoot is the most conservative rule.
	TuneNoOvershoot
)

func (m TuneMethod) String() string {
	switch m {
	case TuneClassic:
		return "classic"
	case TuneSomeOvershoot:
		return "some_overshoot"
	case TuneNoOvershoot:
		return "no_overshoot"
	default:
		return "unknown"
	}
}

// Autotune errors
var (
	ErrTuneCycles        = errors.New("heater: autotune needs at least 3 cycles")
	ErrTuneNoOscillation = errors.New("heater: autotune saw no oscillation")
	ErrTuneAborted       = errors.New("heater: autotune aborted")
)

const (
	// Margin kept between the tuning target and maxtemp.
	tuneMaxTempMargin = 15.0
	// Abort when no relay transition happens for this long.
	tuneStallLimit = 600.0
	// Poll period of the tuning loop.
	tunePollPeriod = 0.25
)

// Autotune runs a relay oscillation test against the given target and
// derives PID gains with the chosen method. The heater is switched off
// when the test ends. With store set, the gains are installed, PID
// mode is selected and the tuned flag is raised; on any abort the
// tuned flag is never touched.
func (h *Heater) Autotune(target float64, cycles int, method TuneMethod, store bool) (pid.Gains, error) {
	if cycles < 3 {
		return pid.Gains{}, ErrTuneCycles
	}
	if target > h.cfg.MaxTemp-tuneMaxTempMargin {
		return pid.Gains{}, fmt.Errorf("%w: %.1f with maxtemp %.1f",
			ErrTargetTooHigh, target, h.cfg.MaxTemp)
	}

	if err := h.beginTune(target); err != nil {
		return pid.Gains{}, err
	}

	h.logger.Info("autotune start: target=%.1f cycles=%d method=%s", target, cycles, method)

	gains, err := h.relayLoop(target, cycles, method)

	h.endTune(gains, err == nil && store)

	if err != nil {
		h.logger.Warn("autotune failed: %v", err)
		return pid.Gains{}, err
	}
	h.logger.Info("autotune done: Kp=%.3f Ki=%.3f Kd=%.3f", gains.Kp, gains.Ki, gains.Kd)
	return gains, nil
}

func (h *Heater) beginTune(target float64) error {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fault {
		return ErrFaulted
	}
	if h.cfg.Sensor == nil || !h.cfg.Sensor.Configured() {
		return ErrNoSensor
	}
	h.pidTuning = true
	h.target = target
	h.setActiveLocked(true)
	h.forceOutputLocked(PWMMax)
	return nil
}

// endTune always leaves the heater off. Gains are installed after the
// shutoff so the PID reset inside it cannot clobber them.
func (h *Heater) endTune(gains pid.Gains, install bool) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pidTuning = false
	h.switchOffLocked()
	if install {
		h.pidc.SetGains(gains)
		h.usePid = true
		h.pidTuned = true
	}
}

func (h *Heater) forceOutputLocked(duty uint8) {
	h.pwm = duty
	h.writeOutputLocked()
}

// relayLoop toggles the output fully on below target-margin and fully
// off above target+margin, measuring the oscillation period and
// amplitude. The first cycle is discarded as settling.
func (h *Heater) relayLoop(target float64, cycles int, method TuneMethod) (pid.Gains, error) {
	margin := h.cfg.hysteresis() / 2
	if margin <= 0 {
		margin = 0.5
	}

	now := h.clock.Monotonic()
	lastSwitch := now
	cycleStart := now
	heatOn := true

	cur := h.CurrentTemperature()
	maxSeen, minSeen := cur, cur

	var periods, amps []float64

	for len(periods) < cycles {
		if h.heartbeat != nil {
			h.heartbeat()
		}

		g := h.ints.Suspend()
		h.mu.Lock()
		fault := h.fault
		cur = h.current
		h.mu.Unlock()
		g.Restore()

		if fault {
			return pid.Gains{}, fmt.Errorf("%w: fault during tuning", ErrTuneAborted)
		}
		if cur > h.cfg.MaxTemp {
			h.SetFault()
			h.report(&faultReport{
				reason: safety.ReasonAutotuneFailure,
				msg:    fmt.Sprintf("temperature %.1f above maxtemp %.1f during tuning", cur, h.cfg.MaxTemp),
			})
			return pid.Gains{}, fmt.Errorf("%w: maxtemp exceeded", ErrTuneAborted)
		}
		if now-lastSwitch > tuneStallLimit {
			return pid.Gains{}, ErrTuneNoOscillation
		}

		if heatOn {
			if cur > maxSeen {
				maxSeen = cur
			}
			if cur > target+margin {
				heatOn = false
				lastSwitch = now
				h.setDuty(0)
			}
		} else {
			if cur < minSeen {
				minSeen = cur
			}
			if cur < target-margin {
				heatOn = true
				lastSwitch = now

				// One full cycle completed at each off-to-on switch.
				if cycleStart != now {
					periods = append(periods, now-cycleStart)
					amps = append(amps, (maxSeen-minSeen)/2)
				}
				cycleStart = now
				maxSeen, minSeen = cur, cur
				h.setDuty(PWMMax)
			}
		}

		now = h.clock.Pause(now + tunePollPeriod)
	}

	return computeGains(periods[1:], amps[1:], method)
}

func (h *Heater) setDuty(duty uint8) {
	h.mu.Lock()
	h.forceOutputLocked(duty)
	h.mu.Unlock()
}

// computeGains derives gains from the averaged oscillation using the
// relay feedback relation Ku = 4d / (pi * a).
func computeGains(periods, amps []float64, method TuneMethod) (pid.Gains, error) {
	if len(periods) == 0 {
		return pid.Gains{}, ErrTuneNoOscillation
	}
	var tu, a float64
	for i := range periods {
		tu += periods[i]
		a += amps[i]
	}
	tu /= float64(len(periods))
	a /= float64(len(amps))
	if a <= 0 || tu <= 0 {
		return pid.Gains{}, ErrTuneNoOscillation
	}

	d := float64(PWMMax) / 2
	ku := 4 * d / (math.Pi * a)

	var g pid.Gains
	switch method {
	case TuneSomeOvershoot:
		g.Kp = 0.33 * ku
		g.Ki = 2 * g.Kp / tu
		g.Kd = g.Kp * tu / 3
	case TuneNoOvershoot:
		g.Kp = 0.2 * ku
		g.Ki = 2 * g.Kp / tu
		g.Kd = g.Kp * tu / 3
	default: // classic Ziegler-Nichols
		g.Kp = 0.6 * ku
		g.Ki = 2 * g.Kp / tu
		g.Kd = g.Kp * tu / 8
	}
	return g, nil
}
