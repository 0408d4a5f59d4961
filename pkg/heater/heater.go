// Package heater implements per-heater temperature regulation: target
// tracking, PID or bang-bang output, idle temperature management and
// the thermal runaway protection automaton.
//
// Concurrency model: UpdateTemperatureSnapshot and Tick run in the
// temperature-sampling interrupt context; every other method is
// main-loop code. Main-loop entry points take the interrupt guard
// before touching state shared with the sampling path, so a tick can
// never observe or produce a half-written update.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package heater

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"thermd/pkg/gpio"
	"thermd/pkg/hal"
	"thermd/pkg/log"
	"thermd/pkg/pid"
	"thermd/pkg/safety"
	"thermd/pkg/sensor"
)

// Heater control errors
var (
	ErrNoSensor      = errors.New("heater: no sensor configured")
	ErrNoOutput      = errors.New("heater: no output pin configured")
	ErrFaulted       = errors.New("heater: heater is faulted")
	ErrTargetTooHigh = errors.New("heater: target temperature too high")
)

// Kind identifies what a heater regulates.
type Kind int

const (
	Hotend Kind = iota
	Bed
	Chamber
	Cooler
)

func (k Kind) String() string {
	switch k {
	case Hotend:
		return "hotend"
	case Bed:
		return "bed"
	case Chamber:
		return "chamber"
	case Cooler:
		return "cooler"
	default:
		return "unknown"
	}
}

// kindDefaults holds the per-kind protection constants: how long the
// watch window runs, the in-band tolerance, and how much the
// temperature must rise during first heating.
var kindDefaults = [...]struct {
	checkInterval float64 // seconds
	hysteresis    float64 // degrees
	watchIncrease float64 // degrees
}{
	Hotend:  {20, 3, 2},
	Bed:     {60, 2, 2},
	Chamber: {60, 2, 2},
	Cooler:  {60, 2, 2},
}

// PWMMax is the full-scale output duty.
const PWMMax = gpio.PWMMax

// Config holds a heater's immutable configuration.
type Config struct {
	ID     string
	Kind   Kind
	Output gpio.Output
	Sensor sensor.Reader

	MinTemp float64
	MaxTemp float64

	// TickPeriod is the regulation period in seconds. Defaults to 1.
	TickPeriod float64

	// Per-kind overrides; zero selects the kind default.
	CheckInterval float64
	Hysteresis    float64
	WatchIncrease float64

	UsePid           bool
	Gains            pid.Gains
	HardwareInverted bool

	// ThermalProtection enables the runaway automaton. The config
	// loader defaults it on; disabling it is an explicit choice.
	ThermalProtection bool
}

func (c *Config) checkInterval() float64 {
	if c.CheckInterval > 0 {
		return c.CheckInterval
	}
	return kindDefaults[c.Kind].checkInterval
}

func (c *Config) hysteresis() float64 {
	if c.Hysteresis > 0 {
		return c.Hysteresis
	}
	return kindDefaults[c.Kind].hysteresis
}

func (c *Config) watchIncrease() float64 {
	if c.WatchIncrease > 0 {
		return c.WatchIncrease
	}
	return kindDefaults[c.Kind].watchIncrease
}

// Heater regulates one physical heating element.
type Heater struct {
	cfg  Config
	ints *hal.InterruptState
	pidc *pid.Controller

	logger *log.Logger
	clock  Clock

	// Hooks wired by the manager.
	onFault   func(reason safety.Reason, msg string)
	heartbeat func()

	mu sync.Mutex

	// Flags. Mutated only through the setters below, which enforce the
	// cross-flag rules (Active requires a sensor and no Fault, Fault is
	// sticky, Idle re-arms runaway detection).
	active            bool
	usePid            bool
	pidTuned          bool
	hwInverted        bool
	thermalProtection bool
	idle              bool
	fault             bool
	pidTuning         bool

	target   float64
	idleTemp float64
	current  float64 // written only by UpdateTemperatureSnapshot
	pwm      uint8

	heating bool // bang-bang latch

	trState        RunawayState
	watchTarget    float64
	watchDeadline  float64
	outOfBandCount int

	idleTimerArmed bool
	idleDeadline   float64

	lastTickTime float64
	haveTick     bool
}

// New creates a heater from its configuration. Call Init before use.
func New(cfg Config, ints *hal.InterruptState, logger *log.Logger) *Heater {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = 1.0
	}
	if logger == nil {
		logger = log.New("heater")
	}
	return &Heater{
		cfg:    cfg,
		ints:   ints,
		pidc:   pid.New(cfg.Gains, PWMMax),
		logger: logger.WithFields(log.Fields{"heater": cfg.ID, "kind": cfg.Kind.String()}),
		clock:  newWallClock(),
	}
}

// SetClock replaces the time source. Used by tests and simulation.
func (h *Heater) SetClock(c Clock) { h.clock = c }

// SetFaultHook installs the reporter called after a fault has been
// mitigated locally.
func (h *Heater) SetFaultHook(fn func(reason safety.Reason, msg string)) {
	h.onFault = fn
}

// SetHeartbeat installs the watchdog service hook polled by
// WaitForTarget and Autotune.
func (h *Heater) SetHeartbeat(fn func()) { h.heartbeat = fn }

// Init validates the configuration and resets all state. A heater with
// no configured sensor is left in a safe non-active state and an error
// is returned.
func (h *Heater) Init() error {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.active = false
	h.usePid = h.cfg.UsePid
	// Configured gains are a starting point; the tuned flag is only
	// raised when autotune installs measured gains.
	h.pidTuned = false
	h.hwInverted = h.cfg.HardwareInverted
	h.thermalProtection = h.cfg.ThermalProtection
	h.idle = false
	h.fault = false
	h.pidTuning = false

	h.target = 0
	h.idleTemp = 0
	h.pwm = 0
	h.heating = false
	h.trState = RunawayInactive
	h.watchTarget = 0
	h.watchDeadline = 0
	h.outOfBandCount = 0
	h.idleTimerArmed = false
	h.haveTick = false
	h.pidc.Reset()

	if h.cfg.Output == nil {
		return ErrNoOutput
	}
	h.writeOutputLocked()

	if h.cfg.Sensor == nil || !h.cfg.Sensor.Configured() {
		return fmt.Errorf("%w: heater %s", ErrNoSensor, h.cfg.ID)
	}
	return nil
}

// ID returns the heater id.
func (h *Heater) ID() string { return h.cfg.ID }

// Kind returns the heater kind.
func (h *Heater) Kind() Kind { return h.cfg.Kind }

// SetTarget sets the target temperature, clamped to [0, maxtemp].
// Raising the target above the current temperature re-arms the watch
// window of the runaway automaton.
func (h *Heater) SetTarget(celsius float64) error {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fault {
		return ErrFaulted
	}
	if celsius > h.cfg.MaxTemp {
		celsius = h.cfg.MaxTemp
	}
	if celsius < 0 {
		celsius = 0
	}

	h.target = celsius
	h.idleTimerArmed = false

	if celsius == 0 {
		h.setActiveLocked(false)
		h.trState = RunawayInactive
		h.pwm = 0
		h.writeOutputLocked()
		return nil
	}

	h.setActiveLocked(true)
	if celsius > h.current {
		h.startWatchingLocked(h.clock.Monotonic())
	}
	return nil
}

// startWatchingLocked arms the first-heating watch window: the
// temperature must rise by the kind's watch increase before the
// deadline or the automaton declares runaway.
func (h *Heater) startWatchingLocked(now float64) {
	h.watchTarget = h.current + h.cfg.watchIncrease()
	h.watchDeadline = now + h.cfg.checkInterval()
	h.outOfBandCount = 0
	if h.thermalProtection && h.active {
		h.trState = RunawayFirstHeating
	}
}

// setActiveLocked enforces the Active invariant: a heater only
// activates with a configured sensor and no latched fault.
func (h *Heater) setActiveLocked(onoff bool) {
	if onoff && !h.fault && h.cfg.Sensor != nil && h.cfg.Sensor.Configured() {
		h.active = true
	} else {
		h.active = false
	}
}

// SetIdle sets or clears idle mode. Entering idle substitutes the idle
// temperature for the target and re-arms runaway detection for the
// next heating cycle.
func (h *Heater) SetIdle(onoff bool, idleTemp float64) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.idle = onoff
	h.idleTemp = idleTemp
	if onoff {
		h.trState = RunawayInactive
		h.outOfBandCount = 0
	}
}

// StartIdleTimer arms the idle timeout: after timeoutSec with no
// target change the heater drops to the given idle temperature.
func (h *Heater) StartIdleTimer(timeoutSec, idleTemp float64) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.idleTimerArmed = true
	h.idleDeadline = h.clock.Monotonic() + timeoutSec
	h.idleTemp = idleTemp
}

// ResetIdleTimer disarms the idle timeout and leaves idle mode.
func (h *Heater) ResetIdleTimer() {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.idleTimerArmed = false
	h.idle = false
}

// SetFault forces the heater into its safe state: output off,
// inactive, fault latched. Idempotent; only ResetFault clears it.
func (h *Heater) SetFault() {
	h.mu.Lock()
	h.setFaultLocked()
	h.mu.Unlock()
}

func (h *Heater) setFaultLocked() {
	h.pwm = 0
	h.writeOutputLocked()
	h.active = false
	h.fault = true
}

// ResetFault clears the fault latch and then switches the heater fully
// off. Heating never resumes as a side effect of the reset.
func (h *Heater) ResetFault() {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fault = false
	h.switchOffLocked()
	h.trState = RunawayInactive
	h.outOfBandCount = 0
}

// switchOffLocked is the full shutoff: zero target, zero output,
// inactive. The fault latch is left as-is.
func (h *Heater) switchOffLocked() {
	h.target = 0
	h.pwm = 0
	h.heating = false
	h.setActiveLocked(false)
	h.pidc.Reset()
	h.writeOutputLocked()
}

// SwitchOff turns the heater fully off.
func (h *Heater) SwitchOff() {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.switchOffLocked()
}

// DisableHeater implements safety.HeaterDisabler. Called during
// system-wide fault mitigation, possibly from interrupt context, so it
// takes only the heater lock.
func (h *Heater) DisableHeater() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.switchOffLocked()
	return nil
}

// HeaterID implements safety.HeaterDisabler.
func (h *Heater) HeaterID() string { return h.cfg.ID }

// UpdateTemperatureSnapshot reads the sensor into the current
// temperature. Sampling context only; this is the sole writer of the
// current temperature.
func (h *Heater) UpdateTemperatureSnapshot() {
	if h.cfg.Sensor == nil {
		return
	}
	temp := h.cfg.Sensor.Temperature()
	h.mu.Lock()
	h.current = temp
	h.mu.Unlock()
}

// Tick is the per-period regulation step, run from the temperature
// channel handler. It checks the sensor bounds, advances the runaway
// automaton and computes the output duty.
func (h *Heater) Tick(now float64) {
	h.mu.Lock()

	dt := h.cfg.TickPeriod
	if h.haveTick && now > h.lastTickTime {
		dt = now - h.lastTickTime
	}
	h.lastTickTime = now
	h.haveTick = true

	// Idle timeout expiry substitutes the idle temperature.
	if h.idleTimerArmed && now >= h.idleDeadline {
		h.idleTimerArmed = false
		h.idle = true
		h.trState = RunawayInactive
		h.outOfBandCount = 0
	}

	var ev *faultReport

	// Sensor bound check: a reading outside the physical range means a
	// wiring or sensor defect. This path is distinct from the runaway
	// automaton and fires regardless of its state.
	if h.active && !h.fault {
		if h.current < h.cfg.MinTemp {
			ev = h.sensorFaultLocked("temperature %.1f below mintemp %.1f", h.current, h.cfg.MinTemp)
		} else if h.current > h.cfg.MaxTemp {
			ev = h.sensorFaultLocked("temperature %.1f above maxtemp %.1f", h.current, h.cfg.MaxTemp)
		}
	}

	if ev == nil && h.thermalProtection && h.active && !h.fault && !h.pidTuning && !h.idle {
		ev = h.runawayTickLocked(now)
	}

	if !h.pidTuning {
		h.computeOutputLocked(dt)
	}

	h.mu.Unlock()

	if ev != nil {
		h.report(ev)
	}
}

type faultReport struct {
	reason safety.Reason
	msg    string
}

func (h *Heater) sensorFaultLocked(format string, args ...interface{}) *faultReport {
	h.setFaultLocked()
	h.trState = RunawayInactive
	return &faultReport{reason: safety.ReasonSensorFault, msg: fmt.Sprintf(format, args...)}
}

func (h *Heater) report(ev *faultReport) {
	h.logger.Error("%s: %s", ev.reason, ev.msg)
	if h.onFault != nil {
		h.onFault(ev.reason, ev.msg)
	}
}

// computeOutputLocked derives the output duty for this tick and writes
// it to the pin.
func (h *Heater) computeOutputLocked(dt float64) {
	if h.fault || !h.active {
		h.pwm = 0
		h.heating = false
		h.writeOutputLocked()
		return
	}

	eff := h.target
	if h.idle {
		eff = h.idleTemp
	}

	if h.usePid {
		out := h.pidc.Compute(eff-h.current, h.current, dt)
		h.pwm = uint8(math.Round(out))
	} else {
		// Bang-bang with hysteresis: hold the previous output inside
		// the band to avoid chattering the output.
		if h.current < eff-h.cfg.hysteresis() {
			h.heating = true
		} else if h.current >= eff {
			h.heating = false
		}
		if h.heating {
			h.pwm = PWMMax
		} else {
			h.pwm = 0
		}
	}
	h.writeOutputLocked()
}

// writeOutputLocked writes the logical duty to the pin, applying the
// hardware inversion at the wire.
func (h *Heater) writeOutputLocked() {
	if h.cfg.Output == nil {
		return
	}
	out := h.pwm
	if h.hwInverted {
		out = PWMMax - h.pwm
	}
	if err := h.cfg.Output.WriteDuty(out); err != nil {
		h.logger.Error("output write: %v", err)
	}
}

// IsHeating reports whether the target is above the current reading.
func (h *Heater) IsHeating() bool {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target > h.current
}

// IsCooling reports whether the target is at or below the current
// reading.
func (h *Heater) IsCooling() bool { return !h.IsHeating() }

// WaitForTarget busy-polls until the temperature is within the
// hysteresis band of the target. With noWaitForCooling set it returns
// immediately when the heater is already at or above target. The poll
// services the watchdog and aborts on fault rather than blocking
// forever.
func (h *Heater) WaitForTarget(noWaitForCooling bool) error {
	for {
		if h.heartbeat != nil {
			h.heartbeat()
		}

		g := h.ints.Suspend()
		h.mu.Lock()
		fault := h.fault
		active := h.active
		current := h.current
		target := h.target
		h.mu.Unlock()
		g.Restore()

		if fault {
			return ErrFaulted
		}
		if !active || target == 0 {
			return nil
		}
		if noWaitForCooling && current >= target {
			return nil
		}
		if math.Abs(current-target) <= h.cfg.hysteresis() {
			return nil
		}

		h.clock.Pause(h.clock.Monotonic() + 0.25)
	}
}

// Gains returns the PID gains.
func (h *Heater) Gains() pid.Gains {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pidc.Gains()
}

// SetGains replaces the PID gains and resets accumulated PID state.
func (h *Heater) SetGains(gains pid.Gains) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pidc.SetGains(gains)
}

// Flag accessors.

func (h *Heater) IsActive() bool            { return h.readFlag(&h.active) }
func (h *Heater) IsFault() bool             { return h.readFlag(&h.fault) }
func (h *Heater) IsIdle() bool              { return h.readFlag(&h.idle) }
func (h *Heater) IsUsePid() bool            { return h.readFlag(&h.usePid) }
func (h *Heater) IsPidTuned() bool          { return h.readFlag(&h.pidTuned) }
func (h *Heater) IsPidTuning() bool         { return h.readFlag(&h.pidTuning) }
func (h *Heater) IsThermalProtection() bool { return h.readFlag(&h.thermalProtection) }

func (h *Heater) readFlag(f *bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *f
}

// SetActive requests activation. Refused while faulted or without a
// configured sensor.
func (h *Heater) SetActive(onoff bool) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.setActiveLocked(onoff)
	if h.active && h.target > h.current {
		h.startWatchingLocked(h.clock.Monotonic())
	}
}

// SetUsePid selects PID or bang-bang output control.
func (h *Heater) SetUsePid(onoff bool) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usePid = onoff
	h.pidc.Reset()
}

// SetThermalProtection enables or disables the runaway automaton.
func (h *Heater) SetThermalProtection(onoff bool) {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thermalProtection = onoff
	if !onoff {
		h.trState = RunawayInactive
		h.outOfBandCount = 0
	}
}

// CurrentTemperature returns the latest calibrated reading.
func (h *Heater) CurrentTemperature() float64 {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// TargetTemperature returns the commanded target.
func (h *Heater) TargetTemperature() float64 {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

// PWM returns the logical output duty.
func (h *Heater) PWM() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pwm
}

// Status is a read-only snapshot for the report surface.
type Status struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Temperature float64 `json:"temperature"`
	Target      float64 `json:"target"`
	PWM         uint8   `json:"pwm"`
	Active      bool    `json:"active"`
	Fault       bool    `json:"fault"`
	Idle        bool    `json:"idle"`
	UsePid      bool    `json:"use_pid"`
	PidTuned    bool    `json:"pid_tuned"`
	Runaway     string  `json:"runaway_state"`
	Kp          float64 `json:"kp"`
	Ki          float64 `json:"ki"`
	Kd          float64 `json:"kd"`
}

// GetStatus returns the heater status snapshot.
func (h *Heater) GetStatus() Status {
	g := h.ints.Suspend()
	defer g.Restore()
	h.mu.Lock()
	defer h.mu.Unlock()

	gains := h.pidc.Gains()
	return Status{
		ID:          h.cfg.ID,
		Kind:        h.cfg.Kind.String(),
		Temperature: h.current,
		Target:      h.target,
		PWM:         h.pwm,
		Active:      h.active,
		Fault:       h.fault,
		Idle:        h.idle,
		UsePid:      h.usePid,
		PidTuned:    h.pidTuned,
		Runaway:     h.trState.String(),
		Kp:          gains.Kp,
		Ki:          gains.Ki,
		Kd:          gains.Kd,
	}
}
