// Package safety owns fault mitigation and the liveness watchdog.
// Every fatal thermal condition funnels through the Manager: the
// failing heater has already forced itself to a safe state by the time
// Fault is called, and the manager then shuts down every other
// registered heater, latches the fault, and notifies reporters.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"thermd/pkg/log"
)

// Reason describes why a fault was raised.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonSensorFault     Reason = "sensor_fault"
	ReasonThermalRunaway  Reason = "thermal_runaway"
	ReasonAutotuneFailure Reason = "autotune_failure"
	ReasonEmergencyStop   Reason = "emergency_stop"
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
)

// Common errors
var (
	ErrFaulted = errors.New("safety: system is faulted")
)

// HeaterDisabler can force a heater into its safe off state.
type HeaterDisabler interface {
	DisableHeater() error
	HeaterID() string
}

// Event records one fault occurrence.
type Event struct {
	Reason   Reason
	HeaterID string
	Message  string
	Time     time.Time
}

func (e Event) String() string {
	if e.HeaterID == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("heater %s: %s: %s", e.HeaterID, e.Reason, e.Message)
}

// Petter services a hardware watchdog device.
type Petter interface {
	Pet() error
	Close() error
}

// Manager latches fault state and coordinates mitigation.
type Manager struct {
	mu sync.RWMutex

	faulted bool
	first   Event

	heaters []HeaterDisabler
	onFault []func(Event)

	logger *log.Logger

	// Watchdog
	watchdogMu      sync.Mutex
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogStop    chan struct{}
	petter          Petter
}

// New creates a safety Manager.
func New(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New("safety")
	}
	return &Manager{
		logger:          logger,
		watchdogTimeout: 5 * time.Second,
	}
}

// SetWatchdogTimeout sets the software watchdog interval.
func (m *Manager) SetWatchdogTimeout(d time.Duration) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if d > 0 {
		m.watchdogTimeout = d
	}
}

// SetPetter attaches a hardware watchdog to pet on every heartbeat.
func (m *Manager) SetPetter(p Petter) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.petter = p
}

// RegisterHeater registers a heater for fault shutdown.
func (m *Manager) RegisterHeater(h HeaterDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heaters = append(m.heaters, h)
}

// OnFault registers a reporter callback, invoked after mitigation.
func (m *Manager) OnFault(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFault = append(m.onFault, fn)
}

// Faulted reports whether a fault has been latched.
func (m *Manager) Faulted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faulted
}

// FirstFault returns the first latched fault event.
func (m *Manager) FirstFault() (Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first, m.faulted
}

// Fault performs mitigation for the given fault: all registered
// heaters are disabled, the fault is latched, then reporters run.
// Mitigation is synchronous; reporting never precedes it. Repeated
// faults after the first are mitigated again but not re-latched.
func (m *Manager) Fault(reason Reason, heaterID, message string) {
	ev := Event{Reason: reason, HeaterID: heaterID, Message: message, Time: time.Now()}

	m.mu.Lock()
	if !m.faulted {
		m.faulted = true
		m.first = ev
	}
	heaters := make([]HeaterDisabler, len(m.heaters))
	copy(heaters, m.heaters)
	onFault := make([]func(Event), len(m.onFault))
	copy(onFault, m.onFault)
	m.mu.Unlock()

	for _, h := range heaters {
		if err := h.DisableHeater(); err != nil {
			m.logger.Error("disable heater %s: %v", h.HeaterID(), err)
		}
	}

	m.logger.Error("%s", ev.String())
	for _, fn := range onFault {
		fn(ev)
	}
}

// Reset clears the latched fault. Heaters stay off; re-activation is a
// separate, explicit operator step on each heater.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.faulted {
		return errors.New("safety: not faulted")
	}
	m.faulted = false
	m.first = Event{}
	return nil
}

// Heartbeat marks the main loop alive and pets any hardware watchdog.
// Busy-polling operations (temperature waits, autotune) must call this
// every iteration.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	m.lastHeartbeat = time.Now()
	p := m.petter
	m.watchdogMu.Unlock()

	if p != nil {
		if err := p.Pet(); err != nil {
			m.logger.Warn("watchdog pet: %v", err)
		}
	}
}

// StartWatchdog starts the software watchdog. A missed heartbeat
// faults the whole system; a hung regulation loop must never leave
// heaters energized.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogStop != nil {
		return
	}
	m.watchdogStop = make(chan struct{})
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(m.watchdogStop)
}

// StopWatchdog stops the software watchdog.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogStop != nil {
		close(m.watchdogStop)
		m.watchdogStop = nil
	}
}

func (m *Manager) watchdogLoop(stop chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.Fault(ReasonWatchdogTimeout, "", "main loop heartbeat timeout")
				return
			}
		}
	}
}
