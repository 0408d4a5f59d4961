// Heater controller tests
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package heater

import (
	"errors"
	"sync"
	"testing"

	"thermd/pkg/gpio"
	"thermd/pkg/hal"
	"thermd/pkg/pid"
	"thermd/pkg/safety"
	"thermd/pkg/sensor"
)

// simClock advances only when paused, and lets the test drive a plant
// model from inside the wait.
type simClock struct {
	mu      sync.Mutex
	now     float64
	onPause func(now, dt float64)
}

func (c *simClock) Monotonic() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Pause(waketime float64) float64 {
	c.mu.Lock()
	dt := waketime - c.now
	if dt < 0 {
		dt = 0
	}
	c.now = waketime
	now := c.now
	fn := c.onPause
	c.mu.Unlock()
	if fn != nil && dt > 0 {
		fn(now, dt)
	}
	return now
}

type fixture struct {
	h      *Heater
	sim    *sensor.Sim
	out    *gpio.FakeOutput
	ints   *hal.InterruptState
	clock  *simClock
	faults []safety.Reason
	mu     sync.Mutex
}

func (f *fixture) faultReasons() []safety.Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]safety.Reason(nil), f.faults...)
}

// setTemp moves the simulated sensor and refreshes the snapshot, as
// the sampling tick would.
func (f *fixture) setTemp(temp float64) {
	f.sim.Set(temp)
	f.h.UpdateTemperatureSnapshot()
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		sim:   sensor.NewSim(20),
		out:   &gpio.FakeOutput{},
		ints:  hal.NewInterruptState(),
		clock: &simClock{},
	}
	cfg := Config{
		ID:                "hotend",
		Kind:              Hotend,
		Output:            f.out,
		Sensor:            f.sim,
		MinTemp:           5,
		MaxTemp:           275,
		TickPeriod:        1,
		UsePid:            true,
		Gains:             pid.Gains{Kp: 20, Ki: 1, Kd: 80},
		ThermalProtection: true,
	}
	if mut != nil {
		mut(&cfg)
	}

	f.h = New(cfg, f.ints, nil)
	f.h.SetClock(f.clock)
	f.h.SetFaultHook(func(reason safety.Reason, msg string) {
		f.mu.Lock()
		f.faults = append(f.faults, reason)
		f.mu.Unlock()
	})
	if err := f.h.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	f.setTemp(20)
	return f
}

// Gains from the config file are a starting point, not evidence of a
// completed tune: only a stored autotune raises the tuned flag.
func TestInitConfiguredGainsNotTuned(t *testing.T) {
	f := newFixture(t, nil)

	if !f.h.IsUsePid() {
		t.Fatal("fixture should be pid-controlled")
	}
	if f.h.IsPidTuned() {
		t.Error("configured gains must not mark the pid as tuned")
	}
}

func TestInitRequiresSensor(t *testing.T) {
	f := &fixture{out: &gpio.FakeOutput{}, ints: hal.NewInterruptState()}
	h := New(Config{
		ID:      "broken",
		Output:  f.out,
		Sensor:  sensor.NewUnconfigured(),
		MaxTemp: 275,
	}, f.ints, nil)

	if err := h.Init(); !errors.Is(err, ErrNoSensor) {
		t.Fatalf("expected ErrNoSensor, got %v", err)
	}
	if h.IsActive() {
		t.Error("heater without sensor must not be active")
	}
	if h.PWM() != 0 {
		t.Error("heater without sensor must drive zero output")
	}
}

func TestSetTargetActivates(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.h.SetTarget(200); err != nil {
		t.Fatal(err)
	}
	if !f.h.IsActive() {
		t.Error("setting a target must activate the heater")
	}
	if f.h.TargetTemperature() != 200 {
		t.Errorf("target %v, want 200", f.h.TargetTemperature())
	}
	if f.h.RunawayStateNow() != RunawayFirstHeating {
		t.Errorf("runaway state %v, want first_heating", f.h.RunawayStateNow())
	}
}

func TestSetTargetZeroDeactivates(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.h.SetTarget(0)
	if f.h.IsActive() {
		t.Error("zero target must deactivate")
	}
	if f.h.PWM() != 0 {
		t.Error("zero target must zero the output")
	}
	if f.h.RunawayStateNow() != RunawayInactive {
		t.Errorf("runaway state %v, want inactive", f.h.RunawayStateNow())
	}
}

func TestSetTargetClampedToMaxTemp(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.h.SetTarget(300); err != nil {
		t.Fatal(err)
	}
	if got := f.h.TargetTemperature(); got != 275 {
		t.Errorf("target %.1f, want clamp at 275", got)
	}
	if !f.h.IsActive() {
		t.Error("clamped target must still activate the heater")
	}
}

func TestSetTargetNegativeClamped(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.h.SetTarget(-10); err != nil {
		t.Fatal(err)
	}
	if f.h.TargetTemperature() != 0 {
		t.Errorf("negative target clamps to 0, got %v", f.h.TargetTemperature())
	}
}

func TestSetActiveRefusedWhileFaulted(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetFault()
	f.h.SetActive(true)
	if f.h.IsActive() {
		t.Error("SetActive(true) must be refused while faulted")
	}
	if err := f.h.SetTarget(100); !errors.Is(err, ErrFaulted) {
		t.Errorf("SetTarget while faulted: got %v, want ErrFaulted", err)
	}
}

func TestSetFaultIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.h.SetFault()
	first := f.h.GetStatus()

	f.h.SetFault()
	second := f.h.GetStatus()

	if first != second {
		t.Errorf("repeated SetFault changed state: %+v vs %+v", first, second)
	}
	if !second.Fault || second.Active || second.PWM != 0 {
		t.Errorf("faulted state wrong: %+v", second)
	}
}

func TestResetFaultLeavesHeaterOff(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.h.SetFault()
	f.h.ResetFault()

	st := f.h.GetStatus()
	if st.Fault {
		t.Error("fault latch must clear")
	}
	if st.Active || st.Target != 0 || st.PWM != 0 {
		t.Errorf("ResetFault must leave the heater fully off: %+v", st)
	}

	// The heater is usable again after an explicit new target.
	if err := f.h.SetTarget(100); err != nil {
		t.Fatalf("reactivation after reset failed: %v", err)
	}
	if !f.h.IsActive() {
		t.Error("heater should activate after fault reset and new target")
	}
}

// Whenever Fault or not-Active holds after a tick, the output must be
// zero. Swept across flag combinations.
func TestOutputZeroWhenNotHeatingInvariant(t *testing.T) {
	cases := []struct {
		name string
		prep func(f *fixture)
	}{
		{"inactive", func(f *fixture) {}},
		{"faulted", func(f *fixture) {
			f.h.SetTarget(200)
			f.h.SetFault()
		}},
		{"switched_off", func(f *fixture) {
			f.h.SetTarget(200)
			f.h.SwitchOff()
		}},
		{"disabled", func(f *fixture) {
			f.h.SetTarget(200)
			f.h.DisableHeater()
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tc.prep(f)
			f.h.Tick(1)
			if f.h.PWM() != 0 {
				t.Errorf("pwm %d, want 0", f.h.PWM())
			}
			if last, ok := f.out.Last(); ok && last != 0 {
				t.Errorf("wire duty %d, want 0", last)
			}
		})
	}
}

// With inverted hardware, logical zero must be written as full-scale
// at the wire.
func TestHardwareInversion(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HardwareInverted = true })

	f.h.SetTarget(200)
	f.h.SetFault()
	f.h.Tick(1)

	if f.h.PWM() != 0 {
		t.Errorf("logical pwm %d, want 0", f.h.PWM())
	}
	last, ok := f.out.Last()
	if !ok || last != PWMMax {
		t.Errorf("inverted wire duty %d, want %d", last, PWMMax)
	}
}

func TestBangBangHysteresis(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.UsePid = false
		c.Hysteresis = 3
	})
	f.h.SetTarget(100)

	f.setTemp(90) // below target - hysteresis
	f.h.Tick(1)
	if f.h.PWM() != PWMMax {
		t.Fatalf("cold: pwm %d, want full on", f.h.PWM())
	}

	f.setTemp(98) // inside the band while heating: hold on
	f.h.Tick(2)
	if f.h.PWM() != PWMMax {
		t.Errorf("in band while heating: pwm %d, want full on", f.h.PWM())
	}

	f.setTemp(100.5) // at/above target: off
	f.h.Tick(3)
	if f.h.PWM() != 0 {
		t.Errorf("above target: pwm %d, want 0", f.h.PWM())
	}

	f.setTemp(98) // inside the band while cooling: hold off
	f.h.Tick(4)
	if f.h.PWM() != 0 {
		t.Errorf("in band while cooling: pwm %d, want 0", f.h.PWM())
	}

	f.setTemp(96.5) // below the band again: on
	f.h.Tick(5)
	if f.h.PWM() != PWMMax {
		t.Errorf("below band: pwm %d, want full on", f.h.PWM())
	}
}

func TestPidDrivesOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)

	f.setTemp(20)
	f.h.Tick(1)
	if f.h.PWM() != PWMMax {
		t.Errorf("cold start under PID: pwm %d, want saturated", f.h.PWM())
	}
}

func TestMaxTempFault(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)

	f.setTemp(280)
	f.h.Tick(1)

	if !f.h.IsFault() {
		t.Fatal("overtemperature must fault the heater")
	}
	if f.h.PWM() != 0 {
		t.Error("faulted heater must drive zero output")
	}
	reasons := f.faultReasons()
	if len(reasons) != 1 || reasons[0] != safety.ReasonSensorFault {
		t.Errorf("fault reasons %v, want one sensor_fault", reasons)
	}
}

func TestMinTempFault(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)

	f.setTemp(2) // a detached thermistor reads below mintemp
	f.h.Tick(1)

	if !f.h.IsFault() {
		t.Fatal("undertemperature must fault the heater")
	}
	reasons := f.faultReasons()
	if len(reasons) != 1 || reasons[0] != safety.ReasonSensorFault {
		t.Errorf("fault reasons %v, want one sensor_fault", reasons)
	}
}

func TestIdleSubstitutesTarget(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.UsePid = false
		c.Hysteresis = 3
	})
	f.h.SetTarget(200)

	f.setTemp(150)
	f.h.Tick(1)
	if f.h.PWM() != PWMMax {
		t.Fatalf("below target: pwm %d, want full on", f.h.PWM())
	}

	// Idle at 100: current 150 is now above the effective target.
	f.h.SetIdle(true, 100)
	f.h.Tick(2)
	if f.h.PWM() != 0 {
		t.Errorf("idle at 100 with current 150: pwm %d, want 0", f.h.PWM())
	}
	if f.h.RunawayStateNow() != RunawayInactive {
		t.Errorf("entering idle must reset runaway state, got %v", f.h.RunawayStateNow())
	}

	f.h.SetIdle(false, 0)
	f.h.Tick(3)
	if f.h.PWM() != PWMMax {
		t.Errorf("leaving idle below target: pwm %d, want full on", f.h.PWM())
	}
}

func TestIdleTimerExpiry(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)
	f.h.StartIdleTimer(30, 80)

	f.h.Tick(10)
	if f.h.IsIdle() {
		t.Fatal("idle before timeout")
	}
	f.h.Tick(31)
	if !f.h.IsIdle() {
		t.Fatal("idle timeout must engage idle mode")
	}

	f.h.ResetIdleTimer()
	if f.h.IsIdle() {
		t.Error("ResetIdleTimer must leave idle mode")
	}
}

func TestWaitForTarget(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Hysteresis = 3 })
	f.h.SetTarget(100)

	f.clock.onPause = func(now, dt float64) {
		// Crude plant: 5 degrees per second toward target.
		next := f.sim.Temperature() + 5*dt
		f.setTemp(next)
	}

	if err := f.h.WaitForTarget(false); err != nil {
		t.Fatalf("WaitForTarget failed: %v", err)
	}
	if diff := f.h.TargetTemperature() - f.h.CurrentTemperature(); diff > 3 {
		t.Errorf("returned %v below target", diff)
	}
}

func TestWaitForTargetAbortsOnFault(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)

	f.clock.onPause = func(now, dt float64) {
		if now > 2 {
			f.h.SetFault()
		}
	}

	if err := f.h.WaitForTarget(false); !errors.Is(err, ErrFaulted) {
		t.Fatalf("expected ErrFaulted, got %v", err)
	}
}

func TestWaitForTargetNoWaitForCooling(t *testing.T) {
	f := newFixture(t, nil)
	f.setTemp(220)
	f.h.SetTarget(200)

	// Already above target: must return immediately without a plant.
	if err := f.h.WaitForTarget(true); err != nil {
		t.Fatalf("WaitForTarget failed: %v", err)
	}
}

func TestWaitForTargetServicesHeartbeat(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Hysteresis = 3 })

	beats := 0
	f.h.SetHeartbeat(func() { beats++ })
	f.h.SetTarget(100)

	f.clock.onPause = func(now, dt float64) {
		f.setTemp(f.sim.Temperature() + 10*dt)
	}
	if err := f.h.WaitForTarget(false); err != nil {
		t.Fatal(err)
	}
	if beats == 0 {
		t.Error("wait loop never serviced the watchdog")
	}
}

// Concurrent snapshot updates, ticks and status reads must never tear.
// Run with -race.
func TestConcurrentTickAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			f.sim.Set(20 + float64(i%100))
			f.h.UpdateTemperatureSnapshot()
			f.h.Tick(float64(i))
		}
		close(done)
	}()

	for i := 0; i < 500; i++ {
		_ = f.h.GetStatus()
		_ = f.h.CurrentTemperature()
		_ = f.h.IsHeating()
	}
	<-done
}

func TestDisableHeaterKeepsFaultClear(t *testing.T) {
	f := newFixture(t, nil)
	f.h.SetTarget(200)

	// System-wide mitigation switches the heater off without marking
	// it as the failed one.
	f.h.DisableHeater()
	st := f.h.GetStatus()
	if st.Fault {
		t.Error("DisableHeater must not latch a fault")
	}
	if st.Active || st.PWM != 0 || st.Target != 0 {
		t.Errorf("DisableHeater must fully switch off: %+v", st)
	}
	if f.h.HeaterID() != "hotend" {
		t.Errorf("HeaterID %q", f.h.HeaterID())
	}
}
