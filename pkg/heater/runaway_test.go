// Thermal runaway automaton tests
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package heater

import (
	"testing"

	"thermd/pkg/safety"
)

// Hotend protection scenario with the kind defaults: check interval
// 20s, hysteresis 3, watch increase 2.
func TestFirstHeatingReachesWatchTarget(t *testing.T) {
	f := newFixture(t, nil)

	// Target 200 from 20°C arms a watch window: reach 22 within 20s.
	if err := f.h.SetTarget(200); err != nil {
		t.Fatal(err)
	}
	if f.h.RunawayStateNow() != RunawayFirstHeating {
		t.Fatalf("state %v, want first_heating", f.h.RunawayStateNow())
	}

	// 23°C at t=15s clears the window.
	f.setTemp(23)
	f.h.Tick(15)
	if f.h.RunawayStateNow() != RunawayStable {
		t.Errorf("state %v, want stable", f.h.RunawayStateNow())
	}
	if f.h.IsFault() {
		t.Error("no fault expected")
	}
}

func TestFirstHeatingStallIsRunaway(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)

	// Only 21°C by the 20s deadline: rise of 1 against a required 2.
	f.setTemp(21)
	f.h.Tick(20)

	if f.h.RunawayStateNow() != RunawayErr {
		t.Fatalf("state %v, want runaway", f.h.RunawayStateNow())
	}
	if !f.h.IsFault() {
		t.Fatal("runaway must latch the fault")
	}
	if f.h.PWM() != 0 {
		t.Error("runaway must zero the output")
	}
	reasons := f.faultReasons()
	if len(reasons) != 1 || reasons[0] != safety.ReasonThermalRunaway {
		t.Errorf("fault reasons %v, want one thermal_runaway", reasons)
	}
}

func TestStableToleratesBoundedExcursion(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.setTemp(200)
	f.h.Tick(1)
	if f.h.RunawayStateNow() != RunawayStable {
		t.Fatalf("state %v, want stable", f.h.RunawayStateNow())
	}

	// Out of band (|196-200| > 3) for fewer ticks than the 20s check
	// interval, then back in band.
	f.setTemp(196)
	for i := 0; i < 19; i++ {
		f.h.Tick(float64(2 + i))
	}
	if f.h.IsFault() {
		t.Fatal("excursion shorter than the check interval must not fault")
	}

	f.setTemp(199)
	f.h.Tick(25)

	// The counter was reset; a fresh excursion gets the full interval.
	f.setTemp(196)
	for i := 0; i < 19; i++ {
		f.h.Tick(float64(26 + i))
	}
	if f.h.IsFault() {
		t.Error("excursion counter must reset on re-entering the band")
	}
}

func TestStableSustainedExcursionIsRunaway(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.setTemp(200)
	f.h.Tick(1)

	f.setTemp(196)
	for i := 0; i < 20 && !f.h.IsFault(); i++ {
		f.h.Tick(float64(2 + i))
	}

	if f.h.RunawayStateNow() != RunawayErr {
		t.Fatalf("state %v, want runaway", f.h.RunawayStateNow())
	}
	if !f.h.IsFault() {
		t.Fatal("sustained excursion must fault")
	}
	reasons := f.faultReasons()
	if len(reasons) != 1 || reasons[0] != safety.ReasonThermalRunaway {
		t.Errorf("fault reasons %v, want one thermal_runaway", reasons)
	}
}

func TestRaisedTargetRearmsWatch(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.setTemp(200)
	f.h.Tick(1)
	if f.h.RunawayStateNow() != RunawayStable {
		t.Fatalf("state %v, want stable", f.h.RunawayStateNow())
	}

	// Raising the target re-enters first heating with a fresh window.
	f.h.SetTarget(240)
	if f.h.RunawayStateNow() != RunawayFirstHeating {
		t.Errorf("state %v, want first_heating after target raise", f.h.RunawayStateNow())
	}
}

func TestProtectionDisabledNeverFaults(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ThermalProtection = false })

	f.h.SetTarget(200)
	if f.h.RunawayStateNow() != RunawayInactive {
		t.Fatalf("state %v, want inactive with protection off", f.h.RunawayStateNow())
	}

	// Stalled forever: no runaway with protection off.
	f.setTemp(21)
	for i := 0; i < 100; i++ {
		f.h.Tick(float64(i))
	}
	if f.h.IsFault() {
		t.Error("protection off must never declare runaway")
	}
}

func TestRunawayTerminalUntilReset(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.setTemp(21)
	f.h.Tick(20)
	if f.h.RunawayStateNow() != RunawayErr {
		t.Fatal("setup: expected runaway")
	}

	// Further ticks keep the state and report nothing new.
	f.h.Tick(30)
	f.h.Tick(40)
	if got := len(f.faultReasons()); got != 1 {
		t.Errorf("runaway reported %d times, want once", got)
	}

	f.h.ResetFault()
	if f.h.RunawayStateNow() != RunawayInactive {
		t.Errorf("state %v after reset, want inactive", f.h.RunawayStateNow())
	}
}

func TestTargetClearedReturnsToInactive(t *testing.T) {
	f := newFixture(t, nil)

	f.h.SetTarget(200)
	f.setTemp(200)
	f.h.Tick(1)

	f.h.SetTarget(0)
	if f.h.RunawayStateNow() != RunawayInactive {
		t.Errorf("state %v, want inactive after target cleared", f.h.RunawayStateNow())
	}
}
