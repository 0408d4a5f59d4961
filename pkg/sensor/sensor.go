// Package sensor converts raw ADC readings into calibrated
// temperatures and detects wiring faults. The heater controller only
// consumes the Reader interface; everything else here is the
// thermistor math behind one concrete implementation.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package sensor

import (
	"errors"
	"math"
	"sync"
)

// Common errors
var (
	ErrSensorOpen  = errors.New("sensor: open circuit")
	ErrSensorShort = errors.New("sensor: short circuit")
	ErrOutOfRange  = errors.New("sensor: temperature out of range")
)

// Reader supplies calibrated temperature samples to a heater.
type Reader interface {
	// Temperature returns the last calibrated reading in Celsius.
	Temperature() float64

	// Configured reports whether a physical sensor is attached.
	Configured() bool
}

const (
	// ADCRange is the raw range of a 10-bit converter.
	ADCRange = 1023

	// Oversample is the number of raw conversions accumulated per
	// reported sample.
	Oversample = 16

	absZero = -273.15
)

// ThermistorParams holds NTC thermistor coefficients. When the
// Steinhart-Hart coefficients are set they take precedence over the
// simplified beta model.
type ThermistorParams struct {
	Beta   float64
	R0     float64 // resistance at T0
	T0     float64 // reference temperature, Kelvin
	Pullup float64

	SteinhartA float64
	SteinhartB float64
	SteinhartC float64
}

// DefaultThermistorParams returns coefficients for the common 100K
// bed/hotend thermistor with a 4.7K pullup.
func DefaultThermistorParams() ThermistorParams {
	return ThermistorParams{
		Beta:   3950,
		R0:     100000,
		T0:     298.15,
		Pullup: 4700,
	}
}

// Config holds thermistor sensor configuration.
type Config struct {
	Name      string
	Params    ThermistorParams
	MinTemp   float64
	MaxTemp   float64
	MaxFaults int
}

// Thermistor is a Reader backed by an NTC thermistor on an ADC input.
type Thermistor struct {
	mu sync.RWMutex

	name      string
	params    ThermistorParams
	minTemp   float64
	maxTemp   float64
	maxFaults int

	lastTemp   float64
	lastRaw    float64
	faultCount int
	haveSample bool
}

// NewThermistor creates a thermistor sensor.
func NewThermistor(cfg Config) *Thermistor {
	if cfg.MaxFaults <= 0 {
		cfg.MaxFaults = 3
	}
	return &Thermistor{
		name:      cfg.Name,
		params:    cfg.Params,
		minTemp:   cfg.MinTemp,
		maxTemp:   cfg.MaxTemp,
		maxFaults: cfg.MaxFaults,
	}
}

// UpdateRaw processes one oversampled ADC accumulation. Transient bad
// readings are tolerated up to the configured consecutive fault count;
// a sustained open or short circuit is reported as an error.
func (t *Thermistor) UpdateRaw(raw float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastRaw = raw
	adc := raw / Oversample

	if adc <= 0 {
		return t.fault(ErrSensorShort)
	}
	if adc >= ADCRange {
		return t.fault(ErrSensorOpen)
	}

	temp := t.adcToTemp(adc)
	if temp < t.minTemp || temp > t.maxTemp {
		return t.fault(ErrOutOfRange)
	}

	t.faultCount = 0
	t.lastTemp = temp
	t.haveSample = true
	return nil
}

func (t *Thermistor) fault(err error) error {
	t.faultCount++
	if t.faultCount >= t.maxFaults {
		return err
	}
	return nil
}

// adcToTemp converts a single-conversion ADC value to Celsius using
// the voltage divider and thermistor equations.
func (t *Thermistor) adcToTemp(adc float64) float64 {
	p := t.params
	r := p.Pullup * adc / (ADCRange - adc)
	if r <= 0 {
		return absZero
	}

	var tempK float64
	if p.SteinhartA != 0 && p.SteinhartB != 0 && p.SteinhartC != 0 {
		lnR := math.Log(r)
		tempK = 1.0 / (p.SteinhartA + p.SteinhartB*lnR + p.SteinhartC*lnR*lnR*lnR)
	} else {
		tempK = 1.0 / (1.0/p.T0 + math.Log(r/p.R0)/p.Beta)
	}
	return tempK - 273.15
}

// TempToRaw converts a temperature to the oversampled ADC value that
// would produce it. Used for calibration and test fixtures.
func (t *Thermistor) TempToRaw(tempC float64) float64 {
	p := t.params
	tempK := tempC + 273.15
	r := p.R0 * math.Exp(p.Beta*(1.0/tempK-1.0/p.T0))
	adc := r * ADCRange / (r + p.Pullup)
	return adc * Oversample
}

// Temperature implements Reader.
func (t *Thermistor) Temperature() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastTemp
}

// Configured implements Reader. A thermistor counts as configured once
// its coefficients are set.
func (t *Thermistor) Configured() bool {
	return t.params.R0 > 0 && t.params.Pullup > 0
}

// Faulted reports whether the consecutive fault count has been
// exceeded.
func (t *Thermistor) Faulted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.faultCount >= t.maxFaults
}

// Name returns the sensor name.
func (t *Thermistor) Name() string { return t.name }

// Sim is a Reader with a directly settable temperature, for tests and
// host-side simulation.
type Sim struct {
	mu         sync.RWMutex
	temp       float64
	configured bool
}

// NewSim creates a simulated sensor reading the given temperature.
func NewSim(temp float64) *Sim {
	return &Sim{temp: temp, configured: true}
}

// NewUnconfigured creates a Sim that reports no sensor attached.
func NewUnconfigured() *Sim {
	return &Sim{}
}

// Set updates the simulated temperature.
func (s *Sim) Set(temp float64) {
	s.mu.Lock()
	s.temp = temp
	s.mu.Unlock()
}

// Temperature implements Reader.
func (s *Sim) Temperature() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.temp
}

// Configured implements Reader.
func (s *Sim) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configured
}
