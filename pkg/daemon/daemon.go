// Package daemon builds and runs the whole regulator from a parsed
// configuration: sensors, outputs, heaters, the interrupt timer, the
// safety manager and the reporting surfaces.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package daemon

import (
	"fmt"
	"time"

	"thermd/pkg/alert"
	"thermd/pkg/config"
	"thermd/pkg/gpio"
	"thermd/pkg/hal"
	"thermd/pkg/heater"
	"thermd/pkg/log"
	"thermd/pkg/pid"
	"thermd/pkg/report"
	"thermd/pkg/safety"
	"thermd/pkg/sensor"
	"thermd/pkg/timer"
)

// Daemon owns every subsystem for one run of the regulator.
type Daemon struct {
	logger *log.Logger

	ints    *hal.InterruptState
	sched   *timer.Scheduler
	safety  *safety.Manager
	heaters *heater.Manager

	publisher alert.Publisher
	server    *report.Server

	samplers []func()
	outputs  []gpio.Output
	watchdog *safety.HardwareWatchdog

	samplePeriod time.Duration
	statusPeriod time.Duration
	statusStop   chan struct{}
	serverErr    chan error
}

// New builds a daemon from configuration. Nothing is started yet.
func New(cfg *config.Config, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New("thermd")
	}
	d := &Daemon{
		logger:     logger,
		ints:       hal.NewInterruptState(),
		statusStop: make(chan struct{}),
		serverErr:  make(chan error, 1),
	}

	if err := d.buildSafety(cfg); err != nil {
		return nil, err
	}
	if err := d.buildTimer(cfg); err != nil {
		return nil, err
	}
	d.heaters = heater.NewManager(d.ints, d.safety, logger.WithFields(log.Fields{"sub": "heaters"}))
	if err := d.buildHeaters(cfg); err != nil {
		return nil, err
	}
	if err := d.buildAlert(cfg); err != nil {
		return nil, err
	}
	d.buildReport(cfg)

	if err := cfg.CheckUnused(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) buildSafety(cfg *config.Config) error {
	d.safety = safety.New(d.logger.WithFields(log.Fields{"sub": "safety"}))

	sec := cfg.GetSectionOptional("safety")
	if sec == nil {
		return nil
	}

	timeoutSec, err := sec.GetFloat("watchdog_timeout", 0)
	if err != nil {
		return err
	}
	if timeoutSec > 0 {
		d.safety.SetWatchdogTimeout(time.Duration(timeoutSec * float64(time.Second)))
	}

	device, err := sec.Get("watchdog_device", "")
	if err != nil {
		return err
	}
	if device != "" {
		wd, err := safety.OpenHardwareWatchdog(device, int(timeoutSec)+1)
		if err != nil {
			return fmt.Errorf("daemon: open watchdog %s: %w", device, err)
		}
		d.watchdog = wd
		d.safety.SetPetter(wd)
	}
	return nil
}

func (d *Daemon) buildTimer(cfg *config.Config) error {
	var tcfg timer.Config
	samplePeriod := 1.0

	if sec := cfg.GetSectionOptional("timer"); sec != nil {
		tps, err := sec.GetInt("ticks_per_second", 1000000)
		if err != nil {
			return err
		}
		tcfg.TicksPerSecond = uint64(tps)

		samplePeriod, err = sec.GetFloatMin("sample_period", 0.01, 1.0)
		if err != nil {
			return err
		}
	} else {
		tcfg.TicksPerSecond = 1000000
	}

	d.sched = timer.New(d.ints, tcfg)
	d.samplePeriod = time.Duration(samplePeriod * float64(time.Second))
	d.sched.SetCompare(timer.Temperature,
		uint32(samplePeriod*float64(tcfg.TicksPerSecond)))
	return nil
}

func (d *Daemon) buildHeaters(cfg *config.Config) error {
	sections := cfg.GetPrefixSections("heater ")
	if len(sections) == 0 {
		return fmt.Errorf("daemon: no [heater ...] sections configured")
	}

	for _, sec := range sections {
		h, err := d.buildHeater(sec)
		if err != nil {
			return err
		}
		if err := d.heaters.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) buildHeater(sec *config.Section) (*heater.Heater, error) {
	id := sec.Suffix()
	if id == "" {
		return nil, config.NewError(sec.Name(), "", "heater section needs a name")
	}

	kindName, err := sec.GetChoice("kind", []string{"hotend", "bed", "chamber", "cooler"}, "hotend")
	if err != nil {
		return nil, err
	}
	var kind heater.Kind
	switch kindName {
	case "bed":
		kind = heater.Bed
	case "chamber":
		kind = heater.Chamber
	case "cooler":
		kind = heater.Cooler
	default:
		kind = heater.Hotend
	}

	pin, err := sec.GetPin("pin")
	if err != nil {
		return nil, err
	}
	out, err := gpio.NewRealOutput(pin.Chip, pin.Line, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("daemon: heater %s output: %w", id, err)
	}
	d.outputs = append(d.outputs, out)

	minTemp, err := sec.GetFloat("min_temp", 5)
	if err != nil {
		return nil, err
	}
	maxTemp, err := sec.GetFloat("max_temp")
	if err != nil {
		return nil, err
	}

	rd, err := d.buildSensor(sec, id, minTemp, maxTemp)
	if err != nil {
		return nil, err
	}

	control, err := sec.GetChoice("control", []string{"pid", "bang_bang"}, "pid")
	if err != nil {
		return nil, err
	}
	var gains pid.Gains
	if control == "pid" {
		if gains.Kp, err = sec.GetFloat("pid_kp", 0); err != nil {
			return nil, err
		}
		if gains.Ki, err = sec.GetFloat("pid_ki", 0); err != nil {
			return nil, err
		}
		if gains.Kd, err = sec.GetFloat("pid_kd", 0); err != nil {
			return nil, err
		}
	}

	hysteresis, err := sec.GetFloat("hysteresis", 0)
	if err != nil {
		return nil, err
	}
	checkInterval, err := sec.GetFloat("check_interval", 0)
	if err != nil {
		return nil, err
	}
	watchIncrease, err := sec.GetFloat("watch_increase", 0)
	if err != nil {
		return nil, err
	}
	protection, err := sec.GetBool("thermal_protection", true)
	if err != nil {
		return nil, err
	}

	h := heater.New(heater.Config{
		ID:                id,
		Kind:              kind,
		Output:            out,
		Sensor:            rd,
		MinTemp:           minTemp,
		MaxTemp:           maxTemp,
		TickPeriod:        d.samplePeriod.Seconds(),
		CheckInterval:     checkInterval,
		Hysteresis:        hysteresis,
		WatchIncrease:     watchIncrease,
		UsePid:            control == "pid",
		Gains:             gains,
		HardwareInverted:  pin.Invert,
		ThermalProtection: protection,
	}, d.ints, d.logger)

	// Watch deadlines and wait loops must run on the same timeline the
	// scheduler stamps onto Tick.
	h.SetClock(schedClock{d.sched})
	return h, nil
}

// schedClock adapts the scheduler's monotonic time to the heater's
// clock interface.
type schedClock struct {
	sched *timer.Scheduler
}

func (c schedClock) Monotonic() float64 { return c.sched.Monotonic() }

func (c schedClock) Pause(waketime float64) float64 {
	if d := waketime - c.sched.Monotonic(); d > 0 {
		time.Sleep(time.Duration(d * float64(time.Second)))
	}
	return c.sched.Monotonic()
}

// buildSensor wires the heater's temperature input. A thermistor reads
// oversampled raw counts from a sysfs ADC channel each sample tick.
func (d *Daemon) buildSensor(sec *config.Section, id string, minTemp, maxTemp float64) (sensor.Reader, error) {
	sensorType, err := sec.GetChoice("sensor_type", []string{"thermistor", "sim"}, "thermistor")
	if err != nil {
		return nil, err
	}

	if sensorType == "sim" {
		start, err := sec.GetFloat("sim_temp", 25)
		if err != nil {
			return nil, err
		}
		return sensor.NewSim(start), nil
	}

	adcPath, err := sec.Get("adc_path")
	if err != nil {
		return nil, err
	}

	params := sensor.DefaultThermistorParams()
	if params.Beta, err = sec.GetFloat("sensor_beta", params.Beta); err != nil {
		return nil, err
	}
	if params.R0, err = sec.GetFloat("sensor_r0", params.R0); err != nil {
		return nil, err
	}
	if params.Pullup, err = sec.GetFloat("sensor_pullup", params.Pullup); err != nil {
		return nil, err
	}

	th := sensor.NewThermistor(sensor.Config{
		Name:    id,
		Params:  params,
		MinTemp: minTemp,
		MaxTemp: maxTemp,
	})

	adc := &adcFile{path: adcPath}
	logger := d.logger
	d.samplers = append(d.samplers, func() {
		raw, err := adc.read()
		if err != nil {
			logger.Warn("adc %s: %v", adcPath, err)
			return
		}
		if err := th.UpdateRaw(raw); err != nil {
			logger.Warn("sensor %s: %v", id, err)
		}
	})
	return th, nil
}

func (d *Daemon) buildAlert(cfg *config.Config) error {
	sec := cfg.GetSectionOptional("mqtt")
	if sec == nil {
		return nil
	}

	broker, err := sec.Get("broker")
	if err != nil {
		return err
	}
	prefix, err := sec.Get("topic_prefix", "thermd")
	if err != nil {
		return err
	}
	clientID, err := sec.Get("client_id", "thermd")
	if err != nil {
		return err
	}
	statusPeriod, err := sec.GetFloat("status_period", 10)
	if err != nil {
		return err
	}

	pub, err := alert.NewMQTTPublisher(broker, prefix, clientID,
		d.logger.WithFields(log.Fields{"sub": "alert"}))
	if err != nil {
		return err
	}
	d.publisher = pub
	d.statusPeriod = time.Duration(statusPeriod * float64(time.Second))

	d.safety.OnFault(func(ev safety.Event) {
		if err := pub.PublishFault(ev); err != nil {
			d.logger.Warn("fault publish: %v", err)
		}
	})
	return nil
}

func (d *Daemon) buildReport(cfg *config.Config) {
	sec := cfg.GetSectionOptional("report")
	if sec == nil {
		return
	}
	addr, err := sec.Get("listen", ":7125")
	if err != nil || addr == "" {
		return
	}
	d.server = report.New(report.Config{Addr: addr}, d,
		d.logger.WithFields(log.Fields{"sub": "report"}))
}

// sampleTick is the temperature channel handler: run the ADC samplers,
// then every heater's snapshot update and regulation tick.
func (d *Daemon) sampleTick(eventtime float64) {
	for _, fn := range d.samplers {
		fn()
	}
	d.heaters.SampleTick(eventtime)
	d.safety.Heartbeat()
}

// Start initializes the heaters and starts every subsystem.
func (d *Daemon) Start() error {
	if err := d.heaters.InitAll(); err != nil {
		return err
	}

	d.sched.SetHandler(timer.Temperature, d.sampleTick)
	if err := d.sched.Start(timer.Temperature); err != nil {
		return err
	}
	d.sched.Run()

	d.safety.StartWatchdog()

	if d.publisher != nil {
		if err := d.publisher.PublishSystem("startup", ""); err != nil {
			d.logger.Warn("startup publish: %v", err)
		}
		go d.statusLoop()
	}

	if d.server != nil {
		go func() {
			d.serverErr <- d.server.Start()
		}()
	}

	d.logger.Info("regulator running: %d heaters, sample period %s",
		len(d.heaters.All()), d.samplePeriod)
	return nil
}

func (d *Daemon) statusLoop() {
	ticker := time.NewTicker(d.statusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.statusStop:
			return
		case <-ticker.C:
			if err := d.publisher.PublishStatus(d.heaters.GetStatus()); err != nil {
				d.logger.Debug("status publish: %v", err)
			}
		}
	}
}

// ServerErr delivers a fatal status-server error, if one happens.
func (d *Daemon) ServerErr() <-chan error { return d.serverErr }

// Stop shuts everything down: heaters off first, then the scheduler
// and the reporting surfaces.
func (d *Daemon) Stop(reason string) {
	d.heaters.TurnOffAll()
	d.sched.Shutdown()
	d.safety.StopWatchdog()

	close(d.statusStop)
	if d.publisher != nil {
		if err := d.publisher.PublishSystem("shutdown", reason); err != nil {
			d.logger.Warn("shutdown publish: %v", err)
		}
		d.publisher.Close()
	}
	if d.server != nil {
		d.server.Stop()
	}
	for _, out := range d.outputs {
		out.Close()
	}
	if d.watchdog != nil {
		d.watchdog.Close()
	}
	d.logger.Info("regulator stopped")
}

// Heaters exposes the heater registry.
func (d *Daemon) Heaters() *heater.Manager { return d.heaters }

// Safety exposes the safety manager.
func (d *Daemon) Safety() *safety.Manager { return d.safety }

// report.Controller implementation

func (d *Daemon) GetStatus() []heater.Status {
	return d.heaters.GetStatus()
}

func (d *Daemon) SetTarget(id string, target float64) error {
	h, err := d.heaters.Lookup(id)
	if err != nil {
		return err
	}
	return h.SetTarget(target)
}

func (d *Daemon) ResetFault(id string) error {
	h, err := d.heaters.Lookup(id)
	if err != nil {
		return err
	}
	h.ResetFault()
	return nil
}

func (d *Daemon) EmergencyStop(reason string) {
	d.safety.Fault(safety.ReasonEmergencyStop, "", reason)
}

func (d *Daemon) FirstFault() (safety.Event, bool) {
	return d.safety.FirstFault()
}
