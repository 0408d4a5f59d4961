// Package timer provides the two-channel periodic interrupt scheduler
// shared between motion stepping and temperature sampling.
//
// The target hardware has no interrupt priorities or nesting, so the
// motion channel's precedence over the temperature channel is emulated
// in the handler prologue/epilogue: on entry the motion wrapper saves
// and clears the temperature channel's interrupt-enable bit, re-enables
// global dispatch so urgent sources stay live during the body, then on
// exit masks globals again and restores the saved bit exactly. The
// temperature handler masks its own enable bit for its duration, so it
// can never re-enter itself. Entry and exit are a handful of atomic
// operations; no allocation or locking happens on the dispatch path
// beyond the global-mask bookkeeping.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"thermd/pkg/hal"
)

// Channel identifies one of the two hardware timer channels.
type Channel int

const (
	// Motion is the high-rate stepping channel. It has strict priority.
	Motion Channel = iota

	// Temperature is the low-rate sampling channel.
	Temperature

	numChannels
)

func (c Channel) String() string {
	switch c {
	case Motion:
		return "motion"
	case Temperature:
		return "temperature"
	default:
		return "unknown"
	}
}

// Common errors
var (
	ErrBadChannel = errors.New("timer: unknown channel")
	ErrNoHandler  = errors.New("timer: channel has no handler")
	ErrNotStarted = errors.New("timer: channel not started")
)

// Handler is a channel interrupt handler. It receives the monotonic
// event time in seconds.
type Handler func(eventtime float64)

// channelState mirrors one timer channel's registers: the compare
// value, the interrupt-enable bit and the started flag. The counter is
// free-running and derived from the monotonic clock.
type channelState struct {
	compare   atomic.Uint32
	intEnable atomic.Bool
	started   atomic.Bool

	handler Handler

	// next compare match, in counter ticks
	deadline uint64
}

// Scheduler owns the two channels and the dispatch loop.
type Scheduler struct {
	ints  *hal.InterruptState
	chans [numChannels]channelState

	// TicksPerSecond is the free-running counter rate.
	ticksPerSecond uint64

	startTime time.Time

	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	running bool
}

// Config holds scheduler configuration.
type Config struct {
	// TicksPerSecond sets the counter rate for both channels.
	// Defaults to 1MHz, one tick per microsecond.
	TicksPerSecond uint64
}

// New creates a scheduler attached to the given interrupt state.
func New(ints *hal.InterruptState, cfg Config) *Scheduler {
	if cfg.TicksPerSecond == 0 {
		cfg.TicksPerSecond = 1000000
	}
	return &Scheduler{
		ints:           ints,
		ticksPerSecond: cfg.TicksPerSecond,
		startTime:      time.Now(),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (s *Scheduler) Monotonic() float64 {
	return time.Since(s.startTime).Seconds()
}

// SetHandler installs the handler for a channel. Must happen before
// Start.
func (s *Scheduler) SetHandler(c Channel, h Handler) error {
	if c < 0 || c >= numChannels {
		return ErrBadChannel
	}
	s.chans[c].handler = h
	return nil
}

// SetCompare sets the channel's compare value, in counter ticks
// between interrupts.
func (s *Scheduler) SetCompare(c Channel, ticks uint32) {
	s.chans[c].compare.Store(ticks)
}

// GetCompare returns the channel's compare value.
func (s *Scheduler) GetCompare(c Channel) uint32 {
	return s.chans[c].compare.Load()
}

// GetCounter returns the channel's free-running counter. Both channels
// share the monotonic timebase, as the hardware counters share the
// system clock tree.
func (s *Scheduler) GetCounter(c Channel) uint32 {
	return uint32(s.counterTicks())
}

func (s *Scheduler) counterTicks() uint64 {
	ns := uint64(time.Since(s.startTime).Nanoseconds())
	return ns / (1e9 / s.ticksPerSecond)
}

// EnableInterrupt sets the channel's interrupt-enable bit.
func (s *Scheduler) EnableInterrupt(c Channel) {
	s.chans[c].intEnable.Store(true)
}

// DisableInterrupt clears the channel's interrupt-enable bit.
func (s *Scheduler) DisableInterrupt(c Channel) {
	s.chans[c].intEnable.Store(false)
}

// IsEnabled reports the channel's interrupt-enable bit.
func (s *Scheduler) IsEnabled(c Channel) bool {
	return s.chans[c].intEnable.Load()
}

// Start begins periodic interrupts on a channel. The channel must have
// a handler and a nonzero compare value; this is validated here, at
// startup, because the dispatch path has no error reporting.
func (s *Scheduler) Start(c Channel) error {
	if c < 0 || c >= numChannels {
		return ErrBadChannel
	}
	ch := &s.chans[c]
	if ch.handler == nil {
		return ErrNoHandler
	}
	ch.deadline = s.counterTicks() + uint64(ch.compare.Load())
	ch.started.Store(true)
	ch.intEnable.Store(true)
	return nil
}

// Stop halts periodic interrupts on a channel.
func (s *Scheduler) Stop(c Channel) {
	if c < 0 || c >= numChannels {
		return
	}
	s.chans[c].started.Store(false)
	s.chans[c].intEnable.Store(false)
}

// Poll fires any channel whose compare deadline has passed. The motion
// channel is always serviced first. Poll is the single entry point for
// dispatch: the run loop calls it continuously, and simulated
// environments may call it directly.
func (s *Scheduler) Poll() {
	now := s.Monotonic()
	ticks := s.counterTicks()

	if ch := &s.chans[Motion]; ch.started.Load() && ticks >= ch.deadline {
		ch.deadline = ticks + uint64(ch.compare.Load())
		s.dispatchMotion(now)
	}
	if ch := &s.chans[Temperature]; ch.started.Load() && ticks >= ch.deadline {
		ch.deadline = ticks + uint64(ch.compare.Load())
		s.dispatchTemperature(now)
	}
}

// dispatchMotion runs the motion handler with the priority-emulation
// prologue and epilogue. The temperature enable bit always reads
// disabled while the body runs, and is restored to its saved value on
// every completion path.
func (s *Scheduler) dispatchMotion(now float64) {
	ch := &s.chans[Motion]
	if !ch.intEnable.Load() {
		return
	}
	if !s.ints.EnterISR() {
		return
	}
	saved := s.chans[Temperature].intEnable.Swap(false)
	s.ints.SetEnabled(true)
	func() {
		defer func() {
			s.ints.SetEnabled(false)
			s.chans[Temperature].intEnable.Store(saved)
		}()
		ch.handler(now)
	}()
	s.ints.ExitISR(true)
}

// dispatchTemperature runs the temperature handler. Its own enable bit
// is masked for the duration, so a slow body cannot be re-entered by
// the next compare match; the bit is re-enabled on exit.
func (s *Scheduler) dispatchTemperature(now float64) {
	ch := &s.chans[Temperature]
	if !ch.intEnable.Load() {
		return
	}
	if !s.ints.EnterISR() {
		return
	}
	ch.intEnable.Store(false)
	s.ints.SetEnabled(true)
	func() {
		defer func() {
			s.ints.SetEnabled(false)
			if ch.started.Load() {
				ch.intEnable.Store(true)
			}
		}()
		ch.handler(now)
	}()
	s.ints.ExitISR(true)
}

// Run starts the dispatch loop. It returns immediately; use Shutdown
// to stop the loop.
func (s *Scheduler) Run() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		// Poll at a quarter of the shortest configured period, with a
		// floor that keeps the loop from spinning a core.
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			s.Poll()
			time.Sleep(s.pollInterval())
		}
	}()
}

func (s *Scheduler) pollInterval() time.Duration {
	shortest := uint32(0)
	for i := range s.chans {
		if !s.chans[i].started.Load() {
			continue
		}
		cmp := s.chans[i].compare.Load()
		if cmp != 0 && (shortest == 0 || cmp < shortest) {
			shortest = cmp
		}
	}
	if shortest == 0 {
		return time.Millisecond
	}
	d := time.Duration(uint64(shortest) * (1e9 / s.ticksPerSecond) / 4)
	if d < 50*time.Microsecond {
		d = 50 * time.Microsecond
	}
	if d > time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Shutdown stops the dispatch loop and both channels.
func (s *Scheduler) Shutdown() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	<-s.stopped
	s.Stop(Motion)
	s.Stop(Temperature)
}
