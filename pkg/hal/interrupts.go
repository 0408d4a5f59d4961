// Package hal models the interrupt-masking primitives of a single-core
// microcontroller. Handler code and main-loop code share mutable heater
// state; the only synchronization mechanism the hardware offers is the
// global interrupt-enable flag, so that is what this package provides:
// a scoped critical-section guard that disables interrupt dispatch and
// restores the prior enable state on every exit path.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package hal

import "sync"

// InterruptState holds the global interrupt-enable flag and tracks
// handlers currently executing. Disabling interrupts waits for any
// in-flight handler to finish, matching single-core semantics where
// main-loop code cannot run concurrently with an ISR.
type InterruptState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	enabled bool
	active  int
}

// NewInterruptState returns interrupt state with dispatch enabled.
func NewInterruptState() *InterruptState {
	s := &InterruptState{enabled: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enabled reports whether interrupt dispatch is currently enabled.
func (s *InterruptState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled sets the global enable flag without waiting for handlers.
// This is the path handler wrappers use to re-enable dispatch for the
// duration of a handler body (and to mask again before epilogue work).
func (s *InterruptState) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
	s.cond.Broadcast()
}

// EnterISR marks a handler as executing. It returns false when dispatch
// is masked; the caller must then skip the handler entirely. On entry
// the global flag is cleared, as interrupt hardware does when vectoring.
func (s *InterruptState) EnterISR() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	s.enabled = false
	s.active++
	return true
}

// ExitISR marks the handler finished and sets the global flag to
// restore, as the return-from-interrupt instruction restores the saved
// status register.
func (s *InterruptState) ExitISR(restore bool) {
	s.mu.Lock()
	s.active--
	s.enabled = restore
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Guard is a scoped critical section. Acquire with Suspend (or
// SuspendLater plus Engage) and release with Restore, normally via
// defer so every exit path restores the prior state.
type Guard struct {
	state    *InterruptState
	prior    bool
	recorded bool
	engaged  bool
	restored bool
}

// Suspend records the current global-enable state, disables interrupt
// dispatch and waits for any executing handler to complete before
// returning. Until Restore is called no handler body will run.
func (s *InterruptState) Suspend() *Guard {
	g := &Guard{state: s}
	g.Engage()
	return g
}

// SuspendLater records the enable state now but leaves dispatch
// untouched; the caller disables later in the same scope with Engage.
func (s *InterruptState) SuspendLater() *Guard {
	s.mu.Lock()
	prior := s.enabled
	s.mu.Unlock()
	return &Guard{state: s, prior: prior, recorded: true}
}

// Engage performs the deferred disable. Safe to call on an already
// engaged guard.
func (g *Guard) Engage() {
	if g.engaged {
		return
	}
	s := g.state
	s.mu.Lock()
	if !g.recorded {
		g.prior = s.enabled
		g.recorded = true
	}
	for s.active > 0 {
		s.cond.Wait()
	}
	s.enabled = false
	s.mu.Unlock()
	g.engaged = true
	g.restored = false
}

// Restore reinstates the enable state recorded at acquisition. It is
// idempotent so fault paths may restore early and still defer it.
func (g *Guard) Restore() {
	if g.restored {
		return
	}
	g.restored = true
	if !g.engaged {
		return
	}
	g.engaged = false
	g.state.SetEnabled(g.prior)
}
