package heater

import (
	"fmt"
	"sync"

	"thermd/pkg/hal"
	"thermd/pkg/log"
	"thermd/pkg/safety"
)

// Manager owns the heater registry and drives the per-tick sampling
// and regulation of every heater from the temperature timer channel.
type Manager struct {
	ints   *hal.InterruptState
	safety *safety.Manager
	logger *log.Logger

	mu      sync.RWMutex
	heaters map[string]*Heater
	order   []string
}

// NewManager creates an empty registry. The safety manager may be nil
// when running without system-wide fault handling (tests).
func NewManager(ints *hal.InterruptState, sm *safety.Manager, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New("heater")
	}
	return &Manager{
		ints:    ints,
		safety:  sm,
		logger:  logger,
		heaters: make(map[string]*Heater),
	}
}

// Register adds a heater, wires its fault reporting into the safety
// manager and registers it for system-wide shutoff.
func (m *Manager) Register(h *Heater) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := h.ID()
	if _, ok := m.heaters[id]; ok {
		return fmt.Errorf("heater: duplicate id %q", id)
	}
	m.heaters[id] = h
	m.order = append(m.order, id)

	if m.safety != nil {
		m.safety.RegisterHeater(h)
		h.SetFaultHook(func(reason safety.Reason, msg string) {
			m.safety.Fault(reason, id, msg)
		})
		h.SetHeartbeat(m.safety.Heartbeat)
	}
	return nil
}

// Lookup returns the heater with the given id.
func (m *Manager) Lookup(id string) (*Heater, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heaters[id]
	if !ok {
		return nil, fmt.Errorf("heater: unknown id %q", id)
	}
	return h, nil
}

// All returns the heaters in registration order.
func (m *Manager) All() []*Heater {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Heater, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.heaters[id])
	}
	return out
}

// InitAll initializes every heater. Heaters that fail to initialize
// are left in their safe state; the first error is returned.
func (m *Manager) InitAll() error {
	var first error
	for _, h := range m.All() {
		if err := h.Init(); err != nil {
			m.logger.Error("init %s: %v", h.ID(), err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// TurnOffAll switches every heater off.
func (m *Manager) TurnOffAll() {
	for _, h := range m.All() {
		h.SwitchOff()
	}
}

// SampleTick is the temperature channel handler: refresh every
// heater's temperature snapshot, then run its regulation tick.
func (m *Manager) SampleTick(eventtime float64) {
	for _, h := range m.All() {
		h.UpdateTemperatureSnapshot()
		h.Tick(eventtime)
	}
}

// GetStatus returns status snapshots for all heaters.
func (m *Manager) GetStatus() []Status {
	hs := m.All()
	out := make([]Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.GetStatus())
	}
	return out
}
