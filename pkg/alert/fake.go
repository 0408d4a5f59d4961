package alert

import (
	"sync"
	"time"

	"thermd/pkg/heater"
	"thermd/pkg/safety"
)

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	Faults       []safety.Event
	Statuses     [][]heater.Status
	SystemEvents []string

	// PublishError, if set, is returned by every publish call.
	PublishError error

	Closed bool
}

// NewFakePublisher creates an empty recording publisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) PublishFault(ev safety.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Faults = append(f.Faults, ev)
	return nil
}

func (f *FakePublisher) PublishStatus(statuses []heater.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Statuses = append(f.Statuses, statuses)
	return nil
}

func (f *FakePublisher) PublishSystem(event, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.SystemEvents = append(f.SystemEvents, event)
	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FaultCount returns the number of recorded fault events.
func (f *FakePublisher) FaultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Faults)
}

// LastFault returns the most recent fault event.
func (f *FakePublisher) LastFault() (safety.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Faults) == 0 {
		return safety.Event{Time: time.Time{}}, false
	}
	return f.Faults[len(f.Faults)-1], true
}
