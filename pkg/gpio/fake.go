package gpio

import "sync"

// FakeOutput records duty writes for tests.
type FakeOutput struct {
	mu sync.Mutex

	// Writes holds every duty value written, in order.
	Writes []uint8

	// Closed tracks whether Close was called.
	Closed bool

	// WriteError, if set, is returned by WriteDuty.
	WriteError error
}

// NewFakeOutput creates an empty FakeOutput.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// WriteDuty implements Output.
func (f *FakeOutput) WriteDuty(duty uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Writes = append(f.Writes, duty)
	return nil
}

// Last returns the most recent duty written. The second return is
// false if nothing has been written yet.
func (f *FakeOutput) Last() (uint8, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Writes) == 0 {
		return 0, false
	}
	return f.Writes[len(f.Writes)-1], true
}

// Count returns the number of writes recorded.
func (f *FakeOutput) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// Close implements Output.
func (f *FakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
