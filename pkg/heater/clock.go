package heater

import "time"

// Clock is the time source for wait loops and the idle timer. The
// production clock sleeps on the wall clock; tests substitute a
// simulated clock that advances a thermal plant model instead.
type Clock interface {
	// Monotonic returns the current time in seconds.
	Monotonic() float64
	// Pause blocks until the given time and returns the time it woke.
	Pause(waketime float64) float64
}

type wallClock struct {
	start time.Time
}

func newWallClock() Clock {
	return &wallClock{start: time.Now()}
}

func (c *wallClock) Monotonic() float64 {
	return time.Since(c.start).Seconds()
}

func (c *wallClock) Pause(waketime float64) float64 {
	d := waketime - c.Monotonic()
	if d > 0 {
		time.Sleep(time.Duration(d * float64(time.Second)))
	}
	return c.Monotonic()
}
