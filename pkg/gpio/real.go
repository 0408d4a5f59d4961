//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// RealOutput drives a GPIO line through the Linux character device,
// using software PWM since heater switching is slow enough that a few
// hundred milliseconds of cycle time is acceptable.
type RealOutput struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line

	mu        sync.Mutex
	duty      uint8
	cycleTime time.Duration
	stop      chan struct{}
	done      chan struct{}
}

// NewRealOutput requests the given line as an output, initially low.
// cycleTime sets the software PWM period; zero selects 100ms.
func NewRealOutput(chipName string, offset int, cycleTime time.Duration) (*RealOutput, error) {
	if cycleTime <= 0 {
		cycleTime = 100 * time.Millisecond
	}
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request output pin %d: %w", offset, err)
	}

	o := &RealOutput{
		chip:      chip,
		line:      line,
		cycleTime: cycleTime,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go o.pwmLoop()
	return o, nil
}

// WriteDuty implements Output.
func (o *RealOutput) WriteDuty(duty uint8) error {
	o.mu.Lock()
	o.duty = duty
	o.mu.Unlock()
	return nil
}

// pwmLoop generates the on/off waveform. Full-off and full-on duties
// skip toggling entirely so relays and SSRs see a steady level.
func (o *RealOutput) pwmLoop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		duty := o.duty
		cycle := o.cycleTime
		o.mu.Unlock()

		onTime := time.Duration(uint64(cycle) * uint64(duty) / PWMMax)
		switch {
		case duty == 0:
			o.line.SetValue(0)
			if o.sleep(cycle) {
				return
			}
		case duty == PWMMax:
			o.line.SetValue(1)
			if o.sleep(cycle) {
				return
			}
		default:
			o.line.SetValue(1)
			if o.sleep(onTime) {
				return
			}
			o.line.SetValue(0)
			if o.sleep(cycle - onTime) {
				return
			}
		}
	}
}

func (o *RealOutput) sleep(d time.Duration) (stopped bool) {
	select {
	case <-o.stop:
		return true
	case <-time.After(d):
		return false
	}
}

// Close implements Output. The line is driven low before release so a
// process exit never leaves a heater energized.
func (o *RealOutput) Close() error {
	close(o.stop)
	<-o.done

	var errs []error
	if err := o.line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("drive pin low: %w", err))
	}
	if err := o.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close line: %w", err))
	}
	if err := o.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
