package config

import (
	"strconv"
	"strings"
)

// Pin is a parsed GPIO pin specification.
type Pin struct {
	Chip   string // gpiochip device name, default "gpiochip0"
	Line   int    // line offset on the chip
	Invert bool   // active-low wiring, "!" prefix
}

// ParsePin parses a pin specification of the form [!][chip:]line,
// e.g. "18", "!18", "gpiochip1:22", "!gpiochip0:18".
func ParsePin(desc string) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, NewError("", "", "empty pin specification")
	}

	p := Pin{Chip: "gpiochip0"}
	if d[0] == '!' {
		p.Invert = true
		d = strings.TrimSpace(d[1:])
	}
	if idx := strings.IndexByte(d, ':'); idx >= 0 {
		p.Chip = strings.TrimSpace(d[:idx])
		d = strings.TrimSpace(d[idx+1:])
	}

	line, err := strconv.Atoi(d)
	if err != nil || line < 0 {
		return Pin{}, NewError("", "", "invalid pin line in specification: "+desc)
	}
	p.Line = line
	return p, nil
}

// GetPin returns a pin specification option.
func (s *Section) GetPin(option string) (Pin, error) {
	v, err := s.Get(option)
	if err != nil {
		return Pin{}, err
	}
	pin, err := ParsePin(v)
	if err != nil {
		return Pin{}, NewError(s.name, option, err.Error())
	}
	return pin, nil
}
