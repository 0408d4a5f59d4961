package config

import (
	"errors"
	"strings"
	"testing"
)

const sampleConfig = `
# regulator configuration
[timer]
sample_period: 0.5

[heater hotend]
kind: hotend
pin: !gpiochip0:18
sensor_type: sim
min_temp: 5
max_temp: 275          ; inline comment
control: pid
pid_kp: 22.2
thermal_protection: on

[heater bed]
kind: bed
pin: 23
sensor_type: sim
max_temp: 120
control: bang_bang
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	if !cfg.HasSection("timer") {
		t.Error("expected [timer] section")
	}
	if cfg.HasSection("nonexistent") {
		t.Error("unexpected section")
	}

	sec, err := cfg.GetSection("heater hotend")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	if sec.Name() != "heater hotend" {
		t.Errorf("name %q", sec.Name())
	}
	if sec.Suffix() != "hotend" {
		t.Errorf("suffix %q, want hotend", sec.Suffix())
	}

	maxTemp, err := sec.GetFloat("max_temp")
	if err != nil {
		t.Fatal(err)
	}
	if maxTemp != 275 {
		t.Errorf("max_temp %v, want 275 (inline comment must be stripped)", maxTemp)
	}

	prot, err := sec.GetBool("thermal_protection", false)
	if err != nil {
		t.Fatal(err)
	}
	if !prot {
		t.Error("thermal_protection should parse as true")
	}
}

func TestGetPrefixSections(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatal(err)
	}

	heaters := cfg.GetPrefixSections("heater ")
	if len(heaters) != 2 {
		t.Fatalf("got %d heater sections, want 2", len(heaters))
	}
	// File order is preserved.
	if heaters[0].Suffix() != "hotend" || heaters[1].Suffix() != "bed" {
		t.Errorf("order: %q, %q", heaters[0].Suffix(), heaters[1].Suffix())
	}
}

func TestMissingOptionAndFallback(t *testing.T) {
	cfg, _ := LoadString(sampleConfig)
	sec, _ := cfg.GetSection("heater hotend")

	if _, err := sec.GetFloat("pid_ki"); err == nil {
		t.Error("missing option without fallback must error")
	}
	v, err := sec.GetFloat("pid_ki", 1.08)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1.08 {
		t.Errorf("fallback %v, want 1.08", v)
	}
}

func TestGetChoice(t *testing.T) {
	cfg, _ := LoadString(sampleConfig)
	sec, _ := cfg.GetSection("heater bed")

	control, err := sec.GetChoice("control", []string{"pid", "bang_bang"})
	if err != nil {
		t.Fatal(err)
	}
	if control != "bang_bang" {
		t.Errorf("control %q", control)
	}

	if _, err := sec.GetChoice("kind", []string{"hotend"}); err == nil {
		t.Error("value outside the choice set must error")
	}
}

func TestMalformedInput(t *testing.T) {
	cases := []string{
		"orphan_option: 1\n",
		"[sec]\nnot a key value line\n",
		"[]\nx: 1\n",
	}
	for _, data := range cases {
		if _, err := LoadString(data); err == nil {
			t.Errorf("expected parse error for %q", data)
		}
	}
}

func TestCheckUnused(t *testing.T) {
	cfg, _ := LoadString(sampleConfig)

	err := cfg.CheckUnused()
	if err == nil {
		t.Fatal("untouched config must report unused sections")
	}

	// Read everything, then the check passes.
	for _, name := range []string{"timer"} {
		sec, _ := cfg.GetSection(name)
		sec.GetFloat("sample_period", 1)
	}
	for _, sec := range cfg.GetPrefixSections("heater ") {
		for _, opt := range []string{"kind", "sensor_type", "control"} {
			sec.Get(opt, "")
		}
		sec.GetPin("pin")
		sec.GetFloat("min_temp", 0)
		sec.GetFloat("max_temp", 0)
		sec.GetFloat("pid_kp", 0)
		sec.GetBool("thermal_protection", true)
	}
	if err := cfg.CheckUnused(); err != nil {
		t.Errorf("all options read, still unused: %v", err)
	}
}

func TestConfigErrorText(t *testing.T) {
	err := ErrMissingOption("heater hotend", "max_temp")
	if !strings.Contains(err.Error(), "max_temp") || !strings.Contains(err.Error(), "heater hotend") {
		t.Errorf("error lacks context: %v", err)
	}
}

func TestParsePin(t *testing.T) {
	cases := []struct {
		in     string
		chip   string
		line   int
		invert bool
	}{
		{"18", "gpiochip0", 18, false},
		{"!18", "gpiochip0", 18, true},
		{"gpiochip1:22", "gpiochip1", 22, false},
		{"!gpiochip0:18", "gpiochip0", 18, true},
		{" ! gpiochip2 : 5 ", "gpiochip2", 5, true},
	}
	for _, tc := range cases {
		p, err := ParsePin(tc.in)
		if err != nil {
			t.Errorf("ParsePin(%q) failed: %v", tc.in, err)
			continue
		}
		if p.Chip != tc.chip || p.Line != tc.line || p.Invert != tc.invert {
			t.Errorf("ParsePin(%q) = %+v", tc.in, p)
		}
	}

	for _, bad := range []string{"", "!", "abc", "gpiochip0:", "gpiochip0:-3"} {
		if _, err := ParsePin(bad); err == nil {
			t.Errorf("ParsePin(%q) should fail", bad)
		}
	}

	var cfgErr *Error
	_, err := ParsePin("junk")
	if !errors.As(err, &cfgErr) {
		t.Errorf("pin errors should be config errors, got %T", err)
	}
}
