// Package config parses the INI-style daemon configuration with option
// access tracking, so unused sections and options can be reported as
// configuration mistakes.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Config holds the parsed configuration file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessed map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	c := New()
	if err := c.parse(bufio.NewScanner(f)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(bufio.NewScanner(strings.NewReader(data))); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse(scanner *bufio.Scanner) error {
	var sectionName string
	var options map[string]string

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if sectionName != "" {
				c.addSection(sectionName, options)
			}
			sectionName = strings.TrimSpace(line[1 : len(line)-1])
			if sectionName == "" {
				return fmt.Errorf("empty section header at line %d", lineNum)
			}
			options = make(map[string]string)
			continue
		}

		// Options before the first section header are a mistake.
		if sectionName == "" {
			return fmt.Errorf("option outside any section at line %d", lineNum)
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 {
			return fmt.Errorf("malformed line %d: %q", lineNum, line)
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return fmt.Errorf("empty option name at line %d", lineNum)
		}
		options[key] = strings.TrimSpace(kv[1])
	}
	if sectionName != "" {
		c.addSection(sectionName, options)
	}
	return scanner.Err()
}

// addSection merges options into an existing section of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a section by name.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessed[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a section if it exists, else nil.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection reports whether a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetPrefixSections returns the sections whose name starts with the
// given prefix, in file order, marking them accessed.
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessed[name] = struct{}{}
			result = append(result, c.sections[name])
		}
	}
	return result
}

// CheckUnused returns an error listing sections and options that were
// never read. Typos in a heater config must not pass silently.
func (c *Config) CheckUnused() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for name, sec := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			problems = append(problems, fmt.Sprintf("unused section [%s]", name))
			continue
		}
		for _, opt := range sec.UnusedOptions() {
			problems = append(problems, fmt.Sprintf("unused option %q in [%s]", opt, name))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewError("", "", strings.Join(problems, "; "))
	}
	return nil
}
