// Package alert publishes fault and status events over MQTT, with an
// abstraction so tests run against a recording fake.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package alert

import (
	"encoding/json"
	"time"

	"thermd/pkg/heater"
	"thermd/pkg/safety"
)

// Topic suffixes under the configured prefix.
const (
	TopicFault  = "fault"
	TopicStatus = "status"
	TopicSystem = "system"
)

// Publisher publishes daemon events to the broker.
type Publisher interface {
	// PublishFault sends a safety fault event. Failures are returned,
	// never fatal: alerting must not take the regulator down.
	PublishFault(ev safety.Event) error

	// PublishStatus sends a periodic heater status snapshot.
	PublishStatus(statuses []heater.Status) error

	// PublishSystem sends a lifecycle event such as "startup" or
	// "shutdown".
	PublishSystem(event, reason string) error

	// Close disconnects from the broker.
	Close() error
}

// FaultPayload is the wire format of a fault event.
type FaultPayload struct {
	Fault FaultInner `json:"fault"`
}

type FaultInner struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	Heater    string `json:"heater,omitempty"`
	Message   string `json:"message"`
}

// FormatFault creates the JSON payload for a fault event.
func FormatFault(ev safety.Event) ([]byte, error) {
	return json.Marshal(FaultPayload{
		Fault: FaultInner{
			Timestamp: ev.Time.UTC().Format(time.RFC3339),
			Reason:    string(ev.Reason),
			Heater:    ev.HeaterID,
			Message:   ev.Message,
		},
	})
}

// StatusPayload is the wire format of a status snapshot.
type StatusPayload struct {
	Timestamp string          `json:"timestamp"`
	Heaters   []heater.Status `json:"heaters"`
}

// FormatStatus creates the JSON payload for a status snapshot.
func FormatStatus(statuses []heater.Status, at time.Time) ([]byte, error) {
	return json.Marshal(StatusPayload{
		Timestamp: at.UTC().Format(time.RFC3339),
		Heaters:   statuses,
	})
}

// SystemPayload is the wire format of a lifecycle event.
type SystemPayload struct {
	System SystemInner `json:"system"`
}

type SystemInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystem creates the JSON payload for a lifecycle event.
func FormatSystem(event, reason string, at time.Time) ([]byte, error) {
	return json.Marshal(SystemPayload{
		System: SystemInner{
			Timestamp: at.UTC().Format(time.RFC3339),
			Event:     event,
			Reason:    reason,
		},
	})
}
