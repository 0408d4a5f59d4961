// MQTT alert publisher
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package alert

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"thermd/pkg/heater"
	"thermd/pkg/log"
	"thermd/pkg/safety"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	bufferCapacity = 256
)

// MQTTPublisher publishes to a real MQTT broker. Messages published
// while the connection is down are buffered and replayed on reconnect.
type MQTTPublisher struct {
	client paho.Client
	prefix string
	logger *log.Logger

	mu     sync.Mutex
	buffer *ringBuffer
}

// NewMQTTPublisher connects to the broker, e.g. "tcp://localhost:1883".
func NewMQTTPublisher(broker, prefix, clientID string, logger *log.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = log.New("alert")
	}
	p := &MQTTPublisher{
		prefix: prefix,
		logger: logger,
		buffer: newRingBuffer(bufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("broker connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("alert: broker connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("alert: connect to broker: %w", err)
	}
	return p, nil
}

// onConnect replays everything buffered while disconnected.
func (p *MQTTPublisher) onConnect(client paho.Client) {
	p.mu.Lock()
	dropped := p.buffer.overflowed()
	msgs := p.buffer.drainAll()
	p.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	if dropped {
		p.logger.Warn("replay: oldest buffered messages were dropped")
	}
	p.logger.Info("replaying %d buffered messages", len(msgs))
	for _, m := range msgs {
		token := client.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.logger.Warn("replay publish to %s failed", m.topic)
		}
	}
}

func (p *MQTTPublisher) publish(suffix string, qos byte, retained bool, payload []byte) error {
	topic := p.prefix + "/" + suffix

	if !p.client.IsConnected() {
		p.mu.Lock()
		p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		n := p.buffer.len()
		p.mu.Unlock()
		return fmt.Errorf("alert: not connected, buffered (%d pending)", n)
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("alert: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("alert: publish to %s: %w", topic, err)
	}
	return nil
}

// PublishFault sends a fault event at QoS 1: delivery matters more
// than duplicates for faults.
func (p *MQTTPublisher) PublishFault(ev safety.Event) error {
	payload, err := FormatFault(ev)
	if err != nil {
		return fmt.Errorf("alert: format fault: %w", err)
	}
	return p.publish(TopicFault, 1, false, payload)
}

// PublishStatus sends a status snapshot at QoS 0, retained so late
// subscribers see the latest state.
func (p *MQTTPublisher) PublishStatus(statuses []heater.Status) error {
	payload, err := FormatStatus(statuses, time.Now())
	if err != nil {
		return fmt.Errorf("alert: format status: %w", err)
	}
	return p.publish(TopicStatus, 0, true, payload)
}

// PublishSystem sends a lifecycle event at QoS 1.
func (p *MQTTPublisher) PublishSystem(event, reason string) error {
	payload, err := FormatSystem(event, reason, time.Now())
	if err != nil {
		return fmt.Errorf("alert: format system: %w", err)
	}
	return p.publish(TopicSystem, 1, false, payload)
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
