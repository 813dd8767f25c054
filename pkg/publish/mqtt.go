package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/types"
)

// mqttClient is the subset of mqtt.Client used by MQTTPublisher.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes the latest snapshot to a retained state topic per
// region and each event to a topic per event type.
type MQTTPublisher struct {
	client      mqttClient
	broker      string
	clientID    string
	username    string
	password    string
	topicPrefix string
	qos         int
	timeout     time.Duration
}

func configuredMQTT() *MQTTPublisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	clientID := lflag.String("mqtt-client-id", "freephase", "MQTT client ID")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "freephase", "Prefix for every MQTT topic")
	qos := lflag.Int("mqtt-qos", 1, "MQTT QoS used for publishing")
	timeout := lflag.Duration("mqtt-timeout", 5*time.Second, "Timeout for MQTT operations")

	m := &MQTTPublisher{}
	lflag.Do(func() {
		m.broker = *broker
		m.clientID = *clientID
		m.username = *username
		m.password = *password
		m.topicPrefix = *prefix
		m.qos = *qos
		m.timeout = *timeout
	})
	return m
}

// Validate checks if the publisher is properly configured.
func (m *MQTTPublisher) Validate() error {
	if m.broker == "" {
		return fmt.Errorf("mqtt-broker is required")
	}
	if m.qos < 0 || m.qos > 2 {
		return fmt.Errorf("mqtt-qos must be 0, 1 or 2")
	}
	if m.timeout <= 0 {
		return fmt.Errorf("mqtt-timeout must be positive")
	}
	return nil
}

// Connect connects to the broker.
func (m *MQTTPublisher) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.broker).
		SetClientID(m.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(m.timeout)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}
	client := mqtt.NewClient(opts)
	if err := wait(client.Connect(), m.timeout); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", m.broker, err)
	}
	m.client = client
	return nil
}

// Name implements Publisher.
func (m *MQTTPublisher) Name() string {
	return "mqtt"
}

// StateTopic returns the retained topic holding the region's snapshot.
func (m *MQTTPublisher) StateTopic(region string) string {
	return m.topicPrefix + "/" + region + "/state"
}

// EventTopic returns the topic events of type t are published to.
func (m *MQTTPublisher) EventTopic(region string, t types.EventType) string {
	return m.topicPrefix + "/" + region + "/events/" + string(t)
}

// PublishSnapshot implements Publisher.
func (m *MQTTPublisher) PublishSnapshot(ctx context.Context, snap *types.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return m.publish(ctx, m.StateTopic(snap.Region), true, b)
}

// PublishEvent implements Publisher.
func (m *MQTTPublisher) PublishEvent(ctx context.Context, ev types.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return m.publish(ctx, m.EventTopic(ev.Region, ev.Type), false, b)
}

func (m *MQTTPublisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if m.client == nil {
		return errors.New("mqtt client not connected")
	}
	token := m.client.Publish(topic, byte(m.qos), retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close implements Publisher.
func (m *MQTTPublisher) Close() error {
	if m.client != nil {
		m.client.Disconnect(uint(m.timeout.Milliseconds()))
	}
	return nil
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}
