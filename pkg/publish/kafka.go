package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes snapshots and events to Kafka topics keyed by region.
type KafkaPublisher struct {
	writer        messageWriter
	brokers       []string
	snapshotTopic string
	eventTopic    string
	timeout       time.Duration
}

func configuredKafka() *KafkaPublisher {
	brokers := lflag.String("kafka-brokers", "", "Comma separated list of Kafka brokers")
	snapshotTopic := lflag.String("kafka-snapshot-topic", "freephase.snapshots", "Kafka topic for snapshots")
	eventTopic := lflag.String("kafka-event-topic", "freephase.events", "Kafka topic for events")
	timeout := lflag.Duration("kafka-timeout", 10*time.Second, "Timeout for Kafka writes")

	k := &KafkaPublisher{}
	lflag.Do(func() {
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				k.brokers = append(k.brokers, b)
			}
		}
		k.snapshotTopic = *snapshotTopic
		k.eventTopic = *eventTopic
		k.timeout = *timeout
	})
	return k
}

// Validate checks if the publisher is properly configured.
func (k *KafkaPublisher) Validate() error {
	if len(k.brokers) == 0 {
		return fmt.Errorf("kafka-brokers is required")
	}
	if k.snapshotTopic == "" || k.eventTopic == "" {
		return fmt.Errorf("kafka topics are required")
	}
	return nil
}

// Init creates the writer. Topics are set per message.
func (k *KafkaPublisher) Init() {
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: k.timeout,
	}
}

// Name implements Publisher.
func (k *KafkaPublisher) Name() string {
	return "kafka"
}

// PublishSnapshot implements Publisher.
func (k *KafkaPublisher) PublishSnapshot(ctx context.Context, snap *types.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return k.write(ctx, kafka.Message{
		Topic: k.snapshotTopic,
		Key:   []byte(snap.Region),
		Value: b,
		Time:  snap.GeneratedAt,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(snap.Health.Status)},
		},
	})
}

// PublishEvent implements Publisher.
func (k *KafkaPublisher) PublishEvent(ctx context.Context, ev types.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return k.write(ctx, kafka.Message{
		Topic: k.eventTopic,
		Key:   []byte(ev.Region),
		Value: b,
		Time:  ev.FiredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "id", Value: []byte(ev.ID.String())},
		},
	})
}

func (k *KafkaPublisher) write(ctx context.Context, msg kafka.Message) error {
	if k.writer == nil {
		return errors.New("kafka writer not initialized")
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close implements Publisher.
func (k *KafkaPublisher) Close() error {
	if k.writer != nil {
		return k.writer.Close()
	}
	return nil
}
