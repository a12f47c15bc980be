// Package publish puts messages and resolved provisioning commands on the bus.
//
// Messages are written to Kafka with their Tag() as the partition key, so every
// copy of the same logical message lands on the same partition and can be
// dropped by a tag-keyed deduper before it is written at all.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/provsync/internal/message"
)

// Publisher delivers a message to the bus.
type Publisher interface {
	Publish(ctx context.Context, m message.Message) error
}

// Writer is the subset of *kafka.Writer the adapters need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a hash-balanced kafka writer that waits for all replicas.
func NewWriter(brokers []string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka writer requires at least one broker")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, nil
}

// KafkaPublisher writes encoded envelopes keyed by message tag.
type KafkaPublisher struct {
	writer      Writer
	topic       string
	topicByKind map[string]string
	now         func() time.Time
}

// NewKafkaPublisher publishes to topic, or to topicByKind[m.Kind()] when set.
func NewKafkaPublisher(w Writer, topic string, topicByKind map[string]string) (*KafkaPublisher, error) {
	if w == nil {
		return nil, fmt.Errorf("kafka publisher requires a writer")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer:      w,
		topic:       topic,
		topicByKind: topicByKind,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Publish encodes m and writes it with Tag() as the key.
func (p *KafkaPublisher) Publish(ctx context.Context, m message.Message) error {
	value, err := message.Encode(m)
	if err != nil {
		return err
	}
	topic := p.TopicFor(m.Kind())
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(m.Tag()),
		Value: value,
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(m.Kind())},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", m.Tag(), topic, err)
	}
	return nil
}

// TopicFor returns the topic messages of kind are written to.
func (p *KafkaPublisher) TopicFor(kind string) string {
	if mapped, ok := p.topicByKind[kind]; ok && mapped != "" {
		return mapped
	}
	return p.topic
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
