package events

import (
	"context"
	"errors"

	"github.com/Shopify/sarama"

	"tenantry.org/internal/auth"
)

var _ auth.EventPublisher = (*KafkaPublisher)(nil)

// KafkaPublisher appends events to one topic keyed by tenant id, so a tenant's events
// keep their order within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// ProducerConfig returns the sarama settings used by DialKafka.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "tenantry"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// DialKafka builds a sync producer for brokers.
func DialKafka(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("events: kafka brokers and topic are required")
	}
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaPublisher(producer, topic), nil
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish blocks until the broker acknowledges the message. ctx is checked before sending
// because SyncProducer has no cancellation of its own.
func (p *KafkaPublisher) Publish(ctx context.Context, evt auth.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.TenantID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventID), Value: []byte(evt.ID)},
			{Key: []byte(HeaderEventType), Value: []byte(evt.Type)},
		},
	})
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
