package sink

import (
	"context"

	"github.com/segmentio/kafka-go"

	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
)

type kafkaProducer interface {
	Produce(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes every record to one topic, keyed by actor digest so an
// actor's records share a partition.
type KafkaSink struct {
	producer kafkaProducer
	enc      encoder
}

func NewKafkaSink(p kafkaProducer, h *hashing.Hasher) *KafkaSink {
	return &KafkaSink{producer: p, enc: newEncoder(h)}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, batch []eventlog.Record) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, r := range batch {
		doc, data, err := s.enc.marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(doc.ActorDigest),
			Value: data,
			Time:  doc.Timestamp,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(doc.Kind)},
				{Key: "id", Value: []byte(doc.ID)},
			},
		})
	}
	return s.producer.Produce(ctx, msgs...)
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
