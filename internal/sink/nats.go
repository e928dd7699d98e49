package sink

import (
	"context"

	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
	Flush(ctx context.Context) error
	Close() error
}

// NATSSink publishes alerts only. Events stay on the higher-volume sinks.
type NATSSink struct {
	conn    natsPublisher
	subject string
	enc     encoder
}

func NewNATSSink(conn natsPublisher, subject string, h *hashing.Hasher) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, enc: newEncoder(h)}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, batch []eventlog.Record) error {
	sent := 0
	for _, r := range batch {
		if r.Kind != eventlog.RecordAlert {
			continue
		}
		_, data, err := s.enc.marshal(r)
		if err != nil {
			return err
		}
		if err := s.conn.Publish(s.subject+"."+string(r.Alert.Category), data); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		return nil
	}
	return s.conn.Flush(ctx)
}

func (s *NATSSink) Close() error {
	return s.conn.Close()
}
