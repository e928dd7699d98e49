package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/bucketing"
	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
	"guard-service/internal/models"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func sampleBatch() []eventlog.Record {
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ev := &models.SecurityEvent{
		ID:        "ev-1",
		Timestamp: ts,
		Category:  models.CategoryXSSAttempt,
		Severity:  models.SeverityCritical,
		Message:   "xss",
		ActorID:   "mallory",
		Origin:    models.OriginDetector,
	}
	al := &models.Alert{
		ID:               "al-1",
		Timestamp:        ts,
		Category:         models.CategoryXSSAttempt,
		Severity:         models.SeverityCritical,
		ActorID:          "mallory",
		TriggeringEvents: []string{"ev-1"},
	}
	return []eventlog.Record{
		{Kind: eventlog.RecordEvent, Event: ev},
		{Kind: eventlog.RecordAlert, Alert: al},
	}
}

func TestDocumentReplacesActorWithDigest(t *testing.T) {
	h := hashing.NewHasher(testKey)
	enc := newEncoder(h)
	batch := sampleBatch()

	doc, data, err := enc.marshal(batch[0])
	require.NoError(t, err)

	want, err := h.ActorDigest("mallory")
	require.NoError(t, err)
	assert.Equal(t, want, doc.ActorDigest)
	assert.Empty(t, doc.Event.ActorID)
	assert.NotContains(t, string(data), "mallory")

	// the caller's record is left untouched
	assert.Equal(t, "mallory", batch[0].Event.ActorID)

	_, err = enc.document(eventlog.Record{Kind: eventlog.RecordEvent})
	assert.Error(t, err)
}

type fakeProducer struct {
	msgs []kafka.Message
}

func (p *fakeProducer) Produce(_ context.Context, msgs ...kafka.Message) error {
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaSinkKeysByActorDigest(t *testing.T) {
	p := &fakeProducer{}
	s := NewKafkaSink(p, hashing.NewHasher(testKey))

	require.NoError(t, s.Publish(context.Background(), sampleBatch()))
	require.Len(t, p.msgs, 2)
	assert.Equal(t, p.msgs[0].Key, p.msgs[1].Key)
	assert.NotEmpty(t, p.msgs[0].Key)
	assert.Equal(t, "event", string(p.msgs[0].Headers[0].Value))
	assert.Equal(t, "alert", string(p.msgs[1].Headers[0].Value))
}

type fakeBulk struct {
	body []byte
	err  error
}

func (b *fakeBulk) Bulk(_ context.Context, body []byte) error {
	b.body = body
	return b.err
}

func TestElasticsearchSinkBulkBody(t *testing.T) {
	b := &fakeBulk{}
	s := NewElasticsearchSink(b, "guard", hashing.NewHasher(testKey))

	require.NoError(t, s.Publish(context.Background(), sampleBatch()))

	lines := bytes.Split(bytes.TrimSpace(b.body), []byte("\n"))
	require.Len(t, lines, 4)

	var meta map[string]map[string]string
	require.NoError(t, json.Unmarshal(lines[0], &meta))
	assert.Equal(t, "guard-events", meta["index"]["_index"])
	assert.Equal(t, "ev-1", meta["index"]["_id"])

	require.NoError(t, json.Unmarshal(lines[2], &meta))
	assert.Equal(t, "guard-alerts", meta["index"]["_index"])

	var doc Document
	require.NoError(t, json.Unmarshal(lines[3], &doc))
	assert.Equal(t, "al-1", doc.Alert.ID)

	b.err = errors.New("rejected")
	assert.Error(t, s.Publish(context.Background(), sampleBatch()))
}

type fakeClickHouse struct {
	execs []string
	query string
	rows  [][]interface{}
}

func (c *fakeClickHouse) Exec(_ context.Context, query string, _ ...interface{}) error {
	c.execs = append(c.execs, query)
	return nil
}

func (c *fakeClickHouse) BatchInsert(_ context.Context, query string, data [][]interface{}) error {
	c.query = query
	c.rows = data
	return nil
}

func (c *fakeClickHouse) Close() error { return nil }

func TestClickHouseSinkInsertsEventsOnly(t *testing.T) {
	conn := &fakeClickHouse{}
	buckets := bucketing.New(4, 16)
	s := NewClickHouseSink(conn, "security_events", buckets, hashing.NewHasher(testKey))

	require.NoError(t, s.EnsureTable(context.Background()))
	require.Len(t, conn.execs, 1)
	assert.Contains(t, conn.execs[0], "CREATE TABLE IF NOT EXISTS security_events")

	require.NoError(t, s.Publish(context.Background(), sampleBatch()))
	assert.Equal(t, "INSERT INTO security_events", conn.query)
	require.Len(t, conn.rows, 1)

	row := conn.rows[0]
	require.Len(t, row, 10)
	assert.Equal(t, "ev-1", row[0])
	assert.Equal(t, "xss_attempt", row[2])
	assert.Equal(t, uint32(buckets.GetEventBucket("mallory")), row[6])
	assert.Equal(t, "2024-05-01", row[7])

	conn.rows = nil
	require.NoError(t, s.Publish(context.Background(), sampleBatch()[1:]))
	assert.Nil(t, conn.rows)
}

type fakeNATS struct {
	subjects []string
	flushes  int
}

func (n *fakeNATS) Publish(subject string, _ []byte) error {
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *fakeNATS) Flush(context.Context) error {
	n.flushes++
	return nil
}

func (n *fakeNATS) Close() error { return nil }

func TestNATSSinkPublishesAlertsOnly(t *testing.T) {
	conn := &fakeNATS{}
	s := NewNATSSink(conn, "guard.alerts", hashing.NewHasher(testKey))

	require.NoError(t, s.Publish(context.Background(), sampleBatch()))
	assert.Equal(t, []string{"guard.alerts.xss_attempt"}, conn.subjects)
	assert.Equal(t, 1, conn.flushes)

	require.NoError(t, s.Publish(context.Background(), sampleBatch()[:1]))
	assert.Equal(t, 1, conn.flushes)
}
