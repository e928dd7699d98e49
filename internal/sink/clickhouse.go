package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"guard-service/internal/bucketing"
	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
)

type clickhouseConn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
	Close() error
}

const createEventsTable = `CREATE TABLE IF NOT EXISTS %s (
	id String,
	timestamp DateTime64(3, 'UTC'),
	category LowCardinality(String),
	severity LowCardinality(String),
	origin LowCardinality(String),
	actor_digest String,
	event_bucket UInt32,
	date_bucket String,
	message String,
	details String
) ENGINE = MergeTree
PARTITION BY date_bucket
ORDER BY (category, event_bucket, timestamp)`

// ClickHouseSink stores events, not alerts, for analytics. Rows carry the
// actor's event bucket so per-actor scans stay inside one sort range.
type ClickHouseSink struct {
	conn    clickhouseConn
	table   string
	buckets *bucketing.BucketingManager
	enc     encoder
}

func NewClickHouseSink(conn clickhouseConn, table string, buckets *bucketing.BucketingManager, h *hashing.Hasher) *ClickHouseSink {
	if buckets == nil {
		buckets = bucketing.New(1, 16)
	}
	return &ClickHouseSink{conn: conn, table: table, buckets: buckets, enc: newEncoder(h)}
}

// EnsureTable creates the events table when it does not exist.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf(createEventsTable, s.table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, batch []eventlog.Record) error {
	rows, err := s.rows(batch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s", s.table)
	return s.conn.BatchInsert(ctx, query, rows)
}

func (s *ClickHouseSink) rows(batch []eventlog.Record) ([][]interface{}, error) {
	rows := make([][]interface{}, 0, len(batch))
	for _, r := range batch {
		if r.Event == nil {
			continue
		}
		doc, err := s.enc.document(r)
		if err != nil {
			return nil, err
		}
		details, err := json.Marshal(doc.Event.Details)
		if err != nil {
			return nil, fmt.Errorf("failed to encode details of %s: %w", doc.ID, err)
		}
		assignment := s.buckets.GetBucketAssignment(r.Event.ActorID, doc.Timestamp)
		rows = append(rows, []interface{}{
			doc.ID,
			doc.Timestamp,
			string(doc.Event.Category),
			string(doc.Event.Severity),
			string(doc.Event.Origin),
			doc.ActorDigest,
			uint32(assignment.EventBucket),
			assignment.DateBucket,
			doc.Event.Message,
			string(details),
		})
	}
	return rows, nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
