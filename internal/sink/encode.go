// Package sink forwards event log records to external systems. Actor ids
// leave the process only as keyed digests.
package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
	"guard-service/internal/models"
)

var (
	_ eventlog.Sink = (*KafkaSink)(nil)
	_ eventlog.Sink = (*ElasticsearchSink)(nil)
	_ eventlog.Sink = (*ClickHouseSink)(nil)
	_ eventlog.Sink = (*NATSSink)(nil)
)

// Document is the wire form of one record.
type Document struct {
	Kind        string                `json:"kind"`
	ID          string                `json:"id"`
	Timestamp   time.Time             `json:"timestamp"`
	ActorDigest string                `json:"actor_digest,omitempty"`
	Event       *models.SecurityEvent `json:"event,omitempty"`
	Alert       *models.Alert         `json:"alert,omitempty"`
}

type encoder struct {
	hasher *hashing.Hasher
}

func newEncoder(h *hashing.Hasher) encoder {
	if h == nil {
		h = hashing.NewHasher(nil)
	}
	return encoder{hasher: h}
}

// document strips the raw actor id and replaces it with its digest.
func (e encoder) document(r eventlog.Record) (Document, error) {
	doc := Document{Kind: r.Kind}
	var actor string
	switch {
	case r.Event != nil:
		ev := *r.Event
		actor = ev.ActorID
		ev.ActorID = ""
		doc.ID = ev.ID
		doc.Timestamp = ev.Timestamp
		doc.Event = &ev
	case r.Alert != nil:
		al := *r.Alert
		actor = al.ActorID
		al.ActorID = ""
		doc.ID = al.ID
		doc.Timestamp = al.Timestamp
		doc.Alert = &al
	default:
		return Document{}, fmt.Errorf("record %q carries no payload", r.Kind)
	}

	digest, err := e.hasher.ActorDigest(actor)
	if err != nil {
		return Document{}, err
	}
	doc.ActorDigest = digest
	return doc, nil
}

func (e encoder) marshal(r eventlog.Record) (Document, []byte, error) {
	doc, err := e.document(r)
	if err != nil {
		return Document{}, nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Document{}, nil, fmt.Errorf("failed to encode %s %s: %w", doc.Kind, doc.ID, err)
	}
	return doc, data, nil
}
