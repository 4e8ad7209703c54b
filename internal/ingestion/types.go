// Package ingestion defines the Kafka event schema consumed by the indexer
// service.
package ingestion

import "time"

// EventField is one field instance of an ingested document. Repeating a name
// adds another instance of that field.
type EventField struct {
	Name  string  `json:"name"`
	Text  string  `json:"text"`
	Boost float32 `json:"boost,omitempty"`
}

// IngestEvent is the Kafka message payload of a document ready for indexing.
// Title and Body are shorthand for fields of the same name. A nil ShardID
// routes the document by the hash of its id.
type IngestEvent struct {
	DocumentID string       `json:"document_id"`
	Title      string       `json:"title,omitempty"`
	Body       string       `json:"body,omitempty"`
	Fields     []EventField `json:"fields,omitempty"`
	Boost      float32      `json:"boost,omitempty"`
	ShardID    *int         `json:"shard_id,omitempty"`
	IngestedAt time.Time    `json:"ingested_at"`
}

// AllFields returns Title, Body and Fields as one list, dropping empty
// shorthand fields.
func (e IngestEvent) AllFields() []EventField {
	out := make([]EventField, 0, len(e.Fields)+2)
	if e.Title != "" {
		out = append(out, EventField{Name: "title", Text: e.Title})
	}
	if e.Body != "" {
		out = append(out, EventField{Name: "body", Text: e.Body})
	}
	return append(out, e.Fields...)
}
