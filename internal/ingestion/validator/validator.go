// Package validator checks ingest events before they reach an indexing
// session and returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/ingestion"
)

const (
	maxDocumentIDLength = 255
	maxFieldTextLength  = 1048576
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateEvent checks the document id, the field list and the shard id of
// an ingest event. numShards bounds an explicit shard id.
func ValidateEvent(event *ingestion.IngestEvent, numShards int) error {
	errs := make(map[string]string)

	id := strings.TrimSpace(event.DocumentID)
	if id == "" {
		errs["document_id"] = "document id is required"
	} else if len(id) > maxDocumentIDLength {
		errs["document_id"] = fmt.Sprintf("document id must be at most %d characters", maxDocumentIDLength)
	}

	fields := event.AllFields()
	if len(fields) == 0 {
		errs["fields"] = "at least one field is required"
	}
	for i, f := range fields {
		key := fmt.Sprintf("fields[%d]", i)
		switch {
		case strings.TrimSpace(f.Name) == "":
			errs[key] = "field name is required"
		case len(f.Text) > maxFieldTextLength:
			errs[key] = fmt.Sprintf("field %s must be at most %d bytes", f.Name, maxFieldTextLength)
		case f.Boost < 0:
			errs[key] = fmt.Sprintf("field %s has negative boost", f.Name)
		}
	}
	if event.Boost < 0 {
		errs["boost"] = "boost must not be negative"
	}
	if event.ShardID != nil && (*event.ShardID < 0 || *event.ShardID >= numShards) {
		errs["shard_id"] = fmt.Sprintf("shard id must be in [0, %d)", numShards)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
