package spool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority classifies a record for shedding decisions under hard
// backpressure. Normal records are always dropped before critical ones.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
)

// Record is one event line within a segment. The payload is opaque to the
// spool; it has already been privacy-hashed upstream.
type Record struct {
	ID       string   `json:"id"`
	TS       int64    `json:"ts"`
	Monitor  string   `json:"monitor"`
	Priority Priority `json:"priority"`
	Payload  []byte   `json:"payload"`
}

// NewRecord stamps a fresh record for a monitor. The timestamp is
// milliseconds UTC, matching the store schema.
func NewRecord(monitor string, priority Priority, payload []byte) Record {
	return Record{
		ID:       uuid.NewString(),
		TS:       time.Now().UnixMilli(),
		Monitor:  monitor,
		Priority: priority,
		Payload:  payload,
	}
}

// EncodeLine renders the record as a single NDJSON line including the
// trailing newline.
func EncodeLine(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one NDJSON line into a record. A record with an empty
// id or monitor is rejected so salvage never surfaces half-formed lines.
func DecodeLine(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.ID == "" || rec.Monitor == "" {
		return Record{}, fmt.Errorf("decode record: missing id or monitor")
	}
	if rec.Priority != PriorityCritical {
		rec.Priority = PriorityNormal
	}
	return rec, nil
}
