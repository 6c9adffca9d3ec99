package server

import (
	"encoding/json"
	"net/http"

	"github.com/rowanfield/spoold/internal/spool"
)

// RecordWriter admits monitor records into the spool.
type RecordWriter interface {
	Write(rec spool.Record) error
}

type IngestHandlers struct {
	writer RecordWriter
}

// recordRequest is the producer boundary: payloads arrive already
// privacy-hashed and are treated as opaque bytes (base64 over the wire).
type recordRequest struct {
	Monitor  string `json:"monitor"`
	Priority string `json:"priority"`
	Payload  []byte `json:"payload"`
	TS       int64  `json:"ts"`
}

func NewIngestHandlers(writer RecordWriter) *IngestHandlers {
	return &IngestHandlers{writer: writer}
}

func (h *IngestHandlers) PostRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Monitor == "" {
		http.Error(w, "monitor is required", http.StatusBadRequest)
		return
	}
	priority := spool.PriorityNormal
	if req.Priority == string(spool.PriorityCritical) {
		priority = spool.PriorityCritical
	}

	rec := spool.NewRecord(req.Monitor, priority, req.Payload)
	if req.TS != 0 {
		rec.TS = req.TS
	}
	if err := h.writer.Write(rec); err != nil {
		http.Error(w, "spool unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
