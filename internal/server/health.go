package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rowanfield/spoold/internal/db"
)

type RuntimeSnapshot struct {
	QueueDepth      int64
	EventsReceived  int64
	DroppedBatches  int64
	BufferedRecords int64
	QuotaLevel      string
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

type HealthResponse struct {
	Status          string   `json:"status"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	Version         string   `json:"version"`
	DBStatus        string   `json:"db_status"`
	DBSizeBytes     int64    `json:"db_size_bytes"`
	WALSizeBytes    int64    `json:"wal_size_bytes"`
	QueueDepth      int64    `json:"queue_depth"`
	EventsReceived  int64    `json:"events_received"`
	DroppedBatches  int64    `json:"dropped_batches"`
	BufferedRecords int64    `json:"buffered_records"`
	QuotaLevel      string   `json:"quota_level"`
	GeneratedAt     string   `json:"generated_at"`
	Warnings        []string `json:"warnings,omitempty"`
}

type HealthHandler struct {
	dbm         *db.Manager
	startTime   time.Time
	version     string
	snapshotter SnapshotProvider
}

func NewHealthHandler(dbm *db.Manager, start time.Time, version string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		dbm:         dbm,
		startTime:   start,
		version:     version,
		snapshotter: snapshotter,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.snapshotter.Snapshot()
	dbStats := h.dbm.Stats()

	resp := HealthResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
		Version:         h.version,
		DBStatus:        dbStats.DBStatus,
		DBSizeBytes:     dbStats.DBSizeBytes,
		WALSizeBytes:    dbStats.WALSize,
		QueueDepth:      snapshot.QueueDepth,
		EventsReceived:  snapshot.EventsReceived,
		DroppedBatches:  snapshot.DroppedBatches,
		BufferedRecords: snapshot.BufferedRecords,
		QuotaLevel:      snapshot.QuotaLevel,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	if resp.DBStatus != "ok" {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
