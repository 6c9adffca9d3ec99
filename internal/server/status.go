package server

import (
	"encoding/json"
	"net/http"
)

// StatusResponse is the machine-readable quota/backpressure view for
// operational tooling. Segment entries carry monitor name and rotation
// timestamp only, never payload content or path fragments.
type StatusResponse struct {
	QuotaMB        int64           `json:"quota_mb"`
	UsedMB         int64           `json:"used_mb"`
	SoftPct        int             `json:"soft_pct"`
	HardPct        int             `json:"hard_pct"`
	State          string          `json:"state"`
	DroppedBatches int64           `json:"dropped_batches"`
	LargestDone    []SegmentSizeMB `json:"largest_done"`
}

type SegmentSizeMB struct {
	Monitor  string `json:"monitor"`
	Filename string `json:"filename"`
	SizeMB   int64  `json:"size_mb"`
}

// StatusProvider is implemented by the runtime.
type StatusProvider interface {
	Status() StatusResponse
	// ForceFlush drains in-memory buffers and rotates all active segments.
	ForceFlush() error
}

type StatusHandler struct {
	provider StatusProvider
}

func NewStatusHandler(provider StatusProvider) *StatusHandler {
	return &StatusHandler{provider: provider}
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.provider.Status())
}

func (h *StatusHandler) PostFlush(w http.ResponseWriter, _ *http.Request) {
	if err := h.provider.ForceFlush(); err != nil {
		http.Error(w, "flush failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
