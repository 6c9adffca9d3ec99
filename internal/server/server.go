package server

import (
	"net/http"
	"time"
)

func New(addr string, healthHandler http.HandlerFunc, status *StatusHandler, ingest *IngestHandlers) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	if status != nil {
		mux.HandleFunc("GET /status", status.GetStatus)
		mux.HandleFunc("POST /flush", status.PostFlush)
	}
	if ingest != nil {
		mux.HandleFunc("POST /v1/records", ingest.PostRecord)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
