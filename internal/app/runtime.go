package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rowanfield/spoold/internal/config"
	"github.com/rowanfield/spoold/internal/db"
	"github.com/rowanfield/spoold/internal/importer"
	"github.com/rowanfield/spoold/internal/server"
	"github.com/rowanfield/spoold/internal/spool"
)

type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	dbm        *db.Manager
	manager    *spool.Manager
	ctrl       *spool.Controller
	accountant *spool.Accountant
	trimmer    *spool.Trimmer
	importer   *importer.Importer
	httpServer *http.Server
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

func (r *Runtime) Run(ctx context.Context) error {
	// Loss of write access to the spool directory is the one unrecoverable
	// condition: report it clearly instead of retrying forever.
	if err := probeSpoolDir(r.cfg.SpoolDir); err != nil {
		return fmt.Errorf("spool directory not writable: %w", err)
	}

	report, err := spool.Salvage(ctx, r.cfg.SpoolDir, r.logger)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if report.PartsFound > 0 {
		r.logger.Info("startup recovery finished",
			"parts_found", report.PartsFound,
			"lines_salvaged", report.LinesSalvaged)
	}

	dbm, err := db.Open(r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	r.dbm = dbm

	journalMode, busyTimeout, autoVacuum, err := r.dbm.Pragmas(ctx)
	if err != nil {
		return fmt.Errorf("query sqlite pragmas: %w", err)
	}
	r.logger.Info("SQLite opened",
		"path", r.cfg.DBPath,
		"journal_mode", journalMode,
		"busy_timeout", busyTimeout,
		"auto_vacuum", autoVacuum,
	)

	r.ctrl = spool.NewController(r.cfg.SoftFlushDelay, r.cfg.OverflowBufferSize, r.logger)
	r.accountant = spool.NewAccountant(r.cfg.SpoolDir, r.cfg.QuotaMB, r.cfg.SoftPct, r.cfg.HardPct, r.logger)
	r.ctrl.SetLevel(r.accountant.Recompute().Level)
	r.manager = spool.NewManager(r.cfg.SpoolDir, r.cfg.SegmentMaxBytes, r.ctrl, r.logger)
	r.trimmer = spool.NewTrimmer(r.cfg.SpoolDir, r.accountant, r.dbm, r.logger)
	r.importer = importer.New(r.cfg.SpoolDir, r.dbm, r.logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)

	healthHandler := server.NewHealthHandler(r.dbm, r.startedAt, r.version, r)
	statusHandler := server.NewStatusHandler(r)
	ingestHandlers := server.NewIngestHandlers(r.manager)
	r.httpServer = server.New(":"+r.cfg.Port, healthHandler.ServeHTTP, statusHandler, ingestHandlers)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", ":"+r.cfg.Port)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		r.logger.Info("shutdown signal received, draining...")
		return r.shutdown(context.Background())
	}
}

// Snapshot implements server.SnapshotProvider.
func (r *Runtime) Snapshot() server.RuntimeSnapshot {
	return server.RuntimeSnapshot{
		QueueDepth:      int64(r.manager.QueueDepth()),
		EventsReceived:  r.manager.Received(),
		DroppedBatches:  r.ctrl.Dropped(),
		BufferedRecords: int64(r.ctrl.Buffered()),
		QuotaLevel:      r.accountant.Last().Level.String(),
	}
}

// Status implements server.StatusProvider.
func (r *Runtime) Status() server.StatusResponse {
	state := r.accountant.Last()
	largest := r.accountant.LargestDoneFiles(5)
	resp := server.StatusResponse{
		QuotaMB:        state.QuotaBytes / (1024 * 1024),
		UsedMB:         state.UsedBytes / (1024 * 1024),
		SoftPct:        state.SoftPct,
		HardPct:        state.HardPct,
		State:          state.Level.String(),
		DroppedBatches: r.ctrl.Dropped(),
		LargestDone:    make([]server.SegmentSizeMB, 0, len(largest)),
	}
	for _, f := range largest {
		resp.LargestDone = append(resp.LargestDone, server.SegmentSizeMB{
			Monitor:  f.Monitor,
			Filename: f.Name,
			SizeMB:   f.Size / (1024 * 1024),
		})
	}
	return resp
}

// ForceFlush implements server.StatusProvider: drains overflow buffers and
// rotates every active segment, then kicks an import pass.
func (r *Runtime) ForceFlush() error {
	if err := r.manager.ForceFlush(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := r.importer.Run(ctx)
	return err
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	// Quota poll: recompute usage and feed the level transition into the
	// backpressure controller.
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.QuotaPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := r.accountant.Recompute()
				r.ctrl.SetLevel(state.Level)
			}
		}
	}()

	// Import + trim: retire done segments into the store, then relieve
	// quota pressure once their import is confirmed.
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.ImportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				passCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				r.importAndTrim(passCtx)
				cancel()
			}
		}
	}()

	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.WALCheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_, err := r.dbm.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB)
				cancel()
				if err != nil {
					r.logger.Warn("wal checkpoint loop failed", "error", err)
				}
			}
		}
	}()
}

func (r *Runtime) importAndTrim(ctx context.Context) {
	if _, err := r.importer.Run(ctx); err != nil {
		r.logger.Warn("import pass failed", "error", err)
	}
	state := r.accountant.Recompute()
	if state.Level >= spool.LevelSoft {
		if _, err := r.trimmer.TrimUntilUnder(ctx, r.cfg.SoftPct); err != nil {
			r.logger.Warn("trim pass failed", "error", err)
		}
	}
	r.ctrl.SetLevel(r.accountant.Last().Level)
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	// Drain buffered records and finalize all active segments before the
	// final import pass, so nothing completed is left behind.
	if r.manager != nil {
		if err := r.manager.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("spool close: %w", err))
		}
	}

	if r.importer != nil {
		importCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if _, err := r.importer.Run(importCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("final import: %w", err))
		}
		cancel()
	}

	if r.dbm != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.dbm.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("WAL checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		if err := r.dbm.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("db close: %w", err))
		}
	}

	r.logger.Info("shutdown complete",
		"records_received", r.manager.Received(),
		"dropped_batches", r.ctrl.Dropped(),
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

// probeSpoolDir verifies the spool base directory exists and accepts
// writes.
func probeSpoolDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
