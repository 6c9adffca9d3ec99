// Package importer moves completed spool segments into the SQLite store
// with at-most-once semantics backed by the import ledger.
package importer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/klauspost/compress/gzip"

	"github.com/rowanfield/spoold/internal/db"
	"github.com/rowanfield/spoold/internal/spool"
)

// Importer consumes done segments. It never opens an open or error segment,
// and re-running it over the same segment produces zero additional
// downstream writes.
type Importer struct {
	baseDir string
	dbm     *db.Manager
	logger  *slog.Logger
}

// Report summarizes one import pass.
type Report struct {
	SegmentsImported int
	SegmentsSkipped  int // already in the ledger
	SegmentsFailed   int // left done, retried next pass
	EventsInserted   int
	Duplicates       int
	InvalidLines     int
}

func New(baseDir string, dbm *db.Manager, logger *slog.Logger) *Importer {
	return &Importer{baseDir: baseDir, dbm: dbm, logger: logger}
}

// Run imports every unimported done segment across all monitors in
// chronological order. A failing segment is logged and left in place; the
// pass continues with the rest.
func (im *Importer) Run(ctx context.Context) (Report, error) {
	var report Report

	segments, err := spool.Scan(im.baseDir)
	if err != nil {
		return report, fmt.Errorf("import scan: %w", err)
	}
	done := segments[:0]
	for _, seg := range segments {
		if seg.State == spool.StateDone {
			done = append(done, seg)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		if done[i].Monitor != done[j].Monitor {
			return done[i].Monitor < done[j].Monitor
		}
		if done[i].Hour != done[j].Hour {
			return done[i].Hour < done[j].Hour
		}
		return done[i].Name < done[j].Name
	})

	for _, seg := range done {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, imported, invalid, err := im.ImportSegment(ctx, seg)
		if err != nil {
			report.SegmentsFailed++
			im.logger.Error("segment import failed, will retry",
				"monitor", seg.Monitor, "segment", seg.Name, "error", err)
			continue
		}
		report.InvalidLines += invalid
		if !imported {
			report.SegmentsSkipped++
			continue
		}
		report.SegmentsImported++
		report.EventsInserted += res.Inserted
		report.Duplicates += res.Skipped
	}

	if report.SegmentsImported > 0 {
		im.logger.Info("import pass complete",
			"segments", report.SegmentsImported,
			"events", report.EventsInserted,
			"duplicates", report.Duplicates,
			"failed", report.SegmentsFailed)
	}
	return report, nil
}

// ImportSegment imports one done segment. The ledger is consulted first:
// an already-imported segment is skipped without opening the file.
// Returns imported=false when the ledger already covered it.
func (im *Importer) ImportSegment(ctx context.Context, seg spool.SegmentInfo) (res db.ImportResult, imported bool, invalid int, err error) {
	if seg.State != spool.StateDone {
		return res, false, 0, fmt.Errorf("segment %s/%s is %s, not done", seg.Monitor, seg.Name, seg.State)
	}

	already, err := im.dbm.SegmentImported(ctx, seg.Monitor, seg.Name)
	if err != nil {
		return res, false, 0, fmt.Errorf("ledger lookup: %w", err)
	}
	if already {
		return res, false, 0, nil
	}

	events, invalid, err := im.readSegment(seg)
	if err != nil {
		return res, false, invalid, err
	}

	res, err = im.dbm.ImportSegment(ctx, seg.Monitor, seg.Name, events)
	if err != nil {
		return res, false, invalid, fmt.Errorf("store segment %s/%s: %w", seg.Monitor, seg.Name, err)
	}
	return res, true, invalid, nil
}

func (im *Importer) readSegment(seg spool.SegmentInfo) ([]db.EventInsert, int, error) {
	f, err := os.Open(seg.Path(im.baseDir))
	if err != nil {
		return nil, 0, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("decompress segment: %w", err)
	}
	defer gz.Close()

	var (
		events  []db.EventInsert
		invalid int
	)
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := spool.DecodeLine(line)
		if err != nil {
			invalid++
			im.logger.Warn("skipping invalid line in done segment",
				"monitor", seg.Monitor, "segment", seg.Name, "error", err)
			continue
		}
		events = append(events, db.EventInsert{
			ID:       rec.ID,
			TS:       rec.TS,
			Monitor:  rec.Monitor,
			Priority: string(rec.Priority),
			Payload:  rec.Payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, invalid, fmt.Errorf("read segment: %w", err)
	}
	return events, invalid, nil
}
