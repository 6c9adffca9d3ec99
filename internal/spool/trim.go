package spool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// ImportLedger reports which done segments have been durably imported into
// the downstream store. Only confirmed segments are ever trim candidates.
type ImportLedger interface {
	// ImportedSegments returns the set of imported segments keyed as
	// "monitor/filename".
	ImportedSegments(ctx context.Context) (map[string]struct{}, error)
}

// TrimReport summarizes one trim pass.
type TrimReport struct {
	Deleted      int
	FreedBytes   int64
	UsedBytes    int64 // after the pass
	Exhausted    bool  // ran out of eligible candidates above target
	TargetBytes  int64
	CandidateMax int
}

// Trimmer deletes the least valuable completed segments to relieve quota
// pressure. Open and error segments are never candidates, unconditionally;
// neither is any segment from the current hour bucket, nor anything the
// importer has not confirmed.
type Trimmer struct {
	baseDir    string
	accountant *Accountant
	ledger     ImportLedger
	logger     *slog.Logger
	nowHour    func() string
}

func NewTrimmer(baseDir string, accountant *Accountant, ledger ImportLedger, logger *slog.Logger) *Trimmer {
	return &Trimmer{
		baseDir:    baseDir,
		accountant: accountant,
		ledger:     ledger,
		logger:     logger,
		nowHour:    func() string { return HourBucket(nowUTC()) },
	}
}

// TrimUntilUnder deletes imported done segments, global oldest-first across
// all monitors, until used bytes drop below thresholdPct of the quota or no
// eligible candidates remain.
func (t *Trimmer) TrimUntilUnder(ctx context.Context, thresholdPct int) (TrimReport, error) {
	state := t.accountant.Recompute()
	target := state.QuotaBytes * int64(thresholdPct) / 100
	report := TrimReport{UsedBytes: state.UsedBytes, TargetBytes: target}
	if state.UsedBytes < target {
		return report, nil
	}

	imported, err := t.ledger.ImportedSegments(ctx)
	if err != nil {
		return report, fmt.Errorf("trim: load import ledger: %w", err)
	}
	segments, err := Scan(t.baseDir)
	if err != nil {
		return report, fmt.Errorf("trim: %w", err)
	}

	currentHour := t.nowHour()
	candidates := make([]SegmentInfo, 0, len(segments))
	for _, seg := range segments {
		if seg.State != StateDone {
			continue
		}
		if seg.Hour >= currentHour {
			// The current (or, with a skewed clock, a future) hour bucket
			// is still accumulating rotations and stays protected.
			continue
		}
		if _, ok := imported[seg.Monitor+"/"+seg.Name]; !ok {
			continue
		}
		candidates = append(candidates, seg)
	}
	report.CandidateMax = len(candidates)

	// Global oldest-first by rotation timestamp, not per-monitor round
	// robin. Unparseable hours sort first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Hour != candidates[j].Hour {
			return candidates[i].Hour < candidates[j].Hour
		}
		if si, sj := parseSeq(candidates[i].Name), parseSeq(candidates[j].Name); si != sj {
			return si < sj
		}
		return candidates[i].Name < candidates[j].Name
	})

	used := state.UsedBytes
	for _, seg := range candidates {
		if used < target {
			break
		}
		if err := os.Remove(seg.Path(t.baseDir)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			t.logger.Warn("trim delete failed", "monitor", seg.Monitor, "segment", seg.Name, "error", err)
			continue
		}
		used -= seg.Size
		report.Deleted++
		report.FreedBytes += seg.Size
		t.logger.Debug("trimmed segment", "monitor", seg.Monitor, "segment", seg.Name, "size", seg.Size)
	}
	report.Exhausted = used >= target

	final := t.accountant.Recompute()
	report.UsedBytes = final.UsedBytes
	if report.Deleted > 0 {
		t.logger.Info("trim pass complete",
			"deleted", report.Deleted,
			"freed_bytes", report.FreedBytes,
			"used_bytes", final.UsedBytes,
			"level", final.Level.String())
	}
	return report, nil
}
