package spool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Level is the three-state quota pressure signal driving the backpressure
// controller and the trim policy.
type Level int

const (
	LevelNormal Level = iota
	LevelSoft
	LevelHard
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelSoft:
		return "soft"
	case LevelHard:
		return "hard"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// QuotaState is a snapshot of disk accounting. It is derived, never stored:
// Level is a pure function of UsedBytes against the thresholds, recomputed
// on every accounting pass.
type QuotaState struct {
	UsedBytes  int64
	QuotaBytes int64
	SoftPct    int
	HardPct    int
	Level      Level
}

// SoftBytes is the byte threshold at which Soft pressure begins.
func (qs QuotaState) SoftBytes() int64 {
	return qs.QuotaBytes * int64(qs.SoftPct) / 100
}

// HardBytes is the byte threshold at which Hard pressure begins.
func (qs QuotaState) HardBytes() int64 {
	return qs.QuotaBytes * int64(qs.HardPct) / 100
}

// DoneFile is one completed segment reported by LargestDoneFiles. The
// filename carries only the monitor name and rotation timestamp, never
// payload content.
type DoneFile struct {
	Monitor string `json:"monitor"`
	Name    string `json:"filename"`
	Size    int64  `json:"size"`
}

// Accountant periodically recomputes disk usage of completed segments.
// Only done segments count toward the quota: open segments are still
// growing and error segments are quarantined pending operational review.
type Accountant struct {
	baseDir    string
	quotaBytes int64
	softPct    int
	hardPct    int
	logger     *slog.Logger

	mu   sync.Mutex
	last QuotaState
}

// NewAccountant builds an accountant for a spool directory. quotaMB is the
// total budget; softPct/hardPct are percentages of it.
func NewAccountant(baseDir string, quotaMB, softPct, hardPct int, logger *slog.Logger) *Accountant {
	a := &Accountant{
		baseDir:    baseDir,
		quotaBytes: int64(quotaMB) * 1024 * 1024,
		softPct:    softPct,
		hardPct:    hardPct,
		logger:     logger,
	}
	a.last = QuotaState{
		QuotaBytes: a.quotaBytes,
		SoftPct:    softPct,
		HardPct:    hardPct,
		Level:      LevelNormal,
	}
	return a
}

// Recompute scans done segments and derives a fresh quota state. On a scan
// failure the previous known state is returned unchanged, so a transient
// directory error never flaps the level.
func (a *Accountant) Recompute() QuotaState {
	segments, err := Scan(a.baseDir)
	if err != nil {
		a.logger.Warn("quota scan failed, keeping previous state", "error", err)
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.last
	}

	var used int64
	for _, seg := range segments {
		if seg.State == StateDone {
			used += seg.Size
		}
	}

	state := QuotaState{
		UsedBytes:  used,
		QuotaBytes: a.quotaBytes,
		SoftPct:    a.softPct,
		HardPct:    a.hardPct,
		Level:      a.levelFor(used),
	}

	a.mu.Lock()
	a.last = state
	a.mu.Unlock()
	return state
}

// Last returns the most recently computed state without rescanning.
func (a *Accountant) Last() QuotaState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Accountant) levelFor(used int64) Level {
	switch {
	case used >= a.quotaBytes*int64(a.hardPct)/100:
		return LevelHard
	case used >= a.quotaBytes*int64(a.softPct)/100:
		return LevelSoft
	default:
		return LevelNormal
	}
}

// LargestDoneFiles returns the top-n completed segments by size, largest
// first, for the diagnostics boundary.
func (a *Accountant) LargestDoneFiles(n int) []DoneFile {
	segments, err := Scan(a.baseDir)
	if err != nil {
		a.logger.Debug("largest-files scan failed", "error", err)
		return nil
	}

	files := make([]DoneFile, 0, len(segments))
	for _, seg := range segments {
		if seg.State != StateDone {
			continue
		}
		files = append(files, DoneFile{Monitor: seg.Monitor, Name: seg.Name, Size: seg.Size})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Size != files[j].Size {
			return files[i].Size > files[j].Size
		}
		return files[i].Name < files[j].Name
	})
	if len(files) > n {
		files = files[:n]
	}
	return files
}
