package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Segment state is encoded entirely in the filename so a directory scan is
// sufficient to classify every file after a crash. No external index.
type SegmentState int

const (
	StateOpen  SegmentState = iota // .ndjson.gz.part, single active writer
	StateDone                      // .ndjson.gz, rotated and immutable
	StateError                     // .ndjson.gz.error, quarantined
)

const (
	doneSuffix  = ".ndjson.gz"
	openSuffix  = ".ndjson.gz.part"
	errorSuffix = ".ndjson.gz.error"

	// hourLayout names segments by their UTC hour bucket.
	hourLayout = "20060102-15"
)

func (s SegmentState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SegmentInfo describes one spool file as observed on disk.
type SegmentInfo struct {
	Monitor string
	Name    string // filename only, never a full path
	State   SegmentState
	Size    int64
	Hour    string // rotation hour bucket parsed from the name; "" if unparseable
}

// Path returns the segment's location under the spool base directory.
func (si SegmentInfo) Path(baseDir string) string {
	return filepath.Join(baseDir, si.Monitor, si.Name)
}

// Recovered reports whether the segment is salvage output from a prior
// crash.
func (si SegmentInfo) Recovered() bool {
	return strings.Contains(si.Name, "-recovered")
}

// HourBucket formats t as a segment hour bucket.
func HourBucket(t time.Time) string {
	return t.UTC().Format(hourLayout)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// segmentName builds a done-segment filename for an hour bucket. seq
// disambiguates multiple rotations within the same hour; recovered marks
// salvage output.
func segmentName(hour string, seq int, recovered bool) string {
	var b strings.Builder
	b.WriteString(hour)
	if seq > 0 {
		fmt.Fprintf(&b, "-%03d", seq)
	}
	if recovered {
		b.WriteString("-recovered")
	}
	b.WriteString(doneSuffix)
	return b.String()
}

// classify maps a filename to its segment state. Files that match none of
// the spool suffixes are not segments.
func classify(name string) (SegmentState, bool) {
	switch {
	case strings.HasSuffix(name, openSuffix):
		return StateOpen, true
	case strings.HasSuffix(name, errorSuffix):
		return StateError, true
	case strings.HasSuffix(name, doneSuffix):
		return StateDone, true
	default:
		return 0, false
	}
}

// parseHour extracts the hour bucket from a segment filename. Returns ""
// when the prefix does not parse, which sorts such segments oldest so a
// mangled name can still be trimmed once imported.
func parseHour(name string) string {
	if len(name) < len(hourLayout) {
		return ""
	}
	prefix := name[:len(hourLayout)]
	if _, err := time.Parse(hourLayout, prefix); err != nil {
		return ""
	}
	return prefix
}

// parseSeq extracts the rotation sequence number following the hour bucket,
// or 0 when absent.
func parseSeq(name string) int {
	rest := strings.TrimPrefix(name, parseHour(name))
	rest = strings.TrimSuffix(rest, openSuffix)
	rest = strings.TrimSuffix(rest, errorSuffix)
	rest = strings.TrimSuffix(rest, doneSuffix)
	rest = strings.TrimSuffix(rest, "-recovered")
	rest = strings.TrimPrefix(rest, "-")
	if rest == "" {
		return 0
	}
	seq, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return seq
}

// Scan walks the spool base directory and returns every segment found,
// one monitor subdirectory at a time. Hidden and underscore-prefixed
// directories are skipped.
func Scan(baseDir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan spool dir: %w", err)
	}

	var segments []SegmentInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		monitorSegs, err := ScanMonitor(baseDir, name)
		if err != nil {
			return segments, err
		}
		segments = append(segments, monitorSegs...)
	}
	return segments, nil
}

// ScanMonitor lists the segments of a single monitor directory.
func ScanMonitor(baseDir, monitor string) ([]SegmentInfo, error) {
	dir := filepath.Join(baseDir, monitor)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan monitor %s: %w", monitor, err)
	}

	var segments []SegmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		state, ok := classify(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, SegmentInfo{
			Monitor: monitor,
			Name:    entry.Name(),
			State:   state,
			Size:    info.Size(),
			Hour:    parseHour(entry.Name()),
		})
	}
	return segments, nil
}
