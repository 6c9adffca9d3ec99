package spool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// RecoveryReport summarizes a startup salvage sweep.
type RecoveryReport struct {
	MonitorsScanned int
	PartsFound      int
	PartsRecovered  int
	PartsEmpty      int
	LinesSalvaged   int
}

// Salvage inspects every leftover open segment from a prior crash and
// extracts whatever complete records it contains. Runs once at startup,
// before any writer is created. Each recovered record set becomes a new
// done segment with a "-recovered" qualifier; the original .part is
// quarantined as an error segment either way, so it is never rescanned.
// A failure in one monitor's sweep does not abort the others.
func Salvage(ctx context.Context, baseDir string, logger *slog.Logger) (RecoveryReport, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return RecoveryReport{}, nil
		}
		return RecoveryReport{}, fmt.Errorf("salvage: read spool dir: %w", err)
	}

	var (
		mu     sync.Mutex
		report RecoveryReport
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		monitor := entry.Name()
		mu.Lock()
		report.MonitorsScanned++
		mu.Unlock()

		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			found, recovered, empty, lines := salvageMonitor(baseDir, monitor, logger)
			mu.Lock()
			report.PartsFound += found
			report.PartsRecovered += recovered
			report.PartsEmpty += empty
			report.LinesSalvaged += lines
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if report.PartsFound > 0 {
		logger.Info("recovery sweep complete",
			"parts_found", report.PartsFound,
			"parts_recovered", report.PartsRecovered,
			"lines_salvaged", report.LinesSalvaged)
	}
	return report, nil
}

// salvageMonitor processes all .part files of one monitor directory.
// Errors are logged and isolated; truncation is an expected outcome, not an
// exceptional one.
func salvageMonitor(baseDir, monitor string, logger *slog.Logger) (found, recovered, empty, lines int) {
	dir := filepath.Join(baseDir, monitor)
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("salvage: monitor dir unreadable", "monitor", monitor, "error", err)
		return 0, 0, 0, 0
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, openSuffix) {
			continue
		}
		found++
		salvaged, err := salvagePart(dir, monitor, name, logger)
		if err != nil {
			logger.Warn("salvage failed", "monitor", monitor, "file", name, "error", err)
			continue
		}
		if salvaged == 0 {
			empty++
			logger.Warn("no records recoverable from truncated segment", "monitor", monitor, "file", name)
			continue
		}
		recovered++
		lines += salvaged
	}
	return found, recovered, empty, lines
}

// salvagePart extracts complete records from one crash-truncated .part
// file. Decompression is tolerant: bytes decoded before a stream error are
// kept. Only lines that terminate with a newline and parse as valid records
// survive; parsing stops at the first corrupt line, so the result is a
// prefix-consistent subset of what was written. The original file is
// renamed to an error segment afterwards.
func salvagePart(dir, monitor, partName string, logger *slog.Logger) (int, error) {
	partPath := filepath.Join(dir, partName)
	records, err := readSalvageable(partPath)
	if err != nil {
		return 0, err
	}

	if len(records) > 0 {
		base := strings.TrimSuffix(partName, openSuffix)
		hour := parseHour(base + doneSuffix)
		seq := parseSeq(base + doneSuffix)
		outName := segmentName(hour, seq, true)
		for fileExists(filepath.Join(dir, outName)) {
			seq++
			outName = segmentName(hour, seq, true)
		}
		if err := writeRecoveredSegment(filepath.Join(dir, outName), records); err != nil {
			return 0, fmt.Errorf("write recovered segment: %w", err)
		}
		logger.Info("salvaged truncated segment",
			"monitor", monitor, "file", partName, "recovered", outName, "lines", len(records))
	}

	errPath := filepath.Join(dir, strings.TrimSuffix(partName, openSuffix)+errorSuffix)
	for fileExists(errPath) {
		errPath += ".1"
	}
	if err := os.Rename(partPath, errPath); err != nil {
		return len(records), fmt.Errorf("quarantine part file: %w", err)
	}
	syncDir(dir)
	return len(records), nil
}

// readSalvageable returns the record lines that are provably complete:
// tolerant gzip decode, drop an unterminated tail, stop at the first line
// that fails to parse.
func readSalvageable(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		// Empty file or truncated before the gzip header completed.
		return nil, nil
	}
	defer gz.Close()

	// ReadAll keeps whatever decoded before a truncation error, which is
	// exactly the salvageable prefix.
	data, _ := io.ReadAll(gz)
	if len(data) == 0 {
		return nil, nil
	}

	terminated := bytes.HasSuffix(data, []byte("\n"))
	rawLines := bytes.Split(data, []byte("\n"))
	if terminated {
		rawLines = rawLines[:len(rawLines)-1]
	} else if len(rawLines) > 0 {
		// The final line has no newline: it may be mid-record. Discard.
		rawLines = rawLines[:len(rawLines)-1]
	}

	var records [][]byte
	for _, line := range rawLines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if _, err := DecodeLine(line); err != nil {
			// First corruption: everything after it is suspect.
			break
		}
		records = append(records, line)
	}
	return records, nil
}

// writeRecoveredSegment writes salvaged lines straight to a done-named
// file through a temp path, synced before the promoting rename.
func writeRecoveredSegment(path string, lines [][]byte) error {
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gz, err := gzip.NewWriterLevel(f, gzipLevel)
	if err != nil {
		_ = f.Close()
		return err
	}
	for _, line := range lines {
		if _, err := gz.Write(append(line, '\n')); err != nil {
			_ = gz.Close()
			_ = f.Close()
			return err
		}
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(filepath.Dir(path))
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
