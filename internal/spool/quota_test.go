package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeSpoolFile(t *testing.T, base, monitor, name string, size int) {
	t.Helper()
	dir := filepath.Join(base, monitor)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", monitor, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte("z"), size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRecomputeCountsOnlyDoneSegments(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeSpoolFile(t, base, "window", "20250110-10.ndjson.gz", 1000)
	writeSpoolFile(t, base, "window", "20250110-11.ndjson.gz.part", 4000)
	writeSpoolFile(t, base, "window", "20250110-09.ndjson.gz.error", 8000)
	writeSpoolFile(t, base, "mouse", "20250110-10.ndjson.gz", 500)

	a := NewAccountant(base, 1, 90, 100, testLogger())
	state := a.Recompute()
	if state.UsedBytes != 1500 {
		t.Fatalf("used = %d, want 1500 (open and error excluded)", state.UsedBytes)
	}
	if state.Level != LevelNormal {
		t.Fatalf("level = %v, want normal", state.Level)
	}
}

func TestLevelThresholds(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	a := NewAccountant(base, 1, 90, 100, testLogger()) // 1 MiB quota

	soft := int(a.quotaBytes * 90 / 100)
	hard := int(a.quotaBytes)

	writeSpoolFile(t, base, "window", "20250110-10.ndjson.gz", soft-1)
	if level := a.Recompute().Level; level != LevelNormal {
		t.Fatalf("just under soft: level = %v, want normal", level)
	}

	writeSpoolFile(t, base, "window", "20250110-10.ndjson.gz", soft)
	if level := a.Recompute().Level; level != LevelSoft {
		t.Fatalf("at soft threshold: level = %v, want soft", level)
	}

	writeSpoolFile(t, base, "window", "20250110-10.ndjson.gz", hard)
	if level := a.Recompute().Level; level != LevelHard {
		t.Fatalf("at hard threshold: level = %v, want hard", level)
	}
}

func TestRecomputeKeepsPreviousStateOnScanFailure(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeSpoolFile(t, base, "window", "20250110-10.ndjson.gz", 1234)

	a := NewAccountant(base, 1, 90, 100, testLogger())
	first := a.Recompute()
	if first.UsedBytes != 1234 {
		t.Fatalf("used = %d, want 1234", first.UsedBytes)
	}

	a.baseDir = filepath.Join(base, "window", "20250110-10.ndjson.gz") // a file, not a dir
	second := a.Recompute()
	if second.UsedBytes != 1234 || second.Level != first.Level {
		t.Fatalf("scan failure changed state: %+v", second)
	}
}

func TestLargestDoneFilesDescendingTopN(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	sizes := map[string]int{
		"20250110-01.ndjson.gz": 5 * 1024,
		"20250110-02.ndjson.gz": 4 * 1024,
		"20250110-03.ndjson.gz": 3 * 1024,
		"20250110-04.ndjson.gz": 2 * 1024,
		"20250110-05.ndjson.gz": 1 * 1024,
	}
	for name, size := range sizes {
		writeSpoolFile(t, base, "browser", name, size)
	}
	// Never reported regardless of size.
	writeSpoolFile(t, base, "browser", "20250110-06.ndjson.gz.part", 64*1024)
	writeSpoolFile(t, base, "browser", "20250110-07.ndjson.gz.error", 64*1024)

	a := NewAccountant(base, 1, 90, 100, testLogger())
	files := a.LargestDoneFiles(5)
	if len(files) != 5 {
		t.Fatalf("got %d files, want 5", len(files))
	}
	wantOrder := []int64{5 * 1024, 4 * 1024, 3 * 1024, 2 * 1024, 1 * 1024}
	for i, f := range files {
		if f.Size != wantOrder[i] {
			t.Fatalf("file %d size = %d, want %d", i, f.Size, wantOrder[i])
		}
		if f.Monitor != "browser" {
			t.Fatalf("file %d monitor = %q", i, f.Monitor)
		}
		if filepath.Base(f.Name) != f.Name || filepath.IsAbs(f.Name) {
			t.Fatalf("file %d name %q carries path fragments", i, f.Name)
		}
	}

	if short := a.LargestDoneFiles(2); len(short) != 2 || short[0].Size != 5*1024 {
		t.Fatalf("top-2 = %+v", short)
	}
}
