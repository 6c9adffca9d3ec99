package spool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// buildPartData encodes records as a gzip NDJSON stream, flushing after
// each line and recording the compressed offset reached, so tests can
// truncate at an exact line boundary.
func buildPartData(t *testing.T, records []Record) (data []byte, offsets []int) {
	t.Helper()
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzipLevel)
	if err != nil {
		t.Fatalf("gzip writer: %v", err)
	}
	for _, rec := range records {
		line, err := EncodeLine(rec)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := gz.Write(line); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := gz.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		offsets = append(offsets, buf.Len())
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes(), offsets
}

func writePart(t *testing.T, base, monitor, name string, data []byte) string {
	t.Helper()
	dir := filepath.Join(base, monitor)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write part: %v", err)
	}
	return path
}

func salvageRecords(n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = NewRecord("window", PriorityNormal, []byte(fmt.Sprintf("event-%d", i)))
		recs[i].ID = fmt.Sprintf("rec-%03d", i)
	}
	return recs
}

func TestSalvageRecoversCompletePart(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	written := salvageRecords(5)
	data, _ := buildPartData(t, written)
	writePart(t, base, "window", "20250110-09.ndjson.gz.part", data)

	report, err := Salvage(context.Background(), base, testLogger())
	if err != nil {
		t.Fatalf("salvage: %v", err)
	}
	if report.PartsFound != 1 || report.PartsRecovered != 1 || report.LinesSalvaged != 5 {
		t.Fatalf("report = %+v", report)
	}

	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var recoveredPath string
	sawError := false
	for _, seg := range segments {
		switch seg.State {
		case StateOpen:
			t.Fatalf("part file survived salvage: %s", seg.Name)
		case StateError:
			sawError = true
		case StateDone:
			if !seg.Recovered() {
				t.Fatalf("unexpected done segment %s", seg.Name)
			}
			recoveredPath = seg.Path(base)
		}
	}
	if !sawError {
		t.Fatal("original part was not quarantined")
	}
	if recoveredPath == "" {
		t.Fatal("no recovered segment produced")
	}

	got := readSegmentRecords(t, recoveredPath)
	if len(got) != len(written) {
		t.Fatalf("recovered %d records, want %d", len(got), len(written))
	}
	for i, rec := range got {
		if rec.ID != written[i].ID {
			t.Fatalf("record %d = %s, want %s", i, rec.ID, written[i].ID)
		}
	}
}

func TestSalvageTruncatedPartKeepsPrefix(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	written := salvageRecords(6)
	data, offsets := buildPartData(t, written)
	// Cut the stream right after the third line's flush: the recoverable
	// content is exactly the first three records.
	writePart(t, base, "window", "20250110-09.ndjson.gz.part", data[:offsets[2]])

	report, err := Salvage(context.Background(), base, testLogger())
	if err != nil {
		t.Fatalf("salvage: %v", err)
	}
	if report.PartsRecovered != 1 || report.LinesSalvaged != 3 {
		t.Fatalf("report = %+v", report)
	}

	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, seg := range segments {
		if seg.State != StateDone {
			continue
		}
		got := readSegmentRecords(t, seg.Path(base))
		if len(got) != 3 {
			t.Fatalf("recovered %d records, want 3", len(got))
		}
		for i, rec := range got {
			if rec.ID != written[i].ID {
				t.Fatalf("record %d = %s, want %s", i, rec.ID, written[i].ID)
			}
		}
		return
	}
	t.Fatal("no recovered segment produced")
}

func TestSalvageGarbagePartQuarantinesWithoutOutput(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writePart(t, base, "window", "20250110-09.ndjson.gz.part", []byte("not a gzip stream"))

	report, err := Salvage(context.Background(), base, testLogger())
	if err != nil {
		t.Fatalf("salvage: %v", err)
	}
	if report.PartsFound != 1 || report.PartsRecovered != 0 || report.PartsEmpty != 1 {
		t.Fatalf("report = %+v", report)
	}

	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want only the quarantined one", len(segments))
	}
	if segments[0].State != StateError {
		t.Fatalf("segment state = %v, want error", segments[0].State)
	}
}

func TestSalvageBumpsSeqOnRecoveredNameCollision(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	data, _ := buildPartData(t, salvageRecords(2))
	writePart(t, base, "window", "20250110-09.ndjson.gz.part", data)
	// A recovered segment from an earlier crash already claims the name.
	writeSpoolFile(t, base, "window", "20250110-09-recovered.ndjson.gz", 10)

	report, err := Salvage(context.Background(), base, testLogger())
	if err != nil {
		t.Fatalf("salvage: %v", err)
	}
	if report.PartsRecovered != 1 {
		t.Fatalf("report = %+v", report)
	}
	if !fileExists(filepath.Join(base, "window", "20250110-09-001-recovered.ndjson.gz")) {
		t.Fatal("collision did not bump the rotation sequence")
	}
	if st, err := os.Stat(filepath.Join(base, "window", "20250110-09-recovered.ndjson.gz")); err != nil || st.Size() != 10 {
		t.Fatal("pre-existing recovered segment was disturbed")
	}
}

func TestSalvageSkipsCleanSpool(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeSpoolFile(t, base, "window", "20250110-08.ndjson.gz", 100)
	writeSpoolFile(t, base, "window", "20250110-07.ndjson.gz.error", 100)

	report, err := Salvage(context.Background(), base, testLogger())
	if err != nil {
		t.Fatalf("salvage: %v", err)
	}
	if report.PartsFound != 0 {
		t.Fatalf("parts found = %d, want 0", report.PartsFound)
	}

	// Missing spool dir is a quiet no-op on first boot.
	if _, err := Salvage(context.Background(), filepath.Join(base, "missing"), testLogger()); err != nil {
		t.Fatalf("salvage on absent dir: %v", err)
	}
}
