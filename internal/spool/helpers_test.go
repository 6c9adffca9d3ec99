package spool

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readSegmentRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	var out []Record
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		rec, err := DecodeLine(scanner.Bytes())
		if err != nil {
			t.Fatalf("decode line: %v", err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan segment: %v", err)
	}
	return out
}
