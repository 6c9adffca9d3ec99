package spool

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, *Controller, string) {
	t.Helper()
	base := t.TempDir()
	ctrl := NewController(time.Millisecond, 32, testLogger())
	m := NewManager(base, DefaultSegmentMaxBytes, ctrl, testLogger())
	return m, ctrl, base
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestManagerCloseFlushesQueuedRecords(t *testing.T) {
	t.Parallel()

	m, _, base := newTestManager(t)
	want := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		rec := NewRecord("window", PriorityNormal, []byte(fmt.Sprintf("event-%d", i)))
		want = append(want, rec.ID)
		if err := m.Write(rec); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if got := m.Received(); got != 8 {
		t.Fatalf("received = %d, want 8", got)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var got []string
	for _, seg := range segments {
		if seg.State == StateOpen {
			t.Fatalf("open segment left behind: %s", seg.Name)
		}
		for _, rec := range readSegmentRecords(t, seg.Path(base)) {
			got = append(got, rec.ID)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("flushed %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestManagerHardPressureBuffersThenDrainsInOrder(t *testing.T) {
	t.Parallel()

	m, ctrl, base := newTestManager(t)
	defer m.Close()

	ctrl.SetLevel(LevelHard)
	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		priority := PriorityNormal
		if i%2 == 1 {
			priority = PriorityCritical
		}
		rec := NewRecord("window", priority, []byte(fmt.Sprintf("event-%d", i)))
		want = append(want, rec.ID)
		if err := m.Write(rec); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// Nothing may reach disk while Hard holds; the pipeline sheds each
	// cycle into the overflow buffer.
	waitFor(t, 3*time.Second, func() bool { return ctrl.Buffered() == 5 }, "records to buffer")
	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, seg := range segments {
		if seg.Size > 0 {
			t.Fatalf("bytes written to %s under hard pressure", seg.Name)
		}
	}
	if got := ctrl.Dropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}

	// On downgrade the pipeline drains the overflow buffer ahead of any new
	// batch; wait for that before rotating so the segment is complete.
	ctrl.SetLevel(LevelNormal)
	waitFor(t, 3*time.Second, func() bool { return ctrl.Buffered() == 0 }, "overflow drain")
	if err := m.ForceFlush(); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	segments, err = ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var got []string
	for _, seg := range segments {
		if seg.State != StateDone {
			continue
		}
		for _, rec := range readSegmentRecords(t, seg.Path(base)) {
			got = append(got, rec.ID)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("drained %d records to disk, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCycleMergesSpilledRecordsBySequence(t *testing.T) {
	t.Parallel()

	m, ctrl, base := newTestManager(t)
	w, err := NewWriter("window", base, DefaultSegmentMaxBytes, testLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	p := &pipeline{monitor: "window", writer: w}

	mk := func(seq uint64) Arrival {
		rec := NewRecord("window", PriorityNormal, []byte("event"))
		rec.ID = fmt.Sprintf("rec-%03d", seq)
		return Arrival{Seq: seq, Record: rec}
	}

	// Seq 2 spilled to the overflow buffer while 1 and 3 were still queued.
	// The cycle must interleave it between them, not write it first.
	ctrl.Shed(mk(2))
	if !m.cycle(p, []Arrival{mk(1), mk(3)}) {
		t.Fatal("cycle wrote nothing")
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(segments))
	}
	got := readSegmentRecords(t, segments[0].Path(base))
	want := []string{"rec-001", "rec-002", "rec-003"}
	if len(got) != len(want) {
		t.Fatalf("wrote %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("record %d = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestManagerThrottleSpillKeepsEmissionOrder(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	ctrl := NewController(50*time.Millisecond, 1024, testLogger())
	m := NewManager(base, DefaultSegmentMaxBytes, ctrl, testLogger())

	// Throttled cycles let the admission channel fill, so a burst larger
	// than its capacity spills later records to the overflow buffer while
	// earlier ones are still queued.
	ctrl.SetLevel(LevelSoft)
	const total = QueueCapacity + 188
	for i := 0; i < total; i++ {
		rec := NewRecord("window", PriorityNormal, []byte("event"))
		rec.ID = fmt.Sprintf("rec-%04d", i)
		if err := m.Write(rec); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := ctrl.Dropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}
	if got := ctrl.Buffered(); got != 0 {
		t.Fatalf("buffered after close = %d, want 0", got)
	}

	segments, err := ScanMonitor(base, "window")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var got []string
	for _, seg := range segments {
		if seg.State == StateOpen {
			t.Fatalf("open segment left after close: %s", seg.Name)
		}
		for _, rec := range readSegmentRecords(t, seg.Path(base)) {
			got = append(got, rec.ID)
		}
	}
	if len(got) != total {
		t.Fatalf("flushed %d records, want %d", len(got), total)
	}
	for i, id := range got {
		if want := fmt.Sprintf("rec-%04d", i); id != want {
			t.Fatalf("emission order violated at index %d: got %s, want %s", i, id, want)
		}
	}
}

func TestManagerIdleRotateFinalizesSegment(t *testing.T) {
	t.Parallel()

	m, _, base := newTestManager(t)
	defer m.Close()

	if err := m.Write(NewRecord("mouse", PriorityNormal, []byte("lone event"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		segments, err := ScanMonitor(base, "mouse")
		if err != nil {
			return false
		}
		for _, seg := range segments {
			if seg.State == StateDone {
				return true
			}
		}
		return false
	}, "idle rotation to finalize the segment")
}

func TestManagerWriteAfterClose(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := m.Write(NewRecord("window", PriorityNormal, []byte("late")))
	if !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("write after close: %v", err)
	}
}
