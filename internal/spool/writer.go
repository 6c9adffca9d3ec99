package spool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultSegmentMaxBytes bounds the uncompressed size of one segment
	// before a rotation is forced within the same hour bucket.
	DefaultSegmentMaxBytes = 8 * 1024 * 1024

	gzipLevel = 6
)

// ErrWriterClosed is returned by Append and Flush after Close.
var ErrWriterClosed = errors.New("spool: writer closed")

// Writer owns the single active segment for one monitor. Appends buffer in
// memory; Flush is a separate step so the backpressure controller can delay
// it without blocking admission. All methods are safe for concurrent use,
// though in practice one goroutine per monitor drives the writer.
type Writer struct {
	monitor  string
	dir      string
	logger   *slog.Logger
	maxBytes int64
	now      func() time.Time

	mu           sync.Mutex
	pending      [][]byte
	file         *os.File
	gz           *gzip.Writer
	tempPath     string
	finalName    string
	hour         string
	seq          int
	uncompressed int64
	closed       bool
}

// NewWriter creates a segment writer for a monitor, creating its spool
// subdirectory if needed.
func NewWriter(monitor, baseDir string, maxBytes int64, logger *slog.Logger) (*Writer, error) {
	dir := filepath.Join(baseDir, monitor)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create monitor dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultSegmentMaxBytes
	}
	return &Writer{
		monitor:  monitor,
		dir:      dir,
		logger:   logger,
		maxBytes: maxBytes,
		now:      time.Now,
	}, nil
}

// Append buffers one record. Nothing reaches disk until Flush.
func (w *Writer) Append(rec Record) error {
	line, err := EncodeLine(rec)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, line)
	return nil
}

// Flush writes all buffered records through the gzip stream, rotating first
// if the hour bucket changed or the size bound would be exceeded. A flushed
// record is never split across segments.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	for len(w.pending) > 0 {
		line := w.pending[0]

		hour := HourBucket(w.now())
		if w.gz != nil {
			hourChanged := w.hour != hour
			sizeExceeded := w.uncompressed+int64(len(line)) > w.maxBytes
			if hourChanged || sizeExceeded {
				if err := w.finalizeLocked(hourChanged); err != nil {
					return err
				}
			}
		}
		if w.gz == nil {
			if err := w.openLocked(hour); err != nil {
				return err
			}
		}

		if _, err := w.gz.Write(line); err != nil {
			return fmt.Errorf("append %s: %w", w.monitor, err)
		}
		w.uncompressed += int64(len(line))
		w.pending = w.pending[1:]
	}
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", w.monitor, err)
		}
	}
	return nil
}

// Rotate flushes buffered records and promotes the active segment to done.
// A no-op when nothing has been written since the last rotation.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.finalizeLocked(false)
}

// CurrentSegment returns the name of the active open segment, or "" when no
// segment is open.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gz == nil {
		return ""
	}
	return w.finalName
}

// Close flushes and finalizes any open segment and rejects further use.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	finalErr := w.finalizeLocked(false)
	w.closed = true
	return errors.Join(flushErr, finalErr)
}

// openLocked starts a new .part segment for the given hour bucket. A stale
// .part at the chosen path is discarded: startup recovery has already run,
// so anything left here is from this process and unrecoverable.
func (w *Writer) openLocked(hour string) error {
	if w.hour != hour {
		w.seq = 0
	}
	w.hour = hour

	name := segmentName(w.hour, w.seq, false)
	for {
		if _, err := os.Stat(filepath.Join(w.dir, name)); os.IsNotExist(err) {
			break
		}
		w.seq++
		name = segmentName(w.hour, w.seq, false)
	}
	w.finalName = name
	w.tempPath = filepath.Join(w.dir, name+".part")

	if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale part: %w", err)
	}

	file, err := os.OpenFile(w.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s/%s: %w", w.monitor, name, err)
	}
	gz, err := gzip.NewWriterLevel(file, gzipLevel)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("init gzip %s/%s: %w", w.monitor, name, err)
	}
	w.file = file
	w.gz = gz
	w.uncompressed = 0
	w.logger.Debug("opened segment", "monitor", w.monitor, "segment", name)
	return nil
}

// finalizeLocked closes the active segment and atomically promotes it to
// done. The gzip trailer and file are synced before the rename so a crash
// either leaves the .part (handled by recovery) or the complete done file,
// never a torn done segment.
func (w *Writer) finalizeLocked(hourChanged bool) error {
	if w.gz == nil {
		return nil
	}

	finalPath := filepath.Join(w.dir, w.finalName)
	err := func() error {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("fsync segment: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
		if err := os.Rename(w.tempPath, finalPath); err != nil {
			return fmt.Errorf("promote segment: %w", err)
		}
		syncDir(w.dir)
		return nil
	}()

	name := w.finalName
	file := w.file
	w.gz = nil
	w.file = nil
	w.finalName = ""
	w.tempPath = ""
	w.uncompressed = 0
	if hourChanged {
		w.seq = 0
	} else {
		w.seq++
	}

	if err != nil {
		// Leave the .part in place: the next startup salvages whatever
		// complete records it holds.
		_ = file.Close()
		w.logger.Error("segment finalize failed", "monitor", w.monitor, "segment", name, "error", err)
		return fmt.Errorf("finalize %s/%s: %w", w.monitor, name, err)
	}

	if verifyErr := verifyGzip(finalPath); verifyErr != nil {
		errPath := finalPath + ".error"
		if mvErr := os.Rename(finalPath, errPath); mvErr != nil {
			w.logger.Error("quarantine of bad segment failed", "monitor", w.monitor, "segment", name, "error", mvErr)
		} else {
			w.logger.Error("segment failed gzip check, quarantined", "monitor", w.monitor, "segment", name, "error", verifyErr)
		}
		return nil
	}

	w.logger.Debug("finalized segment", "monitor", w.monitor, "segment", name)
	return nil
}

// verifyGzip reads the head of a freshly promoted segment to confirm the
// stream decodes.
func verifyGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	buf := make([]byte, 8)
	if _, err := gz.Read(buf); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// syncDir fsyncs a directory so the rename is durable. Best effort: not
// every filesystem supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
