package spool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// QueueCapacity bounds each monitor's admission channel.
	QueueCapacity = 512
	// MaxBatchSize caps records written per flush cycle.
	MaxBatchSize = 50
	// FlushWindow is the cadence of timed flush cycles.
	FlushWindow = 500 * time.Millisecond
	// IdleRotate finalizes an open segment after this much write silence so
	// completed data becomes importable promptly.
	IdleRotate = 1500 * time.Millisecond
)

// Manager owns one segment writer and one pipeline goroutine per monitor.
// Producers hand records to Write, which never blocks: the admission
// channel is bounded, and overflow falls through to the controller's
// priority-aware buffer. Every record is stamped with a global sequence on
// admission, so a spill and the channel backlog can always be merged back
// into emission order.
type Manager struct {
	baseDir     string
	segMaxBytes int64
	logger      *slog.Logger
	ctrl        *Controller

	mu        sync.Mutex
	pipelines map[string]*pipeline
	closed    bool
	wg        sync.WaitGroup

	seq      atomic.Uint64
	received atomic.Int64
}

type pipeline struct {
	monitor string
	writer  *Writer
	ch      chan Arrival

	// deq is the highest sequence dequeued from ch, the watermark below
	// which a spilled arrival is safe to write.
	deq atomic.Uint64
}

// NewManager creates a spool manager rooted at baseDir.
func NewManager(baseDir string, segMaxBytes int64, ctrl *Controller, logger *slog.Logger) *Manager {
	return &Manager{
		baseDir:     baseDir,
		segMaxBytes: segMaxBytes,
		logger:      logger,
		ctrl:        ctrl,
		pipelines:   make(map[string]*pipeline),
	}
}

// Controller exposes the backpressure controller for diagnostics.
func (m *Manager) Controller() *Controller {
	return m.ctrl
}

// Received returns the count of records accepted since start.
func (m *Manager) Received() int64 {
	return m.received.Load()
}

// QueueDepth returns the total records waiting in admission channels.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := 0
	for _, p := range m.pipelines {
		depth += len(p.ch)
	}
	return depth
}

// Write admits one record for a monitor. Never blocks: a full admission
// channel spills into the controller's overflow buffer, whose displacement
// rules protect critical records.
func (m *Manager) Write(rec Record) error {
	p, err := m.pipeline(rec.Monitor)
	if err != nil {
		return err
	}
	m.received.Add(1)
	a := Arrival{Seq: m.seq.Add(1), Record: rec}
	select {
	case p.ch <- a:
	default:
		m.ctrl.Shed(a)
	}
	return nil
}

func (m *Manager) pipeline(monitor string) (*pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrWriterClosed
	}
	if p, ok := m.pipelines[monitor]; ok {
		return p, nil
	}
	writer, err := NewWriter(monitor, m.baseDir, m.segMaxBytes, m.logger)
	if err != nil {
		return nil, fmt.Errorf("start pipeline %s: %w", monitor, err)
	}
	p := &pipeline{
		monitor: monitor,
		writer:  writer,
		ch:      make(chan Arrival, QueueCapacity),
	}
	m.pipelines[monitor] = p
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(p)
	}()
	return p, nil
}

// run is the per-monitor pipeline loop: batch from the channel, then write
// or shed per the controller's verdict each cycle.
func (m *Manager) run(p *pipeline) {
	ticker := time.NewTicker(FlushWindow)
	defer ticker.Stop()

	batch := make([]Arrival, 0, MaxBatchSize)
	lastWrite := time.Now()

	for {
		select {
		case a, ok := <-p.ch:
			if !ok {
				m.cycle(p, batch)
				return
			}
			if a.Seq > p.deq.Load() {
				p.deq.Store(a.Seq)
			}
			batch = append(batch, a)
			if len(batch) >= MaxBatchSize {
				if m.cycle(p, batch) {
					lastWrite = time.Now()
				}
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 || m.ctrl.Level() < LevelHard {
				if m.cycle(p, batch) {
					lastWrite = time.Now()
				}
				batch = batch[:0]
			}
			if p.writer.CurrentSegment() != "" && time.Since(lastWrite) >= IdleRotate {
				if err := p.writer.Rotate(); err != nil {
					m.logger.Error("idle rotate failed", "monitor", p.monitor, "error", err)
				}
			}
		}
	}
}

// cycle applies one admission decision to a batch. Under Hard the batch is
// shed into the overflow buffer, keeping its admission sequences; under
// Soft the flush is delayed by the controller's fixed interval; otherwise
// it is immediate. Drained overflow records are merged with the batch by
// admission sequence before writing: a record that spilled while older ones
// sat in the channel must not jump ahead of them, so overflow is only
// released up to the dequeue watermark unless the channel is empty.
// Reports whether anything reached the writer.
func (m *Manager) cycle(p *pipeline, batch []Arrival) bool {
	mode, delay := m.ctrl.Admit()
	if mode == AdmitShed {
		for _, a := range batch {
			m.ctrl.Shed(a)
		}
		return false
	}
	if mode == AdmitThrottle {
		time.Sleep(delay)
	}

	var drained []Arrival
	if len(p.ch) == 0 {
		// Nothing older is pending; any future arrival gets a higher
		// sequence than everything buffered.
		drained = m.ctrl.DrainMonitor(p.monitor)
	} else {
		drained = m.ctrl.DrainMonitorUpTo(p.monitor, p.deq.Load())
	}

	// Concurrent producers can land in the channel slightly out of stamp
	// order; the merge needs both inputs sequence-sorted.
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })

	wrote := false
	for _, a := range mergeArrivals(drained, batch) {
		if err := p.writer.Append(a.Record); err != nil {
			m.logger.Error("append failed", "monitor", p.monitor, "error", err)
			continue
		}
		wrote = true
	}
	if len(batch) == 0 && !wrote {
		return false
	}
	if err := p.writer.Flush(); err != nil {
		// Unflushed lines stay pending inside the writer and are retried
		// next cycle; the error is surfaced here, not swallowed.
		m.logger.Error("flush failed", "monitor", p.monitor, "error", err)
		return wrote
	}
	return wrote
}

// ForceFlush drains overflow buffers as far as emission order allows and
// rotates every active segment immediately. Used for clean shutdown and
// manual inspection; arrivals still behind queued channel records stay
// buffered for the next cycle.
func (m *Manager) ForceFlush() error {
	m.mu.Lock()
	pipelines := make([]*pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		var drained []Arrival
		if len(p.ch) == 0 {
			drained = m.ctrl.DrainMonitor(p.monitor)
		} else {
			drained = m.ctrl.DrainMonitorUpTo(p.monitor, p.deq.Load())
		}
		for _, a := range drained {
			if err := p.writer.Append(a.Record); err != nil {
				errs = append(errs, err)
			}
		}
		if err := p.writer.Rotate(); err != nil {
			errs = append(errs, fmt.Errorf("rotate %s: %w", p.monitor, err))
		}
	}
	return errors.Join(errs...)
}

// Close drains admission channels, flushes buffered records, and finalizes
// all active segments. Records that cannot be flushed stay in their .part
// file for salvage on next start.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pipelines := make([]*pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	for _, p := range pipelines {
		close(p.ch)
	}
	m.wg.Wait()

	var errs []error
	for _, p := range pipelines {
		for _, a := range m.ctrl.DrainMonitor(p.monitor) {
			if err := p.writer.Append(a.Record); err != nil {
				errs = append(errs, err)
			}
		}
		if err := p.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.monitor, err))
		}
	}
	return errors.Join(errs...)
}
