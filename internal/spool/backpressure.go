package spool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSoftFlushDelay is the fixed per-cycle flush delay under Soft
// pressure.
const DefaultSoftFlushDelay = 300 * time.Millisecond

// AdmitMode tells a producer path what to do with the next batch.
type AdmitMode int

const (
	AdmitPass     AdmitMode = iota // write and flush immediately
	AdmitThrottle                  // write, but delay the flush cycle
	AdmitShed                      // pause disk admission, buffer in memory
)

// Controller governs producer admission from quota-level transitions. One
// state value behind one mutex: every monitor's producer path observes the
// same level at the same time. The controller owns the per-monitor overflow
// buffers used under Hard pressure and the process-lifetime dropped
// counter.
type Controller struct {
	logger    *slog.Logger
	softDelay time.Duration
	bufferCap int

	mu      sync.Mutex
	level   Level
	buffers map[string]*overflowBuffer

	dropped atomic.Int64
}

// NewController creates a controller starting at Normal. bufferCap bounds
// each monitor's overflow buffer (record count).
func NewController(softDelay time.Duration, bufferCap int, logger *slog.Logger) *Controller {
	if softDelay <= 0 {
		softDelay = DefaultSoftFlushDelay
	}
	return &Controller{
		logger:    logger,
		softDelay: softDelay,
		bufferCap: bufferCap,
		buffers:   make(map[string]*overflowBuffer),
	}
}

// SetLevel consumes a quota-level transition. Logging is edge-triggered:
// exactly one line per state entry and one "backpressure cleared" line per
// downgrade, never one per poll tick. Returns true when the new level
// permits disk writes again and buffered records should be flushed back.
func (c *Controller) SetLevel(level Level) (drain bool) {
	c.mu.Lock()
	prev := c.level
	c.level = level
	buffered := 0
	for _, b := range c.buffers {
		buffered += b.len()
	}
	c.mu.Unlock()

	if level == prev {
		return false
	}
	switch {
	case level > prev:
		if level == LevelHard {
			c.logger.Warn("entering hard backpressure: pausing writes, buffering in memory")
		} else {
			c.logger.Info("entering soft backpressure: applying flush delays")
		}
	default:
		c.logger.Info("backpressure cleared",
			"from", prev.String(), "to", level.String(), "buffered", buffered)
	}
	return prev == LevelHard && level < LevelHard
}

// Level returns the current admission level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Admit reports the mode for the next producer cycle along with the flush
// delay to apply under throttle.
func (c *Controller) Admit() (AdmitMode, time.Duration) {
	switch c.Level() {
	case LevelHard:
		return AdmitShed, 0
	case LevelSoft:
		return AdmitThrottle, c.softDelay
	default:
		return AdmitPass, 0
	}
}

// Shed places an arrival into its monitor's overflow buffer, applying the
// priority displacement rules when full. Never blocks; completes in bounded
// time. The producer is unaffected either way.
func (c *Controller) Shed(a Arrival) {
	c.mu.Lock()
	buf, ok := c.buffers[a.Record.Monitor]
	if !ok {
		buf = newOverflowBuffer(c.bufferCap)
		c.buffers[a.Record.Monitor] = buf
	}
	dropped := buf.add(a)
	c.mu.Unlock()
	if dropped > 0 {
		c.dropped.Add(int64(dropped))
	}
}

// DrainMonitor empties a monitor's overflow buffer, returning survivors in
// original emission order for flush-back through the segment writer.
func (c *Controller) DrainMonitor(monitor string) []Arrival {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[monitor]
	if !ok || buf.len() == 0 {
		return nil
	}
	return buf.drain()
}

// DrainMonitorUpTo drains only the overflow arrivals whose sequence is at
// or below maxSeq. Used while the admission channel still holds older
// records: anything that spilled after them stays buffered until they have
// been dequeued.
func (c *Controller) DrainMonitorUpTo(monitor string, maxSeq uint64) []Arrival {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[monitor]
	if !ok || buf.len() == 0 {
		return nil
	}
	return buf.drainUpTo(maxSeq)
}

// Buffered returns the total records currently held across all overflow
// buffers.
func (c *Controller) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, b := range c.buffers {
		total += b.len()
	}
	return total
}

// Dropped returns the process-lifetime count of shed records. Reset only by
// process restart.
func (c *Controller) Dropped() int64 {
	return c.dropped.Load()
}
