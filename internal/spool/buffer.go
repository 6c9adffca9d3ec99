package spool

// Arrival pairs a record with the global admission sequence the manager
// stamped at Write time. The sequence survives a detour through the
// overflow buffer, so a later drain can be merged back into the write
// stream in original emission order.
type Arrival struct {
	Seq    uint64
	Record Record
}

// overflowBuffer holds arrivals admitted during Hard pressure for one
// monitor. Two queues, one shared capacity budget: keeping priorities
// separate makes the shed decision O(1) instead of scan-to-find-victim.
// Both queues stay sequence-sorted because arrivals are added in admission
// order.
type overflowBuffer struct {
	capacity int
	critical []Arrival
	normal   []Arrival
}

func newOverflowBuffer(capacity int) *overflowBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &overflowBuffer{capacity: capacity}
}

func (b *overflowBuffer) len() int {
	return len(b.critical) + len(b.normal)
}

// add enqueues an arrival, shedding per the priority contract when the
// shared budget is exhausted. Returns the number of records dropped (0 or
// 1): a normal record is always the victim while any normal record is
// buffered; only a buffer holding exclusively critical records ever refuses
// one.
func (b *overflowBuffer) add(a Arrival) (dropped int) {
	if b.len() >= b.capacity {
		if len(b.normal) > 0 {
			// Evict the oldest normal record to make room.
			b.normal = b.normal[1:]
			dropped = 1
		} else {
			// Buffer is all-critical. A critical arrival is refused;
			// a normal arrival never displaces a critical record.
			return 1
		}
	}
	if a.Record.Priority == PriorityCritical {
		b.critical = append(b.critical, a)
	} else {
		b.normal = append(b.normal, a)
	}
	return dropped
}

// drain empties the buffer and returns the surviving arrivals in emission
// order. Both queues are already sequence-sorted, so this is a two-way
// merge.
func (b *overflowBuffer) drain() []Arrival {
	out := mergeArrivals(b.critical, b.normal)
	b.critical = nil
	b.normal = nil
	return out
}

// drainUpTo removes and returns, in emission order, only the arrivals with
// Seq <= maxSeq. Later arrivals stay buffered: they spilled while older
// records were still queued in the admission channel and must not be
// written ahead of them.
func (b *overflowBuffer) drainUpTo(maxSeq uint64) []Arrival {
	splitAt := func(q []Arrival) int {
		for i, a := range q {
			if a.Seq > maxSeq {
				return i
			}
		}
		return len(q)
	}
	ci, ni := splitAt(b.critical), splitAt(b.normal)
	out := mergeArrivals(b.critical[:ci], b.normal[:ni])
	b.critical = b.critical[ci:]
	b.normal = b.normal[ni:]
	return out
}

// mergeArrivals merges two sequence-sorted arrival slices into one.
func mergeArrivals(a, b []Arrival) []Arrival {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]Arrival, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Seq < b[j].Seq {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
