package fusion

import "time"

// NearestStatus is the outcome of a nearest-in-time lookup.
type NearestStatus int

const (
	// Found means idx is the closest retained slot to the query time.
	Found NearestStatus = iota
	// TooOld means the query time predates every retained slot: the
	// slot that would have matched has been overwritten by the ring
	// wrapping around.
	TooOld
	// TooEarly means the query time is newer than the newest buffered
	// slot: IMU propagation has not reached it yet, caller should
	// back off and retry.
	TooEarly
)

// ringBuffer is the fixed-capacity circular state history. The
// cursor is an 8-bit wrapping counter; BufferSize must stay a power of
// two matching its width; changing one without the other is a
// silent correctness break, so the capacity and the cursor's type are
// tied together here and nowhere else.
type ringBuffer struct {
	slots [BufferSize]StateRecord
	// cursor is the logical index of the latest-written slot, as an
	// 8-bit wrapping counter. count tracks how many slots have
	// ever been written, capped at BufferSize, so lookups know which
	// slots are "retained" versus still zero-valued before the first
	// wrap.
	cursor uint8
	count  int

	// covConsistent is the logical index up to which the covariance is
	// known up-to-date; it may lag cursor when covariance propagation
	// is deferred to the updater.
	covConsistent uint8
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{}
}

// phys returns the physical slot for a logical index, taking wrap-around
// into account. Logical indices only ever move forward; physical
// indices are logical mod BufferSize.
func (b *ringBuffer) phys(logical uint8) int {
	return int(logical)
}

// append writes a new record after the current cursor and advances it,
// returning the logical index written.
func (b *ringBuffer) append(rec StateRecord) uint8 {
	if b.count > 0 {
		b.cursor++
	}
	b.slots[b.phys(b.cursor)] = rec
	if b.count < BufferSize {
		b.count++
	}
	return b.cursor
}

// set overwrites an already-written slot in place (used by the updater
// to mutate a matched slot and by re-propagation).
func (b *ringBuffer) set(idx uint8, rec StateRecord) {
	b.slots[b.phys(idx)] = rec
}

// get returns a copy of the slot at logical index idx.
func (b *ringBuffer) get(idx uint8) StateRecord {
	return b.slots[b.phys(idx)]
}

// ref returns a pointer to the slot at logical index idx, for in-place
// mutation by the propagator/updater while the core lock is held.
func (b *ringBuffer) ref(idx uint8) *StateRecord {
	return &b.slots[b.phys(idx)]
}

// latest returns the logical index and record of the most recently
// appended slot.
func (b *ringBuffer) latest() (uint8, *StateRecord) {
	return b.cursor, &b.slots[b.phys(b.cursor)]
}

// oldestRetained returns the logical index of the oldest slot the
// buffer still has a real (non-overwritten) record for.
func (b *ringBuffer) oldestRetained() uint8 {
	if b.count < BufferSize {
		return 0
	}
	return b.cursor + 1 // wrapped: oldest retained immediately follows cursor
}

// nearest scans the retained slots for the one closest in time to t,
// within tolerance. Ties break toward the older (lower logical index)
// slot.
func (b *ringBuffer) nearest(t time.Time, tolerance time.Duration) (uint8, NearestStatus) {
	if b.count == 0 {
		return 0, TooEarly
	}

	latestIdx, latestRec := b.latest()
	if t.After(latestRec.Time) {
		return latestIdx, TooEarly
	}

	oldestIdx := b.oldestRetained()
	oldestRec := b.get(oldestIdx)
	if t.Before(oldestRec.Time.Add(-tolerance)) {
		return oldestIdx, TooOld
	}

	// Linear scan over retained slots in logical order; BufferSize is
	// small (256) so this is cheap relative to the lock hold time of
	// an IMU step.
	bestIdx := oldestIdx
	bestDelta := absDuration(t.Sub(oldestRec.Time))
	n := b.count
	for i := 1; i < n; i++ {
		idx := oldestIdx + uint8(i)
		rec := b.get(idx)
		delta := absDuration(t.Sub(rec.Time))
		if delta < bestDelta {
			bestDelta = delta
			bestIdx = idx
		}
	}

	return bestIdx, Found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// forwardIndices returns the logical indices (from, to] in ascending
// order, for covariance fast-forward and re-propagation.
func forwardIndices(from, to uint8) []uint8 {
	if from == to {
		return nil
	}
	n := int(to - from) // wraps correctly since both are uint8
	out := make([]uint8, 0, n)
	for i := uint8(1); ; i++ {
		out = append(out, from+i)
		if from+i == to {
			break
		}
	}
	return out
}
