package fusion

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

func recordAt(t time.Time) StateRecord {
	return StateRecord{Time: t, Cov: mat.NewSymDense(NError, nil)}
}

func TestRingBufferAppendAndLatest(t *testing.T) {
	b := newRingBuffer()
	base := time.Unix(1000, 0)

	idx0 := b.append(recordAt(base))
	if idx0 != 0 {
		t.Fatalf("first append returned idx %d, want 0", idx0)
	}

	idx1 := b.append(recordAt(base.Add(time.Second)))
	if idx1 != 1 {
		t.Fatalf("second append returned idx %d, want 1", idx1)
	}

	latestIdx, latestRec := b.latest()
	if latestIdx != 1 || !latestRec.Time.Equal(base.Add(time.Second)) {
		t.Fatalf("latest = (%d, %v), want (1, %v)", latestIdx, latestRec.Time, base.Add(time.Second))
	}
}

func TestRingBufferNearestTooEarly(t *testing.T) {
	b := newRingBuffer()
	base := time.Unix(2000, 0)
	b.append(recordAt(base))

	_, status := b.nearest(base.Add(time.Second), time.Millisecond)
	if status != TooEarly {
		t.Fatalf("nearest(future) status = %v, want TooEarly", status)
	}
}

func TestRingBufferNearestTooOldAfterWrap(t *testing.T) {
	b := newRingBuffer()
	base := time.Unix(3000, 0)

	for i := 0; i < BufferSize+5; i++ {
		b.append(recordAt(base.Add(time.Duration(i) * time.Millisecond)))
	}

	_, status := b.nearest(base, time.Millisecond)
	if status != TooOld {
		t.Fatalf("nearest(overwritten time) status = %v, want TooOld", status)
	}
}

func TestRingBufferNearestFound(t *testing.T) {
	b := newRingBuffer()
	base := time.Unix(4000, 0)
	for i := 0; i < 10; i++ {
		b.append(recordAt(base.Add(time.Duration(i) * 10 * time.Millisecond)))
	}

	idx, status := b.nearest(base.Add(55*time.Millisecond), time.Millisecond)
	if status != Found {
		t.Fatalf("nearest status = %v, want Found", status)
	}
	rec := b.get(idx)
	// 50ms and 60ms are equidistant from 55ms; the tie goes to the older slot
	wantTime := base.Add(50 * time.Millisecond)
	if !rec.Time.Equal(wantTime) {
		t.Fatalf("nearest matched time = %v, want %v", rec.Time, wantTime)
	}
}

func TestForwardIndicesAscendingExclusiveFrom(t *testing.T) {
	got := forwardIndices(2, 5)
	want := []uint8{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("forwardIndices(2,5) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forwardIndices(2,5)[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestForwardIndicesWrapsAcrossUint8Boundary(t *testing.T) {
	got := forwardIndices(254, 1)
	want := []uint8{255, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("forwardIndices(254,1) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forwardIndices(254,1)[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestForwardIndicesEmptyWhenEqual(t *testing.T) {
	if got := forwardIndices(7, 7); got != nil {
		t.Fatalf("forwardIndices(7,7) = %v, want nil", got)
	}
}
