package queue

import (
	"testing"
	"time"

	"camf/internal/engine"
)

func pairFor(frame int) *engine.FramePair {
	return &engine.FramePair{TakeID: 1, CurrentFrameNumber: frame, ReferenceFrameNumber: frame}
}

func drain(q *PriorityFrameQueue) []*engine.FramePair {
	var out []*engine.FramePair
	for {
		p := q.Get(10 * time.Millisecond)
		if p == nil {
			return out
		}
		out = append(out, p)
	}
}

func TestFramePriorityBoundaries(t *testing.T) {
	p, first, last := FramePriority(0, 100)
	if p != 0.0 || !first || last {
		t.Errorf("frame 0: got priority=%v first=%v last=%v", p, first, last)
	}

	p, first, last = FramePriority(99, 100)
	if p != 0.1 || first || !last {
		t.Errorf("frame 99: got priority=%v first=%v last=%v", p, first, last)
	}

	// Middle frames land in (0.5, 1.0]
	p, first, last = FramePriority(50, 100)
	if p <= 0.5 || p > 1.0 || first || last {
		t.Errorf("frame 50: got priority=%v first=%v last=%v", p, first, last)
	}

	// Unknown take length defaults middle frames to 0.7
	p, _, _ = FramePriority(50, 0)
	if p != 0.7 {
		t.Errorf("frame 50 of unknown take: got priority=%v, want 0.7", p)
	}

	// Priorities increase away from the front boundary
	p5, _, _ := FramePriority(5, 100)
	p9, _, _ := FramePriority(9, 100)
	if !(p5 < p9) {
		t.Errorf("expected priority(5) < priority(9), got %v >= %v", p5, p9)
	}
}

func TestPutAdmitsBelowHighWater(t *testing.T) {
	q := NewPriorityFrameQueue(10)
	for f := 0; f < 7; f++ {
		if !q.Put(pairFor(f), 100) {
			t.Fatalf("Put(%d) rejected below high-water mark", f)
		}
	}
	if q.Size() != 7 {
		t.Errorf("Size() = %d, want 7", q.Size())
	}
	if s := q.Stats(); s.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0 below high-water mark", s.Dropped)
	}
}

func TestGetOrdering(t *testing.T) {
	q := NewPriorityFrameQueue(100)
	// Submit out of order: middle, last-band, first-band
	for _, f := range []int{50, 51, 95, 99, 0, 3} {
		q.Put(pairFor(f), 100)
	}

	var prev float64 = -1
	for _, p := range drain(q) {
		pri, _, _ := FramePriority(p.CurrentFrameNumber, 100)
		if pri < prev {
			t.Fatalf("dequeue priority decreased: %v after %v (frame %d)", pri, prev, p.CurrentFrameNumber)
		}
		prev = pri
	}
}

func TestGetTimeout(t *testing.T) {
	q := NewPriorityFrameQueue(10)
	start := time.Now()
	if p := q.Get(50 * time.Millisecond); p != nil {
		t.Fatalf("Get on empty queue returned %v", p)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Get returned after %v, expected to block near the timeout", elapsed)
	}
}

func TestFullQueueEvictsMiddleForBoundary(t *testing.T) {
	q := NewPriorityFrameQueue(4)
	// Fill with middle frames; admission below capacity may drop some, so
	// force the queue full by repeated puts.
	for f := 40; f < 60 && q.Size() < 4; f++ {
		q.Put(pairFor(f), 100)
	}
	if q.Size() != 4 {
		t.Fatalf("failed to fill queue, size=%d", q.Size())
	}

	// Frame 0 must displace a middle frame rather than be rejected
	if !q.Put(pairFor(0), 100) {
		t.Fatal("Put(frame 0) rejected on a queue holding evictable middle frames")
	}
	frames := map[int]bool{}
	for _, p := range drain(q) {
		frames[p.CurrentFrameNumber] = true
	}
	if !frames[0] {
		t.Error("frame 0 missing after eviction-admit")
	}
	if s := q.Stats(); s.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", s.Evicted)
	}
}

func TestFullQueueRejectsWhenAllProtected(t *testing.T) {
	q := NewPriorityFrameQueue(2)
	q.Put(pairFor(0), 100)  // is_first
	q.Put(pairFor(99), 100) // is_last
	if q.Put(pairFor(50), 100) {
		t.Error("middle frame admitted into a full queue of protected frames")
	}
	if s := q.Stats(); s.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", s.Rejected)
	}
}

// Scenario: capacity 10, take of 100 frames, submit 20 middle frames then
// the first and last five. All boundary frames must survive and at least
// ten middle frames must have been shed.
func TestPriorityRetentionScenario(t *testing.T) {
	q := NewPriorityFrameQueue(10)

	submitted := 0
	for f := 30; f < 50; f++ {
		q.Put(pairFor(f), 100)
		submitted++
	}
	for f := 0; f < 5; f++ {
		if !q.Put(pairFor(f), 100) {
			t.Fatalf("boundary frame %d rejected", f)
		}
		submitted++
	}
	for f := 95; f < 100; f++ {
		if !q.Put(pairFor(f), 100) {
			t.Fatalf("boundary frame %d rejected", f)
		}
		submitted++
	}
	if submitted != 30 {
		t.Fatalf("submitted %d frames, want 30", submitted)
	}

	retained := map[int]bool{}
	for _, p := range drain(q) {
		retained[p.CurrentFrameNumber] = true
	}

	for f := 0; f < 5; f++ {
		if !retained[f] {
			t.Errorf("first-band frame %d missing after drain", f)
		}
	}
	for f := 95; f < 100; f++ {
		if !retained[f] {
			t.Errorf("last-band frame %d missing after drain", f)
		}
	}

	middleLost := 0
	for f := 30; f < 50; f++ {
		if !retained[f] {
			middleLost++
		}
	}
	if middleLost < 10 {
		t.Errorf("middle frames lost = %d, want >= 10", middleLost)
	}

	s := q.Stats()
	if rate := float64(s.Dropped) / float64(s.Added); rate > 0.5 {
		t.Errorf("selective drop rate %.2f exceeds 0.5", rate)
	}
}

// The cumulative selective drop rate stays at or below 50% of frames added,
// for any workload.
func TestBoundedDropRate(t *testing.T) {
	q := NewPriorityFrameQueue(20)
	for f := 0; f < 5000; f++ {
		q.Put(pairFor(f%1000), 1000)
		if f%97 == 0 {
			q.Get(time.Millisecond) // slow consumer
		}
	}
	s := q.Stats()
	if s.Added == 0 {
		t.Fatal("no frames added")
	}
	if rate := float64(s.Dropped) / float64(s.Added); rate > 0.5 {
		t.Errorf("drop rate %.3f exceeds 0.5 (dropped=%d added=%d)", rate, s.Dropped, s.Added)
	}
}

func TestClear(t *testing.T) {
	q := NewPriorityFrameQueue(10)
	for f := 0; f < 5; f++ {
		q.Put(pairFor(f), 100)
	}
	if n := q.Clear(); n != 5 {
		t.Errorf("Clear() = %d, want 5", n)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d after Clear, want 0", q.Size())
	}
}
