package queue

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"camf/internal/engine"
)

// boundaryBand is the number of frames at each end of a take that are
// treated as boundary frames and protected from dropping.
const boundaryBand = 10

// highWaterRatio is the fill level at which selective dropping begins
const highWaterRatio = 0.8

// maxDropRatio caps cumulative selective drops at half of all frames added
const maxDropRatio = 0.5

// item is one queued frame pair with its assigned priority
type item struct {
	pair     *engine.FramePair
	priority float64
	isFirst  bool
	isLast   bool
	seq      uint64 // insertion order, breaks priority ties
	index    int    // heap bookkeeping
}

// FramePriority computes the priority value in [0,1] (lower = more
// important) for a frame, plus the first/last boundary flags.
func FramePriority(frameNumber, takeFrameTotal int) (priority float64, isFirst, isLast bool) {
	f := float64(frameNumber)
	n := takeFrameTotal
	b := float64(boundaryBand)

	switch {
	case frameNumber < boundaryBand:
		return 0.0 + (f/b)*0.1, frameNumber == 0, false
	case n > 0 && frameNumber >= n-boundaryBand:
		return 0.1 + (float64(n-1-frameNumber)/b)*0.1, false, frameNumber == n-1
	default:
		if n == 0 {
			return 0.7, false, false
		}
		d := float64(frameNumber - boundaryBand)
		if other := float64(n - boundaryBand - frameNumber); other < d {
			d = other
		}
		ratio := d / (float64(n) / 2)
		if ratio > 1 {
			ratio = 1
		}
		return 0.5 + ratio*0.5, false, false
	}
}

// Stats is a snapshot of queue counters
type Stats struct {
	Size     int
	Capacity int
	Added    uint64 // total Put calls
	Admitted uint64
	Dropped  uint64 // selectively dropped (caller was told success)
	Evicted  uint64 // replaced in-queue by a more important pair
	Rejected uint64 // Put returned false
}

// PriorityFrameQueue is a bounded queue that prioritises the first and last
// frames of a take and sheds middle frames under pressure. Multiple
// producers, one consumer.
type PriorityFrameQueue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	seq      uint64
	rng      *rand.Rand

	added    uint64
	admitted uint64
	dropped  uint64
	evicted  uint64
	rejected uint64

	notify chan struct{}
}

// NewPriorityFrameQueue creates a queue with the given capacity
func NewPriorityFrameQueue(capacity int) *PriorityFrameQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &PriorityFrameQueue{
		capacity: capacity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		notify:   make(chan struct{}, 1),
	}
}

// Put offers a pair to the queue. The boolean reports whether the frame was
// handled; a selectively dropped frame still reports true so producers never
// stall on a slow detector. Only a full queue of protected frames returns
// false.
func (q *PriorityFrameQueue) Put(pair *engine.FramePair, takeFrameTotal int) bool {
	priority, isFirst, isLast := FramePriority(pair.CurrentFrameNumber, takeFrameTotal)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.added++

	s := len(q.items)
	highWater := int(float64(q.capacity) * highWaterRatio)

	switch {
	case s < highWater:
		q.push(pair, priority, isFirst, isLast)
		return true

	case s < q.capacity:
		if priority > 0.5 {
			// Middle frame in the pressure band: admit probabilistically,
			// scaled by how deep into the band the queue is.
			fill := float64(s-highWater) / float64(q.capacity-highWater)
			if q.rng.Float64() >= priority*fill {
				// Drop, unless that would push the cumulative drop rate past
				// the hard cap.
				if float64(q.dropped+1)/float64(q.added) <= maxDropRatio {
					q.dropped++
					return true
				}
			}
		}
		q.push(pair, priority, isFirst, isLast)
		return true

	default:
		// Full: evict the least important unprotected pair if the new pair
		// outranks it.
		victim := -1
		for i, it := range q.items {
			if it.isFirst || it.isLast || it.priority <= priority {
				continue
			}
			if victim < 0 || it.priority > q.items[victim].priority {
				victim = i
			}
		}
		if victim < 0 {
			q.rejected++
			return false
		}
		heap.Remove(&q.items, victim)
		q.evicted++
		q.push(pair, priority, isFirst, isLast)
		return true
	}
}

func (q *PriorityFrameQueue) push(pair *engine.FramePair, priority float64, isFirst, isLast bool) {
	q.seq++
	heap.Push(&q.items, &item{
		pair:     pair,
		priority: priority,
		isFirst:  isFirst,
		isLast:   isLast,
		seq:      q.seq,
	})
	q.admitted++
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get removes and returns the most important pair, blocking up to timeout.
// Returns nil when the queue stays empty for the whole timeout.
func (q *PriorityFrameQueue) Get(timeout time.Duration) *engine.FramePair {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			q.mu.Unlock()
			return it.pair
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil
		}
	}
}

// Size returns the number of queued pairs
func (q *PriorityFrameQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue and returns the number of pairs removed
func (q *PriorityFrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Stats returns a snapshot of queue counters
func (q *PriorityFrameQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:     len(q.items),
		Capacity: q.capacity,
		Added:    q.added,
		Admitted: q.admitted,
		Dropped:  q.dropped,
		Evicted:  q.evicted,
		Rejected: q.rejected,
	}
}

// itemHeap orders by ascending priority value, insertion order on ties
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
