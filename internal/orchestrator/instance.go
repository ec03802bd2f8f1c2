package orchestrator

import (
	"log"
	"time"

	"camf/internal/config"
	"camf/internal/engine"
	"camf/internal/queue"
)

// liveQueueTimeout is how long the drain loop blocks on an empty queue
// before re-checking the stop flag.
const liveQueueTimeout = 500 * time.Millisecond

// DetectorInstance binds one running detector to its live-monitoring frame
// queue. Take processing bypasses the queue and calls the detector directly;
// the queue only carries frames arriving from live capture.
type DetectorInstance struct {
	name string
	det  engine.Detector
	cfg  map[string]config.Value

	queue   *queue.PriorityFrameQueue
	process func(inst *DetectorInstance, pair *engine.FramePair)

	stop chan struct{}
	done chan struct{}
}

func newDetectorInstance(name string, det engine.Detector, cfg map[string]config.Value, capacity int, process func(*DetectorInstance, *engine.FramePair)) *DetectorInstance {
	return &DetectorInstance{
		name:    name,
		det:     det,
		cfg:     cfg,
		queue:   queue.NewPriorityFrameQueue(capacity),
		process: process,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start launches the live drain loop
func (di *DetectorInstance) start() {
	go di.drainLoop()
}

func (di *DetectorInstance) drainLoop() {
	defer close(di.done)
	for {
		select {
		case <-di.stop:
			return
		default:
		}
		pair := di.queue.Get(liveQueueTimeout)
		if pair == nil {
			continue
		}
		di.process(di, pair)
	}
}

// offer enqueues a live frame pair; false means the queue rejected it
func (di *DetectorInstance) offer(pair *engine.FramePair, takeFrameTotal int) bool {
	return di.queue.Put(pair, takeFrameTotal)
}

// clearQueue drops every backlogged frame and returns how many were dropped
func (di *DetectorInstance) clearQueue() int {
	return di.queue.Clear()
}

// shutdown stops the drain loop, clears the backlog and tears the detector
// down. Safe to call once only; the orchestrator removes the instance from
// its table before calling it.
func (di *DetectorInstance) shutdown() error {
	close(di.stop)
	<-di.done
	if dropped := di.queue.Clear(); dropped > 0 {
		log.Printf("[Orchestrator] Dropped %d queued frames while stopping %s", dropped, di.name)
	}
	return di.det.Cleanup()
}
