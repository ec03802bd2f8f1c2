package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"camf/internal/config"
	"camf/internal/engine"
	"camf/internal/events"
)

// batchSize is how many frames go to the handler per call
const batchSize = 10

// throttlePause is how long an over-quota worker sleeps before re-checking
// the resource monitor.
const throttlePause = 200 * time.Millisecond

// ErrEarlyTermination means the error budget was exhausted and remaining
// segments were abandoned.
var ErrEarlyTermination = errors.New("early termination: error budget exhausted")

// SegmentStatus labels a segment's position in its lifecycle
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentProcessing SegmentStatus = "processing"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// SegmentProgress is a snapshot of one segment's progress
type SegmentProgress struct {
	Segment
	Status          SegmentStatus `json:"status"`
	ProcessedFrames int           `json:"processed_frames"`
	SkippedFrames   int           `json:"skipped_frames"`
	DuplicateFrames int           `json:"duplicate_frames"`
	FPS             float64       `json:"fps"`
	ETASeconds      float64       `json:"eta_seconds"`
	Error           string        `json:"error,omitempty"`
}

// BatchHandler consumes one batch of frames and reports how many errors the
// detectors found in it. The engine facade supplies one that fans each frame
// out through the orchestrator.
type BatchHandler func(ctx context.Context, frames []SourceFrame) (errorsFound int, err error)

// DuplicateHandler records a duplicate frame as carrying the same results
// as the original frame its perceptual hash matched. The result sink's
// upsert makes re-recording under the duplicate's frame id cheap.
type DuplicateHandler func(ctx context.Context, frameID, originalFrameID int) error

// Pipeline processes an uploaded video's frames segment by segment with a
// resource-throttled worker pool.
type Pipeline struct {
	cfg        *config.EngineConfig
	source     VideoSource
	handler    BatchHandler
	duplicates DuplicateHandler
	publisher  engine.EventPublisher
	monitor    *Monitor

	mu          sync.Mutex
	progress    []SegmentProgress
	errorsFound int
	terminated  bool
}

// NewPipeline wires a pipeline; Run does the work. duplicates receives the
// frames frame deduplication matched against an earlier frame; when it is
// nil, deduplication is off and every frame goes to the handler.
func NewPipeline(cfg *config.EngineConfig, source VideoSource, handler BatchHandler, duplicates DuplicateHandler, publisher engine.EventPublisher) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		handler:    handler,
		duplicates: duplicates,
		publisher:  publisher,
		monitor:    NewMonitor(),
	}
}

// Run processes every segment and blocks until all workers finish. It
// returns ErrEarlyTermination when the error budget was exhausted.
func (p *Pipeline) Run(ctx context.Context) error {
	total := p.source.TotalFrames()
	if total == 0 {
		return fmt.Errorf("video has no frames")
	}
	segments := SplitSegments(total, p.cfg.GetSegmentSize())

	p.mu.Lock()
	p.progress = make([]SegmentProgress, len(segments))
	for i, seg := range segments {
		p.progress[i] = SegmentProgress{Segment: seg, Status: SegmentPending}
	}
	p.mu.Unlock()

	workers := p.cfg.GetMaxParallelSegments()
	if workers > len(segments) {
		workers = len(segments)
	}
	log.Printf("[BatchPipeline] %d frames in %d segments, %d workers", total, len(segments), workers)

	p.monitor.Start()
	defer p.monitor.Stop()

	jobs := make(chan Segment)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.workerLoop(ctx, i, workers, jobs, &wg)
	}
	for _, seg := range segments {
		jobs <- seg
	}
	close(jobs)
	wg.Wait()

	if !p.cfg.GetKeepTempFiles() {
		if cs, ok := p.source.(cleanupSource); ok {
			if err := cs.Cleanup(); err != nil {
				log.Printf("[BatchPipeline] Temp cleanup: %v", err)
			}
		}
	}

	p.mu.Lock()
	terminated := p.terminated
	found := p.errorsFound
	p.mu.Unlock()
	if terminated {
		return fmt.Errorf("%w (%d errors found)", ErrEarlyTermination, found)
	}
	return nil
}

// workerLoop pulls segments off the job channel, honouring the resource
// monitor's worker quota: workers above the quota pause instead of starting
// new segments.
func (p *Pipeline) workerLoop(ctx context.Context, index, configured int, jobs <-chan Segment, wg *sync.WaitGroup) {
	defer wg.Done()
	for seg := range jobs {
		for index >= p.monitor.AllowedWorkers(configured) {
			if ctx.Err() != nil || p.isTerminated() {
				break
			}
			time.Sleep(throttlePause)
		}
		if ctx.Err() != nil {
			p.failSegment(seg.Index, ctx.Err().Error())
			continue
		}
		if p.isTerminated() {
			p.failSegment(seg.Index, "abandoned after early termination")
			continue
		}
		if err := p.runSegment(ctx, seg); err != nil {
			log.Printf("[BatchPipeline] %s failed: %v", seg, err)
			p.failSegment(seg.Index, err.Error())
		}
	}
}

// runSegment processes one segment's frames in batches under the segment
// timeout.
func (p *Pipeline) runSegment(ctx context.Context, seg Segment) error {
	segCtx, cancel := context.WithTimeout(ctx, p.cfg.GetSegmentTimeout())
	defer cancel()

	p.setStatus(seg.Index, SegmentProcessing)
	start := time.Now()

	var deduper *Deduper
	if p.cfg.GetFrameDeduplication() && p.duplicates != nil {
		deduper = NewDeduper()
	}

	batch := make([]SourceFrame, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		found, err := p.handler(segCtx, batch)
		if err != nil {
			return err
		}
		p.recordBatch(seg, len(batch), found, start)
		batch = batch[:0]
		return nil
	}

	for f := seg.StartFrame; f < seg.EndFrame; f++ {
		if err := segCtx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("segment timeout after %s", p.cfg.GetSegmentTimeout())
			}
			return err
		}
		if p.isTerminated() {
			return ErrEarlyTermination
		}

		data, err := p.source.ReadFrame(f)
		if err != nil {
			log.Printf("[BatchPipeline] Frame %d unreadable: %v", f, err)
			p.skipFrame(seg.Index)
			continue
		}

		if deduper != nil {
			if original, dup := p.matchDuplicate(deduper, f, data); dup {
				// The original may still sit in the unflushed batch; its
				// results must exist before they can be inherited.
				if err := flush(); err != nil {
					return err
				}
				if err := p.duplicates(segCtx, f, original); err != nil {
					return fmt.Errorf("frame %d duplicate of %d: %w", f, original, err)
				}
				p.markDuplicate(seg.Index)
				continue
			}
		}

		batch = append(batch, SourceFrame{ID: f, Data: data})
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	p.setStatus(seg.Index, SegmentCompleted)
	return nil
}

// matchDuplicate hashes a frame and consults the deduper. Frames that fail
// to decode are never treated as duplicates.
func (p *Pipeline) matchDuplicate(d *Deduper, frameID int, data []byte) (int, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}
	return d.Check(PerceptualHash(img), frameID)
}

// recordBatch updates segment throughput counters and emits batch_progress
func (p *Pipeline) recordBatch(seg Segment, frames, errorsFound int, start time.Time) {
	p.mu.Lock()
	prog := &p.progress[seg.Index]
	prog.ProcessedFrames += frames
	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		prog.FPS = float64(prog.ProcessedFrames) / elapsed
	}
	remaining := seg.FrameCount() - prog.ProcessedFrames - prog.SkippedFrames - prog.DuplicateFrames
	if prog.FPS > 0 && remaining > 0 {
		prog.ETASeconds = float64(remaining) / prog.FPS
	} else {
		prog.ETASeconds = 0
	}
	p.errorsFound += errorsFound
	budget := p.cfg.GetEarlyTerminationErrors()
	hitBudget := !p.terminated && budget > 0 && p.errorsFound >= budget
	if hitBudget {
		p.terminated = true
	}
	snapshot := *prog
	totalFound := p.errorsFound
	p.mu.Unlock()

	if hitBudget {
		log.Printf("[BatchPipeline] Early termination: %d errors found (budget %d)", totalFound, budget)
	}
	if p.publisher != nil {
		p.publisher.PublishType(events.TypeBatchProgress, map[string]interface{}{
			"segment":          seg.Index,
			"processed_frames": snapshot.ProcessedFrames,
			"skipped_frames":   snapshot.SkippedFrames,
			"duplicate_frames": snapshot.DuplicateFrames,
			"fps":              snapshot.FPS,
			"eta_seconds":      snapshot.ETASeconds,
			"errors_found":     totalFound,
		})
	}
}

func (p *Pipeline) setStatus(index int, status SegmentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[index].Status = status
}

func (p *Pipeline) failSegment(index int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[index].Status = SegmentFailed
	p.progress[index].Error = reason
}

func (p *Pipeline) skipFrame(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[index].SkippedFrames++
}

func (p *Pipeline) markDuplicate(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[index].DuplicateFrames++
}

func (p *Pipeline) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Progress returns a snapshot of every segment's progress
func (p *Pipeline) Progress() []SegmentProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SegmentProgress, len(p.progress))
	copy(out, p.progress)
	return out
}

// ErrorsFound returns the running error total across segments
func (p *Pipeline) ErrorsFound() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorsFound
}
