package events

import (
	"sync"
	"time"

	"camf/internal/engine"
)

// Detector status values reported in progress snapshots
const (
	DetectorStatusRunning  = "running"
	DetectorStatusDone     = "done"
	DetectorStatusFailed   = "failed"
	DetectorStatusDisabled = "disabled"
)

// Tracker aggregates per-take and per-detector progress and emits the
// lifecycle events external subscribers see. The orchestrator and batch
// pipeline report into it; readers get copies.
type Tracker struct {
	bus *Bus

	mu    sync.Mutex
	takes map[int64]*engine.ProcessingStatus
}

// NewTracker creates a tracker publishing to bus
func NewTracker(bus *Bus) *Tracker {
	return &Tracker{bus: bus, takes: make(map[int64]*engine.ProcessingStatus)}
}

// StartTake opens a progress record and announces processing_started
func (t *Tracker) StartTake(takeID, referenceTakeID int64, totalFrames int, detectors []string) {
	t.mu.Lock()
	status := &engine.ProcessingStatus{
		TakeID:          takeID,
		ReferenceTakeID: referenceTakeID,
		Active:          true,
		TotalFrames:     totalFrames,
		Detectors:       make(map[string]engine.DetectorProgress, len(detectors)),
		StartedAt:       time.Now(),
	}
	for _, name := range detectors {
		status.Detectors[name] = engine.DetectorProgress{Total: totalFrames, Status: DetectorStatusRunning}
	}
	t.takes[takeID] = status
	t.mu.Unlock()

	t.bus.PublishType(TypeProcessingStarted, map[string]interface{}{
		"take_id":           takeID,
		"reference_take_id": referenceTakeID,
		"total_frames":      totalFrames,
		"detectors":         detectors,
	})
}

// DetectorFrameDone bumps one detector's processed counter
func (t *Tracker) DetectorFrameDone(takeID int64, detector string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.takes[takeID]
	if !ok {
		return
	}
	p := status.Detectors[detector]
	p.Processed++
	if p.Processed >= p.Total && p.Status == DetectorStatusRunning {
		p.Status = DetectorStatusDone
	}
	status.Detectors[detector] = p
}

// SetDetectorStatus overrides one detector's status label
func (t *Tracker) SetDetectorStatus(takeID int64, detector, statusLabel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.takes[takeID]
	if !ok {
		return
	}
	p := status.Detectors[detector]
	p.Status = statusLabel
	status.Detectors[detector] = p
}

// FrameDone records that all detectors finished one frame and publishes
// frame_processed.
func (t *Tracker) FrameDone(takeID int64, frameID int, failed bool) {
	t.mu.Lock()
	status, ok := t.takes[takeID]
	if ok {
		status.ProcessedFrames++
		if failed {
			status.FailedFrames++
		}
	}
	t.mu.Unlock()

	t.bus.PublishType(TypeFrameProcessed, map[string]interface{}{
		"take_id":  takeID,
		"frame_id": frameID,
		"failed":   failed,
	})
}

// RequestStop flags a take so workers can observe the stop request
func (t *Tracker) RequestStop(takeID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status, ok := t.takes[takeID]; ok {
		status.StopRequested = true
	}
}

// StopRequested reports the stop flag of a take
func (t *Tracker) StopRequested(takeID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.takes[takeID]
	return ok && status.StopRequested
}

// CompleteTake closes the record and announces processing_complete
func (t *Tracker) CompleteTake(takeID int64) {
	t.mu.Lock()
	status, ok := t.takes[takeID]
	var summary engine.TakeSummary
	if ok {
		status.Active = false
		status.CompletedAt = time.Now()
		summary = engine.TakeSummary{
			TakeID:          takeID,
			TotalFrames:     status.TotalFrames,
			ProcessedFrames: status.ProcessedFrames,
			FailedFrames:    status.FailedFrames,
			Duration:        status.CompletedAt.Sub(status.StartedAt),
		}
		for name := range status.Detectors {
			summary.DetectorNames = append(summary.DetectorNames, name)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.bus.PublishType(TypeProcessingComplete, map[string]interface{}{
		"take_id":          takeID,
		"total_frames":     summary.TotalFrames,
		"processed_frames": summary.ProcessedFrames,
		"failed_frames":    summary.FailedFrames,
		"duration_ms":      summary.Duration.Milliseconds(),
		"detectors":        summary.DetectorNames,
	})
}

// Status returns a copy of one take's progress
func (t *Tracker) Status(takeID int64) (engine.ProcessingStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.takes[takeID]
	if !ok {
		return engine.ProcessingStatus{}, false
	}
	out := *status
	out.Detectors = make(map[string]engine.DetectorProgress, len(status.Detectors))
	for name, p := range status.Detectors {
		out.Detectors[name] = p
	}
	return out, true
}

// Forget drops a take's progress record
func (t *Tracker) Forget(takeID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.takes, takeID)
}
