package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"camf/internal/config"
	"camf/internal/engine"
)

// Status is the adapter's position in its lifecycle
type Status string

const (
	StatusCreated     Status = "created"
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusIdle        Status = "idle"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
)

// NoResponseDescription is the detection description reported when a
// sandbox call yields no response at all.
const NoResponseDescription = "No response from detector process"

// Adaptive timeout bounds
const (
	minCallTimeout = 5 * time.Second
	maxCallTimeout = 300 * time.Second
)

const statsWindow = 100

// Stats is a snapshot of an adapter's counters
type Stats struct {
	TotalProcessed int       `json:"total_processed"`
	ErrorsFound    int       `json:"errors_found"`
	AverageMs      float64   `json:"average_processing_ms"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
	Status         Status    `json:"status"`
	TimeoutSeconds float64   `json:"timeout_seconds"`
}

// Adapter exposes a detector sandbox process behind the engine's push-model
// Detector contract. One adapter exclusively owns one sandbox; every call
// is request/response with an adaptive per-call timeout.
type Adapter struct {
	name    string
	version string

	transport Transport
	process   *Process // nil when the transport was injected directly

	mu       sync.Mutex
	status   Status
	timeout  time.Duration
	samples  []float64 // ms, most recent 100
	total    int
	errors   int
	lastErr  string
	lastErrT time.Time
}

// NewAdapter wraps an existing transport. Used by tests and by callers that
// manage the sandbox process themselves.
func NewAdapter(name, version string, transport Transport, initialTimeout time.Duration) *Adapter {
	return &Adapter{
		name:      name,
		version:   version,
		transport: transport,
		status:    StatusCreated,
		timeout:   clampTimeout(initialTimeout),
	}
}

// Launch starts the sandbox process for a detector and wraps it in an
// adapter. The adapter owns the process from here on.
func Launch(ctx context.Context, name, version string, spec LaunchSpec, initialTimeout time.Duration) (*Adapter, error) {
	proc, err := LaunchProcess(ctx, name, spec)
	if err != nil {
		return nil, err
	}
	a := NewAdapter(name, version, NewClient(proc.Conn()), initialTimeout)
	a.process = proc
	return a, nil
}

// Name implements engine.Detector
func (a *Adapter) Name() string { return a.name }

// Version implements engine.Detector
func (a *Adapter) Version() string { return a.version }

// Initialize sends the validated config to the sandbox. Succeeding from
// the failed state is the recovery path back to initialized.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]config.Value) error {
	a.mu.Lock()
	if a.status == StatusStopped {
		a.mu.Unlock()
		return fmt.Errorf("detector %s is stopped", a.name)
	}
	timeout := a.timeout
	a.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := a.transport.Call(callCtx, "initialize", map[string]interface{}{
		"config": config.PlainMap(cfg),
	})
	if err != nil {
		a.fail(err.Error())
		return fmt.Errorf("initialize %s: %w", a.name, err)
	}
	if !resp.Success {
		a.fail(resp.Error)
		return fmt.Errorf("initialize %s: %s", a.name, resp.Error)
	}

	a.mu.Lock()
	a.status = StatusInitialized
	a.mu.Unlock()
	log.Printf("[Sandbox] Detector %s v%s initialized", a.name, a.version)
	return nil
}

// ProcessFramePair runs the detector on one frame pair. Sandbox failures
// are reported in-band as a single confidence -1 detection; the error
// return is reserved for lifecycle misuse (not initialized, stopped).
func (a *Adapter) ProcessFramePair(ctx context.Context, pair *engine.FramePair) ([]engine.Detection, error) {
	a.mu.Lock()
	switch a.status {
	case StatusStopped:
		a.mu.Unlock()
		return nil, fmt.Errorf("detector %s is stopped", a.name)
	case StatusCreated:
		a.mu.Unlock()
		return nil, fmt.Errorf("detector %s is not initialized", a.name)
	}
	a.status = StatusRunning
	timeout := a.timeout
	a.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.transport.Call(callCtx, "process_frame", map[string]interface{}{
		"frame_id": pair.CurrentFrameNumber,
		"take_id":  pair.TakeID,
	})
	elapsed := time.Since(start)

	if err != nil {
		a.fail(err.Error())
		return a.failureDetections(pair, NoResponseDescription), nil
	}
	if !resp.Success {
		a.fail(resp.Error)
		return a.failureDetections(pair, resp.Error), nil
	}

	var detections []engine.Detection
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &detections); err != nil {
			a.fail(err.Error())
			return a.failureDetections(pair, fmt.Sprintf("malformed detector response: %v", err)), nil
		}
	}
	for i := range detections {
		detections[i].DetectorName = a.name
		detections[i].DetectorVersion = a.version
		detections[i].FrameID = pair.CurrentFrameNumber
		detections[i].TakeID = pair.TakeID
	}

	a.recordSuccess(elapsed, detections)
	return detections, nil
}

// Cleanup tells the sandbox to release resources and stops the process.
// Safe to call from any state; the adapter is unusable afterwards.
func (a *Adapter) Cleanup() error {
	a.mu.Lock()
	if a.status == StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.status = StatusStopped
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), minCallTimeout)
	defer cancel()
	if _, err := a.transport.Call(ctx, "cleanup", map[string]interface{}{}); err != nil {
		log.Printf("[Sandbox] Cleanup call for %s failed: %v", a.name, err)
	}

	err := a.transport.Close()
	if a.process != nil {
		a.process.Stop()
	}
	log.Printf("[Sandbox] Detector %s stopped", a.name)
	return err
}

// IsHealthy implements engine.Detector
func (a *Adapter) IsHealthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.status {
	case StatusInitialized, StatusRunning, StatusIdle:
		return true
	}
	return false
}

// Status returns the adapter's current lifecycle state
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Timeout returns the current adaptive call timeout
func (a *Adapter) Timeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

// Stats returns a snapshot of the adapter's counters
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var avg float64
	if len(a.samples) > 0 {
		var sum float64
		for _, s := range a.samples {
			sum += s
		}
		avg = sum / float64(len(a.samples))
	}
	return Stats{
		TotalProcessed: a.total,
		ErrorsFound:    a.errors,
		AverageMs:      avg,
		LastError:      a.lastErr,
		LastErrorAt:    a.lastErrT,
		Status:         a.status,
		TimeoutSeconds: a.timeout.Seconds(),
	}
}

// recordSuccess folds one observed call into the timeout estimate and stats
func (a *Adapter) recordSuccess(elapsed time.Duration, detections []engine.Detection) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// T <- 0.9*T + 0.1*(2*observed), clamped to [5s, 300s]
	smoothed := time.Duration(0.9*float64(a.timeout) + 0.1*float64(2*elapsed))
	a.timeout = clampTimeout(smoothed)

	a.total++
	for _, d := range detections {
		if d.Confidence > engine.ErrorConfidenceThreshold {
			a.errors++
		}
	}
	a.samples = append(a.samples, float64(elapsed)/float64(time.Millisecond))
	if len(a.samples) > statsWindow {
		a.samples = a.samples[len(a.samples)-statsWindow:]
	}
	a.status = StatusIdle
}

func (a *Adapter) fail(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusStopped {
		a.status = StatusFailed
	}
	a.lastErr = message
	a.lastErrT = time.Now()
}

// failureDetections builds the single in-band failure sentinel
func (a *Adapter) failureDetections(pair *engine.FramePair, message string) []engine.Detection {
	return []engine.Detection{{
		Confidence:      engine.FailedConfidence,
		Description:     message,
		FrameID:         pair.CurrentFrameNumber,
		TakeID:          pair.TakeID,
		DetectorName:    a.name,
		DetectorVersion: a.version,
	}}
}

func clampTimeout(d time.Duration) time.Duration {
	if d < minCallTimeout {
		return minCallTimeout
	}
	if d > maxCallTimeout {
		return maxCallTimeout
	}
	return d
}

// Ensure Adapter implements the engine contract
var _ engine.Detector = (*Adapter)(nil)
