package engine

import (
	"context"

	"camf/internal/config"
)

// FrameSource reads frames and take metadata from storage. Storage owns the
// frames; the engine holds only short-lived decoded copies during processing.
type FrameSource interface {
	// GetFrameBytes returns the raw encoded bytes of one frame
	GetFrameBytes(takeID int64, frameID int) ([]byte, error)

	// ListFrameNumbers returns the frame numbers recorded for a take, ascending
	ListFrameNumbers(takeID int64) ([]int, error)

	// GetAngleReferenceTakeID returns the take marked as the continuity
	// baseline for an angle. ok is false when the angle has no reference.
	GetAngleReferenceTakeID(angleID int64) (takeID int64, ok bool, err error)
}

// ResultSink receives detection results. Appending the same
// (take, frame, detector, description) twice updates the existing record.
type ResultSink interface {
	AppendDetection(takeID int64, frameID int, det Detection) error

	// GetGroupedResults returns the continuous-error groups for a take
	GetGroupedResults(takeID int64) ([]ContinuousError, error)
}

// Detector is the push-model contract every detector adapter implements.
// The orchestrator drives frame distribution; detectors never pull.
type Detector interface {
	// Name returns the detector's name slug
	Name() string

	// Version returns the active package version
	Version() string

	// Initialize prepares the underlying sandbox with a validated config
	Initialize(ctx context.Context, cfg map[string]config.Value) error

	// ProcessFramePair runs the detector on one pair. A detector failure is
	// reported in-band as a single detection with confidence -1; the error
	// return is reserved for transport-level problems.
	ProcessFramePair(ctx context.Context, pair *FramePair) ([]Detection, error)

	// Cleanup releases sandbox resources
	Cleanup() error

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool
}

// SupervisorSink takes per-call outcome reports from the orchestrator.
// Together with DetectorControl it breaks the orchestrator/supervisor cycle:
// each side holds only the other's interface.
type SupervisorSink interface {
	ReportSuccess(detector string, frameID int, processingTimeMs float64)
	ReportFailure(detector string, frameID int, message, stack string)
}

// DetectorControl lets the supervisor restart or retire detectors without
// holding the orchestrator's concrete type.
type DetectorControl interface {
	// DisableDetector stops the detector instance and clears its queue
	DisableDetector(name string) error

	// EnableDetector (re)starts the detector with the given config.
	// A nil config means "last known config".
	EnableDetector(name string, cfg map[string]config.Value) error

	// SkipToCurrent tells a recovering detector to abandon backlogged frames
	// and resume at the current capture position
	SkipToCurrent(name string) error
}

// EventPublisher is the narrow slice of the event bus the engine's internal
// services need.
type EventPublisher interface {
	PublishType(eventType string, payload map[string]interface{})
}
