package engine

import (
	"fmt"
	"image"
	"time"
)

// FailedConfidence is the reserved sentinel meaning "detector execution
// failed". It is the only legal value outside [0, 1].
const FailedConfidence = -1.0

// ErrorConfidenceThreshold is the confidence above which a detection counts
// as a found error in detector statistics.
const ErrorConfidenceThreshold = 0.5

// BoundingBox locates a finding within a frame, in pixel coordinates
type BoundingBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Area returns the box area in square pixels
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// Detection represents a single finding from one detector on one frame
type Detection struct {
	Confidence      float64 `json:"confidence"` // [0,1], or -1 for detector failure
	Description     string  `json:"description"`
	FrameID         int     `json:"frame_id"`
	TakeID          int64   `json:"take_id,omitempty"`
	DetectorName    string  `json:"detector_name"`
	DetectorVersion string  `json:"detector_version,omitempty"`
	// BoundingBoxes and Metadata must survive JSON round-trips unchanged
	// (the disk cache stores detections as JSON), so no omitempty here:
	// an empty slice or map would come back as nil.
	BoundingBoxes       []BoundingBox          `json:"bounding_boxes"`
	Metadata            map[string]interface{} `json:"metadata"`
	Timestamp           float64                `json:"timestamp,omitempty"`
	ErrorType           string                 `json:"error_type,omitempty"`
	Location            string                 `json:"location,omitempty"`
	FalsePositive       bool                   `json:"false_positive,omitempty"`
	FalsePositiveReason string                 `json:"false_positive_reason,omitempty"`
	IsContinuousStart   bool                   `json:"is_continuous_start,omitempty"`
	IsContinuousEnd     bool                   `json:"is_continuous_end,omitempty"`
}

// Failed reports whether this detection carries the failure sentinel
func (d *Detection) Failed() bool {
	return d.Confidence == FailedConfidence
}

// ConfidenceFromLegacy maps the deprecated enumerated confidence scale to
// the float scheme. Nothing in the engine produces the enum; this exists to
// read results stored by older installations.
// 0 = NO_ERROR, 1 = CONFIRMED_ERROR, 2 = LIKELY_ERROR, 3 = DETECTOR_FAILED.
func ConfidenceFromLegacy(v int) float64 {
	switch v {
	case 1:
		return 0.9
	case 2:
		return 0.6
	case 3:
		return FailedConfidence
	default:
		return 0.0
	}
}

// Frame is one captured frame of a take. Immutable once written.
type Frame struct {
	TakeID      int64
	FrameNumber int
	Timestamp   float64 // seconds from take start
	Width       int
	Height      int
	Data        []byte // encoded PNG/JPEG bytes
}

// SceneRef identifies where a take sits in the production hierarchy.
// The scene and angle scope cache keys; the same footage shot under a
// different scene must never share cached results.
type SceneRef struct {
	ProjectID int64
	SceneID   int64
	AngleID   int64
}

// FramePair ships one frame from the current take together with the
// corresponding frame from the reference take. Lifetime is a single
// queueing+processing cycle.
type FramePair struct {
	TakeID               int64
	ReferenceTakeID      int64
	CurrentFrameNumber   int
	ReferenceFrameNumber int

	CurrentData   []byte // raw encoded bytes (cache keys hash these)
	ReferenceData []byte
	Current       image.Image // decoded, may be nil when a consumer only needs bytes
	Reference     image.Image

	SceneID   int64
	AngleID   int64
	ProjectID int64
	CreatedAt time.Time
}

// SceneContext returns the scene_{id}_angle_{id} tag used to scope cache keys
func (p *FramePair) SceneContext() string {
	return SceneContext(p.SceneID, p.AngleID)
}

// SceneContext builds the cache-scoping tag for a scene/angle combination
func SceneContext(sceneID, angleID int64) string {
	return fmt.Sprintf("scene_%d_angle_%d", sceneID, angleID)
}

// ContinuousError groups detections judged to be the same underlying
// problem appearing across consecutive or near-consecutive frames.
// All members share one detector; member frame numbers strictly increase.
type ContinuousError struct {
	GroupID           string      `json:"group_id"`
	DetectorName      string      `json:"detector_name"`
	Description       string      `json:"description"`
	FirstFrame        int         `json:"first_frame"`
	LastFrame         int         `json:"last_frame"`
	FrameCount        int         `json:"frame_count"`
	FrameRange        string      `json:"frame_range"`
	AverageConfidence float64     `json:"average_confidence"`
	Detections        []Detection `json:"detections"`
	AllFalsePositive  bool        `json:"all_false_positive"`
}

// DetectorProgress tracks one detector's position within a take
type DetectorProgress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Status    string `json:"status"`
}

// ProcessingStatus is a snapshot of per-take progress
type ProcessingStatus struct {
	TakeID          int64                       `json:"take_id"`
	ReferenceTakeID int64                       `json:"reference_take_id"`
	Active          bool                        `json:"active"`
	TotalFrames     int                         `json:"total_frames"`
	ProcessedFrames int                         `json:"processed_frames"`
	FailedFrames    int                         `json:"failed_frames"`
	Detectors       map[string]DetectorProgress `json:"detectors"`
	StartedAt       time.Time                   `json:"started_at"`
	CompletedAt     time.Time                   `json:"completed_at,omitempty"`
	StopRequested   bool                        `json:"stop_requested"`
}

// TakeSummary is the payload of the processing_complete event
type TakeSummary struct {
	TakeID          int64         `json:"take_id"`
	TotalFrames     int           `json:"total_frames"`
	ProcessedFrames int           `json:"processed_frames"`
	FailedFrames    int           `json:"failed_frames"`
	Duration        time.Duration `json:"duration"`
	DetectorNames   []string      `json:"detector_names"`
}
