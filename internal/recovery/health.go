package recovery

import (
	"time"
)

// Bounds for rolling windows in a health record
const (
	maxProcessingSamples = 100
	maxRecentFailures    = 100
)

// degradedThresholdMs is the rolling mean processing time above which a
// detector is flagged performance-degraded.
const degradedThresholdMs = 100.0

// FailureRecord is one observed detector failure
type FailureRecord struct {
	FrameID   int       `json:"frame_id"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthRecord is the persistent per-detector health state
type HealthRecord struct {
	TotalFailures       int             `json:"total_failures"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RecoveryAttempts    int             `json:"recovery_attempts"`
	CurrentBackoff      float64         `json:"current_backoff_seconds"`
	Healthy             bool            `json:"healthy"`
	PerformanceDegraded bool            `json:"performance_degraded"`
	ProcessingTimes     []float64       `json:"processing_times"` // ms, most recent 100
	LastFailureAt       time.Time       `json:"last_failure_at,omitempty"`
	LastFailureMessage  string          `json:"last_failure_message,omitempty"`
	LastSuccessAt       time.Time       `json:"last_success_at,omitempty"`
	RecentFailures      []FailureRecord `json:"recent_failures"` // most recent 100
}

func newHealthRecord(initialBackoff float64) *HealthRecord {
	return &HealthRecord{
		Healthy:        true,
		CurrentBackoff: initialBackoff,
	}
}

// recordSuccess resets failure streaks and folds in a processing-time sample
func (h *HealthRecord) recordSuccess(processingTimeMs float64, initialBackoff float64) {
	h.ConsecutiveFailures = 0
	h.CurrentBackoff = initialBackoff
	h.Healthy = true
	h.LastSuccessAt = time.Now()

	h.ProcessingTimes = append(h.ProcessingTimes, processingTimeMs)
	if len(h.ProcessingTimes) > maxProcessingSamples {
		h.ProcessingTimes = h.ProcessingTimes[len(h.ProcessingTimes)-maxProcessingSamples:]
	}
	h.PerformanceDegraded = h.meanProcessingTime() > degradedThresholdMs
}

// recordFailure appends to the failure window and bumps counters
func (h *HealthRecord) recordFailure(frameID int, message, stack string) {
	now := time.Now()
	h.TotalFailures++
	h.ConsecutiveFailures++
	h.Healthy = false
	h.LastFailureAt = now
	h.LastFailureMessage = message

	h.RecentFailures = append(h.RecentFailures, FailureRecord{
		FrameID:   frameID,
		Message:   message,
		Stack:     stack,
		Timestamp: now,
	})
	if len(h.RecentFailures) > maxRecentFailures {
		h.RecentFailures = h.RecentFailures[len(h.RecentFailures)-maxRecentFailures:]
	}
}

func (h *HealthRecord) meanProcessingTime() float64 {
	if len(h.ProcessingTimes) == 0 {
		return 0
	}
	var sum float64
	for _, t := range h.ProcessingTimes {
		sum += t
	}
	return sum / float64(len(h.ProcessingTimes))
}

// failuresSince counts failures observed after the cutoff
func (h *HealthRecord) failuresSince(cutoff time.Time) int {
	n := 0
	for i := len(h.RecentFailures) - 1; i >= 0; i-- {
		if h.RecentFailures[i].Timestamp.Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// repeatedFrame reports whether the last three failures hit the same frame
func (h *HealthRecord) repeatedFrame() bool {
	n := len(h.RecentFailures)
	if n < 3 {
		return false
	}
	last := h.RecentFailures[n-1].FrameID
	return h.RecentFailures[n-2].FrameID == last && h.RecentFailures[n-3].FrameID == last
}
