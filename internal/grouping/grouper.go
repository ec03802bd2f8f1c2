package grouping

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"camf/internal/engine"
)

// Default matching thresholds
const (
	// MaxFrameGap is the largest gap between consecutive member frames of
	// one continuous error. Fixed at 5; it is not widened when the queue
	// drops frames.
	MaxFrameGap = 5

	// IoUThreshold is the minimum bounding-box overlap for a spatial match
	IoUThreshold = 0.5

	// CenterDistanceMax is the largest centre-to-centre distance (pixels)
	// that still counts as a spatial match
	CenterDistanceMax = 100.0
)

// openGroup is a continuous error still accepting members
type openGroup struct {
	id          string
	detector    string
	description string
	lastFrame   int
	boxes       []engine.BoundingBox // spatial snapshot of the last member
	members     []engine.Detection
}

// Grouper converts raw per-frame detections into continuous errors. It keys
// open groups on detector name, so out-of-order arrival across detectors is
// tolerated; within one detector it expects non-decreasing frame numbers
// (the orchestrator guarantees this, and GroupAll sorts first regardless).
type Grouper struct {
	mu     sync.Mutex
	open   map[string]*openGroup
	closed []*openGroup
}

// NewGrouper creates an empty grouper
func NewGrouper() *Grouper {
	return &Grouper{open: make(map[string]*openGroup)}
}

// GroupAll groups a complete detection list in one shot
func GroupAll(detections []engine.Detection) []engine.ContinuousError {
	g := NewGrouper()
	g.Add(detections)
	return g.Results()
}

// Add feeds detections into the grouper incrementally. Failure sentinels
// (confidence -1) are skipped; they mark detector trouble, not findings.
func (g *Grouper) Add(detections []engine.Detection) {
	sorted := make([]engine.Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DetectorName != sorted[j].DetectorName {
			return sorted[i].DetectorName < sorted[j].DetectorName
		}
		return sorted[i].FrameID < sorted[j].FrameID
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, det := range sorted {
		if det.Failed() {
			continue
		}
		g.placeLocked(det)
	}
}

func (g *Grouper) placeLocked(det engine.Detection) {
	var best *openGroup
	for _, grp := range g.open {
		if grp.detector != det.DetectorName {
			continue
		}
		if det.FrameID < grp.lastFrame || det.FrameID-grp.lastFrame > MaxFrameGap {
			continue
		}
		if !descriptionsMatch(grp.description, det.Description) {
			continue
		}
		if !boxesMatch(grp.boxes, det.BoundingBoxes) {
			continue
		}
		if best == nil || grp.lastFrame > best.lastFrame {
			best = grp
		}
	}

	if best != nil {
		// Same frame appearing twice in one group means a duplicate
		// detection, not a continuation; keep the first.
		if len(best.members) > 0 && best.members[len(best.members)-1].FrameID == det.FrameID {
			return
		}
		best.members = append(best.members, det)
		best.lastFrame = det.FrameID
		best.boxes = det.BoundingBoxes
		return
	}

	det.IsContinuousStart = true
	id := uuid.NewString()
	g.open[id] = &openGroup{
		id:          id,
		detector:    det.DetectorName,
		description: det.Description,
		lastFrame:   det.FrameID,
		boxes:       det.BoundingBoxes,
		members:     []engine.Detection{det},
	}
}

// descriptionsMatch compares case-insensitively after trimming
func descriptionsMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// boxesMatch applies the spatial rule: any pair with IoU >= 0.5, or any
// pair with centre distance <= 100 px, or both sides empty (text-only
// detections match on description alone).
func boxesMatch(a, b []engine.BoundingBox) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	for _, ba := range a {
		for _, bb := range b {
			if IoU(ba, bb) >= IoUThreshold {
				return true
			}
			if CenterDistance(ba, bb) <= CenterDistanceMax {
				return true
			}
		}
	}
	return false
}

// SweepInactive closes groups whose last frame is more than MaxFrameGap
// behind the processing cursor. Closed groups still appear in Results.
func (g *Grouper) SweepInactive(cursor int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	swept := 0
	for id, grp := range g.open {
		if cursor-grp.lastFrame > MaxFrameGap {
			g.closed = append(g.closed, grp)
			delete(g.open, id)
			swept++
		}
	}
	return swept
}

// Results summarizes every group, open and closed, sorted by first frame
func (g *Grouper) Results() []engine.ContinuousError {
	g.mu.Lock()
	defer g.mu.Unlock()

	groups := make([]*openGroup, 0, len(g.closed)+len(g.open))
	groups = append(groups, g.closed...)
	for _, grp := range g.open {
		groups = append(groups, grp)
	}

	out := make([]engine.ContinuousError, 0, len(groups))
	for _, grp := range groups {
		out = append(out, summarize(grp))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFrame != out[j].FirstFrame {
			return out[i].FirstFrame < out[j].FirstFrame
		}
		return out[i].DetectorName < out[j].DetectorName
	})
	return out
}

func summarize(grp *openGroup) engine.ContinuousError {
	members := make([]engine.Detection, len(grp.members))
	copy(members, grp.members)
	members[len(members)-1].IsContinuousEnd = true

	first := members[0].FrameID
	last := members[len(members)-1].FrameID

	var confidenceSum float64
	allFP := true
	for _, m := range members {
		confidenceSum += m.Confidence
		if !m.FalsePositive {
			allFP = false
		}
	}

	frameRange := fmt.Sprintf("%d", first)
	if last != first {
		frameRange = fmt.Sprintf("%d-%d", first, last)
	}

	return engine.ContinuousError{
		GroupID:           grp.id,
		DetectorName:      grp.detector,
		Description:       grp.description,
		FirstFrame:        first,
		LastFrame:         last,
		FrameCount:        len(members),
		FrameRange:        frameRange,
		AverageConfidence: confidenceSum / float64(len(members)),
		Detections:        members,
		AllFalsePositive:  allFP,
	}
}
