package grouping

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"camf/internal/engine"
)

func det(frame int, detector, description string, boxes ...engine.BoundingBox) engine.Detection {
	return engine.Detection{
		Confidence:    0.8,
		Description:   description,
		FrameID:       frame,
		DetectorName:  detector,
		BoundingBoxes: boxes,
	}
}

func box(x, y, w, h int) engine.BoundingBox {
	return engine.BoundingBox{X: x, Y: y, Width: w, Height: h}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b engine.BoundingBox
		want float64
	}{
		{"identical", box(0, 0, 100, 100), box(0, 0, 100, 100), 1.0},
		{"disjoint", box(0, 0, 10, 10), box(100, 100, 10, 10), 0.0},
		{"half overlap", box(0, 0, 100, 100), box(50, 0, 100, 100), 1.0 / 3.0},
		{"zero area", box(0, 0, 0, 0), box(0, 0, 100, 100), 0.0},
	}
	for _, tt := range tests {
		if got := IoU(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: IoU = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCenterDistance(t *testing.T) {
	a := box(0, 0, 100, 100)   // centre (50, 50)
	b := box(300, 400, 0, 0)   // centre (300, 400)
	if got := CenterDistance(a, b); math.Abs(got-430.1162) > 0.001 {
		t.Errorf("CenterDistance = %v, want ~430.116", got)
	}
}

// Detections with one description and overlapping boxes across consecutive
// frames form a single continuous error.
func TestGroupingCoherence(t *testing.T) {
	var detections []engine.Detection
	var confidenceSum float64
	for f := 10; f <= 20; f++ {
		d := det(f, "prop_check", "Red prop missing from table",
			box(200, 150+(f%2)*5, 100, 80)) // y jitters +-5 across frames
		d.Confidence = 0.7 + float64(f-10)*0.01
		confidenceSum += d.Confidence
		detections = append(detections, d)
	}

	groups := GroupAll(detections)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}

	g := groups[0]
	if g.FirstFrame != 10 || g.LastFrame != 20 || g.FrameCount != 11 {
		t.Errorf("group span = [%d, %d] count %d, want [10, 20] count 11",
			g.FirstFrame, g.LastFrame, g.FrameCount)
	}
	if want := confidenceSum / 11; math.Abs(g.AverageConfidence-want) > 1e-9 {
		t.Errorf("AverageConfidence = %v, want %v", g.AverageConfidence, want)
	}
	if g.FrameRange != "10-20" {
		t.Errorf("FrameRange = %q, want \"10-20\"", g.FrameRange)
	}
	if !g.Detections[0].IsContinuousStart {
		t.Error("first member not marked as continuous start")
	}
	if !g.Detections[len(g.Detections)-1].IsContinuousEnd {
		t.Error("last member not marked as continuous end")
	}
}

// Same description but boxes sliding far apart produce one group per frame.
func TestGroupingSeparation(t *testing.T) {
	var detections []engine.Detection
	for f := 0; f <= 10; f++ {
		// 110 px stride: centre distance between any two boxes > 100 px and
		// the 40 px wide boxes never overlap
		detections = append(detections, det(f, "prop_check", "Coffee cup position error",
			box(50+f*110, 100, 40, 40)))
	}

	groups := GroupAll(detections)
	if len(groups) != 11 {
		t.Fatalf("got %d groups, want 11", len(groups))
	}
	for _, g := range groups {
		if g.FrameCount != 1 {
			t.Errorf("group at frame %d has %d members, want 1", g.FirstFrame, g.FrameCount)
		}
	}
}

func TestDifferentDescriptionsSeparate(t *testing.T) {
	detections := []engine.Detection{
		det(1, "d", "Lamp moved", box(0, 0, 50, 50)),
		det(2, "d", "Lamp missing", box(0, 0, 50, 50)),
	}
	if groups := GroupAll(detections); len(groups) != 2 {
		t.Errorf("got %d groups, want 2", len(groups))
	}
}

func TestDescriptionMatchIsCaseInsensitive(t *testing.T) {
	detections := []engine.Detection{
		det(1, "d", "Lamp Moved  ", box(0, 0, 50, 50)),
		det(2, "d", "lamp moved", box(0, 0, 50, 50)),
	}
	if groups := GroupAll(detections); len(groups) != 1 {
		t.Errorf("got %d groups, want 1", len(groups))
	}
}

func TestTextOnlyDetectionsGroup(t *testing.T) {
	detections := []engine.Detection{
		det(1, "d", "Audio sync drift"),
		det(3, "d", "Audio sync drift"),
		det(6, "d", "Audio sync drift"),
	}
	groups := GroupAll(detections)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].FrameCount != 3 {
		t.Errorf("FrameCount = %d, want 3", groups[0].FrameCount)
	}
}

func TestFrameGapSplitsGroups(t *testing.T) {
	detections := []engine.Detection{
		det(1, "d", "Drift", box(0, 0, 50, 50)),
		det(6, "d", "Drift", box(0, 0, 50, 50)),  // gap 5: continues
		det(12, "d", "Drift", box(0, 0, 50, 50)), // gap 6: new group
	}
	groups := GroupAll(detections)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].LastFrame != 6 || groups[1].FirstFrame != 12 {
		t.Errorf("unexpected split: %+v", groups)
	}
}

func TestDetectorsNeverShareGroups(t *testing.T) {
	detections := []engine.Detection{
		det(1, "a", "Drift", box(0, 0, 50, 50)),
		det(2, "b", "Drift", box(0, 0, 50, 50)),
	}
	if groups := GroupAll(detections); len(groups) != 2 {
		t.Errorf("got %d groups, want 2", len(groups))
	}
}

func TestFailureSentinelsExcluded(t *testing.T) {
	failed := det(1, "d", "No response from detector process")
	failed.Confidence = engine.FailedConfidence
	detections := []engine.Detection{failed, det(2, "d", "Drift", box(0, 0, 50, 50))}

	groups := GroupAll(detections)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Description != "Drift" {
		t.Errorf("failure sentinel leaked into groups: %+v", groups[0])
	}
}

func TestAllFalsePositiveFlag(t *testing.T) {
	a := det(1, "d", "Drift", box(0, 0, 50, 50))
	a.FalsePositive = true
	b := det(2, "d", "Drift", box(0, 0, 50, 50))
	b.FalsePositive = true

	groups := GroupAll([]engine.Detection{a, b})
	if len(groups) != 1 || !groups[0].AllFalsePositive {
		t.Errorf("AllFalsePositive not set: %+v", groups)
	}

	b.FalsePositive = false
	groups = GroupAll([]engine.Detection{a, b})
	if groups[0].AllFalsePositive {
		t.Error("AllFalsePositive set although one member is not flagged")
	}
}

func TestSweepInactiveClosesStaleGroups(t *testing.T) {
	g := NewGrouper()
	g.Add([]engine.Detection{det(1, "d", "Drift", box(0, 0, 50, 50))})

	if swept := g.SweepInactive(5); swept != 0 {
		t.Errorf("swept %d groups at cursor 5, want 0", swept)
	}
	if swept := g.SweepInactive(7); swept != 1 {
		t.Errorf("swept %d groups at cursor 7, want 1", swept)
	}

	// A closed group no longer accepts members even within the gap
	g.Add([]engine.Detection{det(8, "d", "Drift", box(0, 0, 50, 50))})
	if groups := g.Results(); len(groups) != 2 {
		t.Errorf("got %d groups after sweep, want 2", len(groups))
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	var detections []engine.Detection
	for f := 0; f < 30; f++ {
		detections = append(detections, det(f, "d", "Drift", box(10, 10, 60, 60)))
	}

	incremental := NewGrouper()
	for _, d := range detections {
		incremental.Add([]engine.Detection{d})
	}

	oneShot := GroupAll(detections)
	got := incremental.Results()
	if len(got) != len(oneShot) {
		t.Fatalf("incremental produced %d groups, one-shot %d", len(got), len(oneShot))
	}
	if diff := cmp.Diff(oneShot[0].FrameRange, got[0].FrameRange); diff != "" {
		t.Errorf("frame range mismatch (-oneshot +incremental):\n%s", diff)
	}
}
