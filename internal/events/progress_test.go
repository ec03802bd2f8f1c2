package events

import (
	"testing"

	"camf/internal/engine"
)

func TestTrackerLifecycle(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var types []string
	unsub := b.Subscribe(func(evt Event) { types = append(types, evt.Type) })
	defer unsub()

	tr := NewTracker(b)
	tr.StartTake(10, 5, 3, []string{"clock_check", "prop_check"})

	status, ok := tr.Status(10)
	if !ok || !status.Active || status.TotalFrames != 3 {
		t.Fatalf("status after start = %+v", status)
	}
	if len(status.Detectors) != 2 || status.Detectors["clock_check"].Total != 3 {
		t.Errorf("detector progress = %+v", status.Detectors)
	}

	for f := 0; f < 3; f++ {
		tr.DetectorFrameDone(10, "clock_check")
		tr.DetectorFrameDone(10, "prop_check")
		tr.FrameDone(10, f, f == 1)
	}
	tr.CompleteTake(10)

	status, _ = tr.Status(10)
	if status.Active {
		t.Error("take still active after CompleteTake")
	}
	if status.ProcessedFrames != 3 || status.FailedFrames != 1 {
		t.Errorf("frames = %d processed %d failed, want 3/1", status.ProcessedFrames, status.FailedFrames)
	}
	if status.Detectors["clock_check"].Status != DetectorStatusDone {
		t.Errorf("detector status = %s, want done", status.Detectors["clock_check"].Status)
	}

	want := []string{
		TypeProcessingStarted,
		TypeFrameProcessed, TypeFrameProcessed, TypeFrameProcessed,
		TypeProcessingComplete,
	}
	if len(types) != len(want) {
		t.Fatalf("event stream = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event stream = %v, want %v", types, want)
		}
	}
}

func TestTrackerStopFlag(t *testing.T) {
	tr := NewTracker(NewBus())
	tr.StartTake(10, 5, 100, nil)

	if tr.StopRequested(10) {
		t.Error("fresh take reports stop requested")
	}
	tr.RequestStop(10)
	if !tr.StopRequested(10) {
		t.Error("stop request not recorded")
	}
	status, _ := tr.Status(10)
	if !status.StopRequested {
		t.Error("snapshot missing stop flag")
	}
}

func TestTrackerStatusIsACopy(t *testing.T) {
	tr := NewTracker(NewBus())
	tr.StartTake(10, 5, 2, []string{"clock_check"})

	status, _ := tr.Status(10)
	status.Detectors["clock_check"] = engine.DetectorProgress{Processed: 99, Total: 2}

	fresh, _ := tr.Status(10)
	if fresh.Detectors["clock_check"].Processed != 0 {
		t.Error("mutating a snapshot leaked into the tracker")
	}
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker(NewBus())
	tr.StartTake(10, 5, 1, nil)
	tr.Forget(10)
	if _, ok := tr.Status(10); ok {
		t.Error("take still present after Forget")
	}
}
