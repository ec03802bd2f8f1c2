package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"camf/internal/config"
	"camf/internal/engine"
)

// scriptedTransport pops one canned reply per call
type scriptedTransport struct {
	calls   []Request
	replies []func(Request) (Response, error)
}

func (s *scriptedTransport) Call(ctx context.Context, method string, params map[string]interface{}) (Response, error) {
	req := Request{Method: method, Params: params}
	s.calls = append(s.calls, req)
	if len(s.replies) == 0 {
		return Response{Success: true}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply(req)
}

func (s *scriptedTransport) Close() error { return nil }

func reply(resp Response, err error) func(Request) (Response, error) {
	return func(Request) (Response, error) { return resp, err }
}

func pair(frame int) *engine.FramePair {
	return &engine.FramePair{TakeID: 9, CurrentFrameNumber: frame, ReferenceFrameNumber: frame}
}

func TestInitializeTransitionsStatus(t *testing.T) {
	tr := &scriptedTransport{}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if a.Status() != StatusCreated {
		t.Fatalf("status = %s, want created", a.Status())
	}

	cfg := map[string]config.Value{"threshold": config.NumberValue(0.5)}
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if a.Status() != StatusInitialized {
		t.Errorf("status = %s, want initialized", a.Status())
	}
	if !a.IsHealthy() {
		t.Error("initialized adapter not healthy")
	}

	// The wire carries the plain config map, not the tagged variant
	sent, ok := tr.calls[0].Params["config"].(map[string]interface{})
	if !ok || sent["threshold"] != 0.5 {
		t.Errorf("initialize params = %v", tr.calls[0].Params)
	}
}

func TestInitializeFailureSetsFailed(t *testing.T) {
	tr := &scriptedTransport{replies: []func(Request) (Response, error){
		reply(Response{Success: false, Error: "model file missing"}, nil),
	}}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)

	err := a.Initialize(context.Background(), nil)
	if err == nil || a.Status() != StatusFailed {
		t.Errorf("err = %v, status = %s; want error and failed", err, a.Status())
	}
	if a.IsHealthy() {
		t.Error("failed adapter reports healthy")
	}

	// Successful re-initialize is the recovery path back to initialized
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("recovery Initialize: %v", err)
	}
	if a.Status() != StatusInitialized {
		t.Errorf("status after recovery = %s, want initialized", a.Status())
	}
}

func TestProcessFramePairSuccess(t *testing.T) {
	tr := &scriptedTransport{replies: []func(Request) (Response, error){
		reply(Response{Success: true}, nil), // initialize
		func(req Request) (Response, error) {
			if req.Params["frame_id"] != 12 || req.Params["take_id"] != int64(9) {
				return Response{}, errors.New("wrong params")
			}
			return Response{Success: true, Data: []byte(
				`[{"confidence": 0.85, "description": "Clock hands moved"},
				  {"confidence": 0.3, "description": "Possible shadow shift"}]`)}, nil
		},
	}}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	dets, err := a.ProcessFramePair(context.Background(), pair(12))
	if err != nil {
		t.Fatalf("ProcessFramePair: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2", len(dets))
	}
	for _, d := range dets {
		if d.DetectorName != "clock_check" || d.DetectorVersion != "1.2.0" {
			t.Errorf("detector identity not stamped: %+v", d)
		}
		if d.FrameID != 12 || d.TakeID != 9 {
			t.Errorf("frame identity not stamped: %+v", d)
		}
	}
	if a.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", a.Status())
	}

	stats := a.Stats()
	if stats.TotalProcessed != 1 {
		t.Errorf("TotalProcessed = %d, want 1", stats.TotalProcessed)
	}
	// Only the 0.85 detection clears the error threshold
	if stats.ErrorsFound != 1 {
		t.Errorf("ErrorsFound = %d, want 1", stats.ErrorsFound)
	}
}

func TestProcessFramePairNoResponse(t *testing.T) {
	tr := &scriptedTransport{replies: []func(Request) (Response, error){
		reply(Response{Success: true}, nil), // initialize
		reply(Response{}, context.DeadlineExceeded),
	}}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	dets, err := a.ProcessFramePair(context.Background(), pair(5))
	if err != nil {
		t.Fatalf("failure must be in-band, got error %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1 sentinel", len(dets))
	}
	if !dets[0].Failed() {
		t.Errorf("confidence = %v, want %v", dets[0].Confidence, engine.FailedConfidence)
	}
	if dets[0].Description != NoResponseDescription {
		t.Errorf("description = %q", dets[0].Description)
	}
	if a.Status() != StatusFailed {
		t.Errorf("status = %s, want failed", a.Status())
	}
	if a.Stats().LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestProcessFramePairRemoteError(t *testing.T) {
	tr := &scriptedTransport{replies: []func(Request) (Response, error){
		reply(Response{Success: true}, nil), // initialize
		reply(Response{Success: false, Error: "CUDA out of memory"}, nil),
	}}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	dets, err := a.ProcessFramePair(context.Background(), pair(5))
	if err != nil {
		t.Fatalf("failure must be in-band, got error %v", err)
	}
	if len(dets) != 1 || !dets[0].Failed() || dets[0].Description != "CUDA out of memory" {
		t.Errorf("sentinel = %+v", dets)
	}
}

func TestProcessFramePairRequiresInitialize(t *testing.T) {
	a := NewAdapter("clock_check", "1.2.0", &scriptedTransport{}, 30*time.Second)
	if _, err := a.ProcessFramePair(context.Background(), pair(1)); err == nil {
		t.Error("ProcessFramePair on created adapter did not error")
	}
}

func TestCleanupStopsAdapter(t *testing.T) {
	tr := &scriptedTransport{}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	if err := a.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if a.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped", a.Status())
	}
	if _, err := a.ProcessFramePair(context.Background(), pair(1)); err == nil {
		t.Error("ProcessFramePair after Cleanup did not error")
	}
	if err := a.Initialize(context.Background(), nil); err == nil {
		t.Error("Initialize after Cleanup did not error")
	}
	// Idempotent
	if err := a.Cleanup(); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
}

func TestAdaptiveTimeoutSmoothing(t *testing.T) {
	tr := &scriptedTransport{}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	// Scripted calls return near-instantly, so each observation pulls the
	// estimate toward zero until the lower clamp catches it.
	if _, err := a.ProcessFramePair(context.Background(), pair(1)); err != nil {
		t.Fatal(err)
	}
	after := a.Timeout()
	if after < 26*time.Second || after > 28*time.Second {
		t.Errorf("timeout after one fast call = %v, want ~27s", after)
	}

	for f := 2; f <= 60; f++ {
		if _, err := a.ProcessFramePair(context.Background(), pair(f)); err != nil {
			t.Fatal(err)
		}
	}
	if got := a.Timeout(); got != minCallTimeout {
		t.Errorf("timeout = %v, want clamp at %v", got, minCallTimeout)
	}
}

func TestTimeoutClampBounds(t *testing.T) {
	if got := clampTimeout(time.Second); got != minCallTimeout {
		t.Errorf("clamp(1s) = %v, want %v", got, minCallTimeout)
	}
	if got := clampTimeout(10 * time.Minute); got != maxCallTimeout {
		t.Errorf("clamp(10m) = %v, want %v", got, maxCallTimeout)
	}
	if got := clampTimeout(42 * time.Second); got != 42*time.Second {
		t.Errorf("clamp(42s) = %v, want unchanged", got)
	}
}

func TestStatsRollingWindowBounded(t *testing.T) {
	tr := &scriptedTransport{}
	a := NewAdapter("clock_check", "1.2.0", tr, 30*time.Second)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	for f := 0; f < 150; f++ {
		if _, err := a.ProcessFramePair(context.Background(), pair(f)); err != nil {
			t.Fatal(err)
		}
	}

	a.mu.Lock()
	n := len(a.samples)
	a.mu.Unlock()
	if n != statsWindow {
		t.Errorf("sample window = %d, want %d", n, statsWindow)
	}
	if got := a.Stats().TotalProcessed; got != 150 {
		t.Errorf("TotalProcessed = %d, want 150", got)
	}
}
