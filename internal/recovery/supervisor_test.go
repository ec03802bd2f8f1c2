package recovery

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"camf/internal/config"
)

// fakeControl records DetectorControl calls
type fakeControl struct {
	mu       sync.Mutex
	disabled []string
	enabled  []string
	skipped  []string
	configs  map[string]map[string]config.Value
}

func newFakeControl() *fakeControl {
	return &fakeControl{configs: make(map[string]map[string]config.Value)}
}

func (f *fakeControl) DisableDetector(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, name)
	return nil
}

func (f *fakeControl) EnableDetector(name string, cfg map[string]config.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, name)
	f.configs[name] = cfg
	return nil
}

func (f *fakeControl) SkipToCurrent(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, name)
	return nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeControl) {
	t.Helper()
	ctl := newFakeControl()
	s := NewSupervisor(filepath.Join(t.TempDir(), "health.json"), ctl, nil)
	t.Cleanup(s.Stop)
	return s, ctl
}

// Backoff delays double per consecutive failure: 1, 2, 4, 8, 16 seconds,
// then the sixth failure crosses 2*max_consecutive and disables.
func TestExponentialBackoffSchedule(t *testing.T) {
	s, ctl := newTestSupervisor(t)

	want := []float64{1, 2, 4, 8, 16}
	for i, expected := range want {
		s.ReportFailure("flaky", 100+i, "boom", "") // distinct frames
		delay, ok := s.PendingDelay("flaky")
		if !ok {
			t.Fatalf("failure %d: no recovery scheduled", i+1)
		}
		if got := delay.Seconds(); math.Abs(got-expected) > 0.1 {
			t.Errorf("failure %d: delay = %.2fs, want %.0fs", i+1, got, expected)
		}
		if st, _ := s.Strategy("flaky"); st != StrategyExponentialBackoff {
			t.Errorf("failure %d: strategy = %s, want exponential_backoff", i+1, st)
		}
	}

	// Sixth consecutive failure: disable, nothing scheduled
	s.ReportFailure("flaky", 200, "boom", "")
	if st, _ := s.Strategy("flaky"); st != StrategyDisable {
		t.Errorf("strategy after 6 failures = %s, want disable", st)
	}
	if _, ok := s.PendingDelay("flaky"); ok {
		t.Error("recovery scheduled after disable")
	}
	if !s.IsDisabled("flaky") {
		t.Error("detector not marked disabled")
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.disabled) == 0 {
		t.Error("DisableDetector never called")
	}
}

func TestBackoffClampedAtMax(t *testing.T) {
	rec := newHealthRecord(initialBackoffSeconds)
	for i := 0; i < 10; i++ {
		rec.CurrentBackoff = math.Min(rec.CurrentBackoff*backoffFactor, maxBackoffSeconds)
	}
	if rec.CurrentBackoff != maxBackoffSeconds {
		t.Errorf("backoff = %v, want clamp at %v", rec.CurrentBackoff, maxBackoffSeconds)
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	s, _ := newTestSupervisor(t)

	s.ReportFailure("d", 1, "boom", "")
	s.ReportFailure("d", 2, "boom", "")
	s.ReportSuccess("d", 3, 12.5)

	rec, ok := s.Health("d")
	if !ok {
		t.Fatal("no health record")
	}
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", rec.ConsecutiveFailures)
	}
	if rec.CurrentBackoff != initialBackoffSeconds {
		t.Errorf("CurrentBackoff = %v, want %v", rec.CurrentBackoff, initialBackoffSeconds)
	}
	if !rec.Healthy {
		t.Error("detector not healthy after success")
	}
}

func TestRepeatedFrameSelectsSkipFrames(t *testing.T) {
	s, _ := newTestSupervisor(t)

	s.ReportFailure("d", 42, "boom", "")
	s.ReportFailure("d", 42, "boom", "")
	s.ReportFailure("d", 42, "boom", "")

	if st, _ := s.Strategy("d"); st != StrategySkipFrames {
		t.Errorf("strategy = %s, want skip_frames after three failures on one frame", st)
	}
}

func TestFailureFloodSelectsSkipFrames(t *testing.T) {
	s, _ := newTestSupervisor(t)

	// 11 failures inside five minutes on distinct frames, with successes
	// interleaved to keep the consecutive count below the disable threshold
	for i := 0; i < 11; i++ {
		s.ReportFailure("d", i, "boom", "")
		if i%2 == 1 {
			s.ReportSuccess("d", i, 5)
		}
	}
	if st, _ := s.Strategy("d"); st != StrategySkipFrames {
		t.Errorf("strategy = %s, want skip_frames for failure flood", st)
	}
}

func TestPerformanceDegradedFlag(t *testing.T) {
	s, _ := newTestSupervisor(t)

	for i := 0; i < 10; i++ {
		s.ReportSuccess("slow", i, 250)
	}
	rec, _ := s.Health("slow")
	if !rec.PerformanceDegraded {
		t.Error("PerformanceDegraded not set with 250ms rolling mean")
	}

	for i := 0; i < 100; i++ {
		s.ReportSuccess("slow", i, 10)
	}
	rec, _ = s.Health("slow")
	if rec.PerformanceDegraded {
		t.Error("PerformanceDegraded still set after window refilled with 10ms samples")
	}
}

func TestProcessingTimeWindowBounded(t *testing.T) {
	s, _ := newTestSupervisor(t)
	for i := 0; i < 250; i++ {
		s.ReportSuccess("d", i, float64(i))
	}
	rec, _ := s.Health("d")
	if len(rec.ProcessingTimes) != maxProcessingSamples {
		t.Errorf("ProcessingTimes window = %d, want %d", len(rec.ProcessingTimes), maxProcessingSamples)
	}
}

func TestRecoveryWithoutConfigEscalatesToDisable(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.ReportFailure("orphan", 1, "boom", "")

	// Force the pending recovery due immediately and process it
	s.mu.Lock()
	s.pending["orphan"].due = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.processDue()

	if !s.IsDisabled("orphan") {
		t.Error("detector without config not disabled after failed recovery")
	}
}

func TestRecoveryReenablesWithLastConfig(t *testing.T) {
	s, ctl := newTestSupervisor(t)
	cfg := map[string]config.Value{"threshold": config.NumberValue(0.4)}
	s.SetDetectorConfig("d", cfg)
	s.ReportFailure("d", 1, "boom", "")

	s.mu.Lock()
	s.pending["d"].due = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.processDue()

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.disabled) != 1 || len(ctl.enabled) != 1 {
		t.Fatalf("disable/enable calls = %d/%d, want 1/1", len(ctl.disabled), len(ctl.enabled))
	}
	if got := ctl.configs["d"]["threshold"]; got.Num != 0.4 {
		t.Errorf("re-enabled with threshold %v, want 0.4", got.Num)
	}
}

func TestSkipFramesRecoveryCallsSkip(t *testing.T) {
	s, ctl := newTestSupervisor(t)
	s.SetDetectorConfig("d", map[string]config.Value{})
	for i := 0; i < 3; i++ {
		s.ReportFailure("d", 7, "boom", "")
	}

	s.mu.Lock()
	s.pending["d"].due = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.processDue()

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.skipped) != 1 {
		t.Errorf("SkipToCurrent calls = %d, want 1", len(ctl.skipped))
	}
}

func TestFallbackOverlayApplied(t *testing.T) {
	s, ctl := newTestSupervisor(t)
	s.SetDetectorConfig("d", map[string]config.Value{"threshold": config.NumberValue(0.4)})

	err := s.recover(&pendingRecovery{detector: "d", strategy: StrategyFallback})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	cfg := ctl.configs["d"]
	if v, ok := cfg["fallback_mode"]; !ok || !v.Bool {
		t.Error("fallback_mode not applied")
	}
	if v := cfg["processing_quality"]; v.Text != "low" {
		t.Errorf("processing_quality = %q, want low", v.Text)
	}
	if v := cfg["threshold"]; v.Num != 0.4 {
		t.Error("original config lost under fallback overlay")
	}
}

func TestCheckpointAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health.json")
	ctl := newFakeControl()

	s := NewSupervisor(path, ctl, nil)
	s.ReportFailure("d", 1, "boom", "stack")
	s.ReportSuccess("e", 2, 8)
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// File shape: timestamp + health_records + strategies
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse checkpoint: %v", err)
	}
	for _, field := range []string{"timestamp", "health_records", "strategies"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("checkpoint missing %q", field)
		}
	}

	reloaded := NewSupervisor(path, ctl, nil)
	rec, ok := reloaded.Health("d")
	if !ok {
		t.Fatal("record for d lost across reload")
	}
	if rec.TotalFailures != 1 || rec.LastFailureMessage != "boom" {
		t.Errorf("reloaded record = %+v", rec)
	}
	if st, _ := reloaded.Strategy("d"); st != StrategyExponentialBackoff {
		t.Errorf("reloaded strategy = %s", st)
	}
}

func TestManualReset(t *testing.T) {
	s, _ := newTestSupervisor(t)
	for i := 0; i < 6; i++ {
		s.ReportFailure("d", i, "boom", "")
	}
	if !s.IsDisabled("d") {
		t.Fatal("detector not disabled")
	}

	s.Reset("d")
	if s.IsDisabled("d") {
		t.Error("detector still disabled after Reset")
	}
	rec, _ := s.Health("d")
	if rec.ConsecutiveFailures != 0 || !rec.Healthy {
		t.Errorf("record not reset: %+v", rec)
	}
}
