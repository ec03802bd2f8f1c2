package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"camf/internal/config"
	"camf/internal/engine"
)

// Strategy names a recovery approach for a failing detector
type Strategy string

const (
	// StrategyExponentialBackoff restarts the detector after a growing delay
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	// StrategySkipFrames restarts the detector and skips it ahead to the
	// current capture position
	StrategySkipFrames Strategy = "skip_frames"
	// StrategyFallback re-enables with a reduced-quality overlay config
	StrategyFallback Strategy = "fallback"
	// StrategyDisable retires the detector until a manual reset
	StrategyDisable Strategy = "disable"
)

// ErrNoConfigAvailable is returned when a recovery has no scene config to
// re-enable the detector with; the supervisor escalates to disable.
var ErrNoConfigAvailable = errors.New("no config available for detector recovery")

// Supervisor defaults
const (
	initialBackoffSeconds = 1.0
	backoffFactor         = 2.0
	maxBackoffSeconds     = 60.0
	maxConsecutive        = 3

	tickInterval       = 1 * time.Second
	checkpointInterval = 60 * time.Second
	stalenessWindow    = 5 * time.Minute
	recentWindow       = 5 * time.Minute
	recentFailureLimit = 10
	restartPause       = 500 * time.Millisecond
)

// Event types the supervisor publishes
const (
	EventDetectorFailure   = "detector_failure"
	EventDetectorRecovered = "detector_recovered"
	EventDetectorDisabled  = "detector_disabled"
)

// fallbackOverlay is applied to the last-known config when recovering with
// StrategyFallback.
func fallbackOverlay() map[string]config.Value {
	return map[string]config.Value{
		"fallback_mode":         config.BoolValue(true),
		"processing_quality":    config.TextValue("low"),
		"skip_complex_analysis": config.BoolValue(true),
	}
}

type pendingRecovery struct {
	detector string
	strategy Strategy
	due      time.Time
}

// Supervisor observes detector failures, selects recovery strategies,
// throttles restarts with exponential backoff, and checkpoints health state.
// It drives detectors only through the DetectorControl interface.
type Supervisor struct {
	mu         sync.Mutex
	records    map[string]*HealthRecord
	strategies map[string]Strategy
	pending    map[string]*pendingRecovery
	disabled   map[string]bool
	configs    map[string]map[string]config.Value // last-known per detector

	control   engine.DetectorControl
	publisher engine.EventPublisher
	statePath string

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSupervisor creates a supervisor that checkpoints to statePath.
// Call Run to start the worker loop.
func NewSupervisor(statePath string, control engine.DetectorControl, publisher engine.EventPublisher) *Supervisor {
	s := &Supervisor{
		records:    make(map[string]*HealthRecord),
		strategies: make(map[string]Strategy),
		pending:    make(map[string]*pendingRecovery),
		disabled:   make(map[string]bool),
		configs:    make(map[string]map[string]config.Value),
		control:    control,
		publisher:  publisher,
		statePath:  statePath,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	if err := s.loadState(); err != nil {
		log.Printf("[Supervisor] Starting with empty health state: %v", err)
	}
	return s
}

// SetDetectorConfig records the last-known config used to re-enable a
// detector during recovery.
func (s *Supervisor) SetDetectorConfig(name string, cfg map[string]config.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[name] = cfg
}

// ReportSuccess implements engine.SupervisorSink
func (s *Supervisor) ReportSuccess(detector string, frameID int, processingTimeMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(detector).recordSuccess(processingTimeMs, initialBackoffSeconds)
}

// ReportFailure implements engine.SupervisorSink. It updates the health
// record, selects a strategy, and schedules recovery.
func (s *Supervisor) ReportFailure(detector string, frameID int, message, stack string) {
	s.mu.Lock()
	rec := s.record(detector)
	rec.recordFailure(frameID, message, stack)
	strategy := selectStrategy(rec)
	s.strategies[detector] = strategy

	var delay time.Duration
	switch strategy {
	case StrategyDisable:
		delete(s.pending, detector)
	default:
		delay = time.Duration(rec.CurrentBackoff * float64(time.Second))
		s.pending[detector] = &pendingRecovery{
			detector: detector,
			strategy: strategy,
			due:      time.Now().Add(delay),
		}
		next := rec.CurrentBackoff * backoffFactor
		if next > maxBackoffSeconds {
			next = maxBackoffSeconds
		}
		rec.CurrentBackoff = next
	}
	s.mu.Unlock()

	log.Printf("[Supervisor] Detector %s failed on frame %d (%s): strategy=%s", detector, frameID, message, strategy)
	s.publish(EventDetectorFailure, map[string]interface{}{
		"detector": detector,
		"frame_id": frameID,
		"message":  message,
		"strategy": string(strategy),
	})

	if strategy == StrategyDisable {
		s.disable(detector)
	}
}

// selectStrategy applies the escalation rules in priority order
func selectStrategy(rec *HealthRecord) Strategy {
	if rec.ConsecutiveFailures >= 2*maxConsecutive {
		return StrategyDisable
	}
	if rec.failuresSince(time.Now().Add(-recentWindow)) > recentFailureLimit {
		return StrategySkipFrames
	}
	if rec.repeatedFrame() {
		return StrategySkipFrames
	}
	return StrategyExponentialBackoff
}

// Run starts the worker loop: due recoveries every second, checkpoint every
// minute, staleness marking every tick.
func (s *Supervisor) Run() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.loop()
}

func (s *Supervisor) loop() {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastCheckpoint := time.Now()

	for {
		select {
		case <-s.stopCh:
			if err := s.Checkpoint(); err != nil {
				log.Printf("[Supervisor] Final checkpoint failed: %v", err)
			}
			return
		case <-ticker.C:
			s.processDue()
			s.markStale()
			if time.Since(lastCheckpoint) >= checkpointInterval {
				lastCheckpoint = time.Now()
				if err := s.Checkpoint(); err != nil {
					log.Printf("[Supervisor] Checkpoint failed: %v", err)
				}
			}
		}
	}
}

func (s *Supervisor) processDue() {
	now := time.Now()
	s.mu.Lock()
	var due []*pendingRecovery
	for name, p := range s.pending {
		if !p.due.After(now) {
			due = append(due, p)
			delete(s.pending, name)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		if err := s.recover(p); err != nil {
			log.Printf("[Supervisor] Recovery of %s failed: %v", p.detector, err)
			if errors.Is(err, ErrNoConfigAvailable) {
				s.disable(p.detector)
			}
		}
	}
}

// recover executes one scheduled recovery through DetectorControl
func (s *Supervisor) recover(p *pendingRecovery) error {
	s.mu.Lock()
	cfg, haveConfig := s.configs[p.detector]
	rec := s.record(p.detector)
	rec.RecoveryAttempts++
	s.mu.Unlock()

	if !haveConfig {
		return fmt.Errorf("%w: %s", ErrNoConfigAvailable, p.detector)
	}

	if err := s.control.DisableDetector(p.detector); err != nil {
		return fmt.Errorf("disable before restart: %w", err)
	}
	time.Sleep(restartPause)

	enableCfg := cfg
	if p.strategy == StrategyFallback {
		enableCfg = make(map[string]config.Value, len(cfg)+3)
		for k, v := range cfg {
			enableCfg[k] = v
		}
		for k, v := range fallbackOverlay() {
			enableCfg[k] = v
		}
	}
	if err := s.control.EnableDetector(p.detector, enableCfg); err != nil {
		return fmt.Errorf("re-enable: %w", err)
	}
	if p.strategy == StrategySkipFrames {
		if err := s.control.SkipToCurrent(p.detector); err != nil {
			log.Printf("[Supervisor] SkipToCurrent for %s failed: %v", p.detector, err)
		}
	}

	log.Printf("[Supervisor] Detector %s recovered (strategy=%s)", p.detector, p.strategy)
	s.publish(EventDetectorRecovered, map[string]interface{}{
		"detector": p.detector,
		"strategy": string(p.strategy),
	})
	return nil
}

func (s *Supervisor) disable(detector string) {
	s.mu.Lock()
	s.disabled[detector] = true
	delete(s.pending, detector)
	s.mu.Unlock()

	if err := s.control.DisableDetector(detector); err != nil {
		log.Printf("[Supervisor] Disable of %s failed: %v", detector, err)
	}
	log.Printf("[Supervisor] Detector %s disabled until manual reset", detector)
	s.publish(EventDetectorDisabled, map[string]interface{}{"detector": detector})
}

// markStale flags detectors with no activity inside the staleness window
func (s *Supervisor) markStale() {
	cutoff := time.Now().Add(-stalenessWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		noFailure := rec.LastFailureAt.IsZero() || rec.LastFailureAt.Before(cutoff)
		noSuccess := rec.LastSuccessAt.IsZero() || rec.LastSuccessAt.Before(cutoff)
		if noFailure && noSuccess && (!rec.LastFailureAt.IsZero() || !rec.LastSuccessAt.IsZero()) {
			rec.Healthy = false
		}
	}
}

// Reset clears a detector's disabled state and failure streak after a
// manual intervention.
func (s *Supervisor) Reset(detector string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disabled, detector)
	delete(s.pending, detector)
	if rec, ok := s.records[detector]; ok {
		rec.ConsecutiveFailures = 0
		rec.CurrentBackoff = initialBackoffSeconds
		rec.Healthy = true
	}
}

// IsDisabled reports whether a detector has been retired
func (s *Supervisor) IsDisabled(detector string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[detector]
}

// PendingDelay returns the delay until the scheduled recovery for a
// detector, and whether one is scheduled.
func (s *Supervisor) PendingDelay(detector string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[detector]
	if !ok {
		return 0, false
	}
	return time.Until(p.due), true
}

// Strategy returns the last strategy selected for a detector
func (s *Supervisor) Strategy(detector string) (Strategy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[detector]
	return st, ok
}

// Health returns a copy of a detector's health record
func (s *Supervisor) Health(detector string) (HealthRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[detector]
	if !ok {
		return HealthRecord{}, false
	}
	return *rec, true
}

// HealthSummary returns copies of every health record
func (s *Supervisor) HealthSummary() map[string]HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]HealthRecord, len(s.records))
	for name, rec := range s.records {
		out[name] = *rec
	}
	return out
}

// persistedState is the on-disk checkpoint format
type persistedState struct {
	Timestamp     time.Time                `json:"timestamp"`
	HealthRecords map[string]*HealthRecord `json:"health_records"`
	Strategies    map[string]Strategy      `json:"strategies"`
}

// Checkpoint writes the health state atomically
func (s *Supervisor) Checkpoint() error {
	s.mu.Lock()
	state := persistedState{
		Timestamp:     time.Now(),
		HealthRecords: make(map[string]*HealthRecord, len(s.records)),
		Strategies:    make(map[string]Strategy, len(s.strategies)),
	}
	for name, rec := range s.records {
		copied := *rec
		state.HealthRecords[name] = &copied
	}
	for name, st := range s.strategies {
		state.Strategies[name] = st
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize health state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), ".health-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.statePath)
}

func (s *Supervisor) loadState() error {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse health state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.HealthRecords != nil {
		s.records = state.HealthRecords
	}
	if state.Strategies != nil {
		s.strategies = state.Strategies
	}
	return nil
}

// Stop halts the worker loop and writes a final checkpoint
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
	})
}

func (s *Supervisor) record(detector string) *HealthRecord {
	rec, ok := s.records[detector]
	if !ok {
		rec = newHealthRecord(initialBackoffSeconds)
		s.records[detector] = rec
	}
	return rec
}

func (s *Supervisor) publish(eventType string, payload map[string]interface{}) {
	if s.publisher != nil {
		s.publisher.PublishType(eventType, payload)
	}
}

// Ensure Supervisor implements SupervisorSink
var _ engine.SupervisorSink = (*Supervisor)(nil)
