package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"camf/internal/cache"
	"camf/internal/config"
	"camf/internal/engine"
	"camf/internal/events"
	"camf/internal/grouping"
)

const (
	// detectorJoinTimeout bounds how long a frame waits on one detector
	detectorJoinTimeout = 30 * time.Second

	// completionWait bounds the post-loop wait for detector counters to settle
	completionWait = 60 * time.Second

	// stopJoinTimeout bounds Stop's wait for the take worker to exit
	stopJoinTimeout = 10 * time.Second

	defaultQueueCapacity = 200
)

var (
	ErrTakeActive        = errors.New("take is already being processed")
	ErrTakeNotActive     = errors.New("take is not being processed")
	ErrNoReferenceTake   = errors.New("angle has no reference take")
	ErrDetectorNotFound  = errors.New("detector is not enabled")
	ErrNoConfigAvailable = errors.New("no config available for detector")
)

// DetectorFactory builds and initializes a detector for a validated config.
// The engine facade supplies one that resolves the package through the
// registry and launches its sandbox.
type DetectorFactory func(name string, cfg map[string]config.Value) (engine.Detector, error)

// Options wires the orchestrator's collaborators
type Options struct {
	Source        engine.FrameSource
	Sink          engine.ResultSink
	Cache         *cache.ResultCache
	Supervisor    engine.SupervisorSink
	Tracker       *events.Tracker
	Factory       DetectorFactory
	QueueCapacity int
}

// Orchestrator coordinates frame distribution across detector instances,
// consulting the result cache before every detector call and reporting each
// outcome to the recovery supervisor.
type Orchestrator struct {
	source     engine.FrameSource
	sink       engine.ResultSink
	cache      *cache.ResultCache
	supervisor engine.SupervisorSink
	tracker    *events.Tracker
	factory    DetectorFactory
	capacity   int
	decode     *decodeCache

	mu          sync.Mutex
	instances   map[string]*DetectorInstance
	lastConfigs map[string]map[string]config.Value
	runs        map[int64]*takeRun
}

type takeRun struct {
	takeID          int64
	referenceTakeID int64
	scene           engine.SceneRef
	total           int
	refFrames       map[int]bool
	firstRefFrame   int
	curFrames       []int
	grouper         *grouping.Grouper
	done            chan struct{}
}

// New creates an orchestrator. It holds no goroutines until detectors are
// enabled or a take is started.
func New(opts Options) *Orchestrator {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Orchestrator{
		source:      opts.Source,
		sink:        opts.Sink,
		cache:       opts.Cache,
		supervisor:  opts.Supervisor,
		tracker:     opts.Tracker,
		factory:     opts.Factory,
		capacity:    capacity,
		decode:      newDecodeCache(),
		instances:   make(map[string]*DetectorInstance),
		lastConfigs: make(map[string]map[string]config.Value),
		runs:        make(map[int64]*takeRun),
	}
}

// EnableDetector starts (or restarts) a detector instance. A nil config
// reuses the last config the detector ran with.
func (o *Orchestrator) EnableDetector(name string, cfg map[string]config.Value) error {
	o.mu.Lock()
	if cfg == nil {
		cfg = o.lastConfigs[name]
	}
	o.mu.Unlock()
	if cfg == nil {
		return fmt.Errorf("%w: %s", ErrNoConfigAvailable, name)
	}

	// Restart semantics: tear the old instance down first
	if err := o.DisableDetector(name); err != nil && !errors.Is(err, ErrDetectorNotFound) {
		log.Printf("[Orchestrator] Stopping %s before restart: %v", name, err)
	}

	det, err := o.factory(name, cfg)
	if err != nil {
		return fmt.Errorf("failed to start detector %s: %w", name, err)
	}

	inst := newDetectorInstance(name, det, cfg, o.capacity, o.processLive)
	o.mu.Lock()
	o.instances[name] = inst
	o.lastConfigs[name] = cfg
	o.mu.Unlock()
	inst.start()

	log.Printf("[Orchestrator] Detector %s v%s enabled", name, det.Version())
	return nil
}

// DisableDetector stops a detector instance and clears its queue
func (o *Orchestrator) DisableDetector(name string) error {
	o.mu.Lock()
	inst, ok := o.instances[name]
	if ok {
		delete(o.instances, name)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDetectorNotFound, name)
	}
	log.Printf("[Orchestrator] Detector %s disabled", name)
	return inst.shutdown()
}

// SkipToCurrent drops a detector's backlogged live frames
func (o *Orchestrator) SkipToCurrent(name string) error {
	o.mu.Lock()
	inst, ok := o.instances[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDetectorNotFound, name)
	}
	dropped := inst.clearQueue()
	log.Printf("[Orchestrator] Detector %s skipped %d backlogged frames", name, dropped)
	return nil
}

// Detectors returns the enabled detector names, sorted
func (o *Orchestrator) Detectors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.instances))
	for name := range o.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectorConfig returns the config a detector is running with
func (o *Orchestrator) DetectorConfig(name string) (map[string]config.Value, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[name]
	if !ok {
		return nil, false
	}
	return inst.cfg, true
}

// Start begins processing a take against its reference. When referenceTakeID
// is zero the angle's designated reference take is used. The scene ref
// stamps every frame pair so results cache under the right scene context.
// Processing runs in the background; progress flows through the tracker.
func (o *Orchestrator) Start(takeID, referenceTakeID int64, scene engine.SceneRef) error {
	if referenceTakeID == 0 {
		ref, ok, err := o.source.GetAngleReferenceTakeID(scene.AngleID)
		if err != nil {
			return fmt.Errorf("failed to resolve reference take for angle %d: %w", scene.AngleID, err)
		}
		if !ok {
			return fmt.Errorf("%w: angle %d", ErrNoReferenceTake, scene.AngleID)
		}
		referenceTakeID = ref
	}

	curFrames, err := o.source.ListFrameNumbers(takeID)
	if err != nil {
		return fmt.Errorf("failed to list frames of take %d: %w", takeID, err)
	}
	if len(curFrames) == 0 {
		return fmt.Errorf("take %d has no frames", takeID)
	}
	refFrames, err := o.source.ListFrameNumbers(referenceTakeID)
	if err != nil {
		return fmt.Errorf("failed to list frames of reference take %d: %w", referenceTakeID, err)
	}
	if len(refFrames) == 0 {
		return fmt.Errorf("reference take %d has no frames", referenceTakeID)
	}

	// Process only the span both takes cover
	total := curFrames[len(curFrames)-1]
	if m := refFrames[len(refFrames)-1]; m < total {
		total = m
	}
	total++

	refSet := make(map[int]bool, len(refFrames))
	for _, f := range refFrames {
		refSet[f] = true
	}

	run := &takeRun{
		takeID:          takeID,
		referenceTakeID: referenceTakeID,
		scene:           scene,
		total:           total,
		refFrames:       refSet,
		firstRefFrame:   refFrames[0],
		curFrames:       curFrames,
		grouper:         grouping.NewGrouper(),
		done:            make(chan struct{}),
	}

	o.mu.Lock()
	if existing, ok := o.runs[takeID]; ok {
		select {
		case <-existing.done:
		default:
			o.mu.Unlock()
			return fmt.Errorf("%w: take %d", ErrTakeActive, takeID)
		}
	}
	o.sweepRunsLocked()
	o.runs[takeID] = run
	names := make([]string, 0, len(o.instances))
	for name := range o.instances {
		names = append(names, name)
	}
	o.mu.Unlock()
	sort.Strings(names)

	o.tracker.StartTake(takeID, referenceTakeID, total, names)
	log.Printf("[Orchestrator] Take %d started against reference %d (%d frames, %d detectors)",
		takeID, referenceTakeID, total, len(names))
	go o.worker(run)
	return nil
}

// worker iterates the take's frames in ascending order, fanning each frame
// out to every enabled detector and joining them before advancing.
func (o *Orchestrator) worker(run *takeRun) {
	defer close(run.done)
	defer o.tracker.CompleteTake(run.takeID)

	dispatched := 0
	for _, frameID := range run.curFrames {
		if frameID >= run.total {
			break
		}
		if o.tracker.StopRequested(run.takeID) {
			log.Printf("[Orchestrator] Take %d stop requested at frame %d", run.takeID, frameID)
			break
		}

		pair, err := o.buildPair(run, frameID)
		if err != nil {
			log.Printf("[Orchestrator] Take %d frame %d skipped: %v", run.takeID, frameID, err)
			o.tracker.FrameDone(run.takeID, frameID, true)
			continue
		}

		o.dispatch(run, pair)
		dispatched++
		run.grouper.SweepInactive(frameID)
		o.tracker.FrameDone(run.takeID, frameID, false)
	}

	o.awaitDetectors(run, dispatched)
}

// buildPair loads and decodes both halves of a frame pair. A reference frame
// missing at this position falls back to the first reference frame.
func (o *Orchestrator) buildPair(run *takeRun, frameID int) (*engine.FramePair, error) {
	refFrame := frameID
	if !run.refFrames[frameID] {
		refFrame = run.firstRefFrame
	}

	curBytes, err := o.source.GetFrameBytes(run.takeID, frameID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current frame: %w", err)
	}
	refBytes, err := o.source.GetFrameBytes(run.referenceTakeID, refFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference frame %d: %w", refFrame, err)
	}

	curImg, err := o.decode.decode(run.takeID, frameID, curBytes)
	if err != nil {
		return nil, err
	}
	refImg, err := o.decode.decode(run.referenceTakeID, refFrame, refBytes)
	if err != nil {
		return nil, err
	}

	return &engine.FramePair{
		TakeID:               run.takeID,
		ReferenceTakeID:      run.referenceTakeID,
		CurrentFrameNumber:   frameID,
		ReferenceFrameNumber: refFrame,
		CurrentData:          curBytes,
		ReferenceData:        refBytes,
		Current:              curImg,
		Reference:            refImg,
		SceneID:              run.scene.SceneID,
		AngleID:              run.scene.AngleID,
		ProjectID:            run.scene.ProjectID,
		CreatedAt:            time.Now(),
	}, nil
}

// dispatch fans one frame pair out to every enabled detector and joins them,
// allowing each detector up to detectorJoinTimeout.
func (o *Orchestrator) dispatch(run *takeRun, pair *engine.FramePair) {
	o.mu.Lock()
	insts := make([]*DetectorInstance, 0, len(o.instances))
	for _, inst := range o.instances {
		insts = append(insts, inst)
	}
	o.mu.Unlock()

	joins := make([]chan struct{}, len(insts))
	for i, inst := range insts {
		ch := make(chan struct{})
		joins[i] = ch
		go func(inst *DetectorInstance) {
			defer close(ch)
			o.processPair(run, inst, pair)
		}(inst)
	}

	for i, ch := range joins {
		select {
		case <-ch:
		case <-time.After(detectorJoinTimeout):
			name := insts[i].name
			log.Printf("[Orchestrator] Detector %s did not finish frame %d in %s",
				name, pair.CurrentFrameNumber, detectorJoinTimeout)
			o.supervisor.ReportFailure(name, pair.CurrentFrameNumber,
				fmt.Sprintf("worker did not finish frame %d within %s", pair.CurrentFrameNumber, detectorJoinTimeout), "")
		}
	}
}

// processPair runs one detector on one frame pair: cache first, then the
// detector, reporting the outcome to the supervisor either way.
func (o *Orchestrator) processPair(run *takeRun, inst *DetectorInstance, pair *engine.FramePair) {
	name := inst.name
	version := inst.det.Version()
	sceneCtx := pair.SceneContext()
	takeID := pair.TakeID
	frameID := pair.CurrentFrameNumber

	if dets, ok := o.cache.GetResult(pair.CurrentData, name, version, inst.cfg, sceneCtx); ok {
		o.record(run, takeID, frameID, dets)
		o.tracker.DetectorFrameDone(takeID, name)
		return
	}

	start := time.Now()
	dets, err := inst.det.ProcessFramePair(context.Background(), pair)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		o.supervisor.ReportFailure(name, frameID, err.Error(), "")
		o.tracker.DetectorFrameDone(takeID, name)
		return
	}

	failed := false
	for i := range dets {
		if dets[i].Failed() {
			failed = true
			o.supervisor.ReportFailure(name, frameID, dets[i].Description, "")
			break
		}
	}
	if !failed {
		o.supervisor.ReportSuccess(name, frameID, elapsedMs)
		if cerr := o.cache.PutResult(pair.CurrentData, name, version, inst.cfg, sceneCtx, dets); cerr != nil {
			log.Printf("[Orchestrator] Failed to cache result for %s frame %d: %v", name, frameID, cerr)
		}
	}

	o.record(run, takeID, frameID, dets)
	o.tracker.DetectorFrameDone(takeID, name)
}

// record persists detections and feeds the run's incremental grouper
func (o *Orchestrator) record(run *takeRun, takeID int64, frameID int, dets []engine.Detection) {
	for _, det := range dets {
		if err := o.sink.AppendDetection(takeID, frameID, det); err != nil {
			log.Printf("[Orchestrator] Failed to store detection from %s on frame %d: %v",
				det.DetectorName, frameID, err)
		}
	}
	if run != nil {
		run.grouper.Add(dets)
	}
}

// processLive handles one frame pair arriving from the live queue
func (o *Orchestrator) processLive(inst *DetectorInstance, pair *engine.FramePair) {
	o.processPair(nil, inst, pair)
}

// awaitDetectors waits for every detector's per-take counter to reach the
// number of frames the worker actually dispatched. Frames skipped over
// decode failures or an early stop never reach the detectors, so the take
// total is not the right yardstick here.
func (o *Orchestrator) awaitDetectors(run *takeRun, dispatched int) {
	deadline := time.Now().Add(completionWait)
	for time.Now().Before(deadline) {
		status, ok := o.tracker.Status(run.takeID)
		if !ok {
			return
		}
		settled := true
		for _, p := range status.Detectors {
			if p.Processed < dispatched {
				settled = false
				break
			}
		}
		if settled {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("[Orchestrator] Take %d completed with detectors still outstanding after %s",
		run.takeID, completionWait)
}

// sweepRunsLocked drops runs whose workers have exited. Callers hold o.mu.
// The grouper of a swept run is gone with it; persisted results remain
// available through the sink.
func (o *Orchestrator) sweepRunsLocked() {
	for id, run := range o.runs {
		select {
		case <-run.done:
			delete(o.runs, id)
		default:
		}
	}
}

// Forget discards a finished take's run state and progress record. Active
// takes cannot be forgotten; stop them first.
func (o *Orchestrator) Forget(takeID int64) error {
	o.mu.Lock()
	run, ok := o.runs[takeID]
	if ok {
		select {
		case <-run.done:
			delete(o.runs, takeID)
		default:
			o.mu.Unlock()
			return fmt.Errorf("%w: take %d", ErrTakeActive, takeID)
		}
	}
	o.mu.Unlock()
	o.tracker.Forget(takeID)
	return nil
}

// Stop requests a take's worker to finish its current frame and exit
func (o *Orchestrator) Stop(takeID int64) error {
	o.mu.Lock()
	run, ok := o.runs[takeID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: take %d", ErrTakeNotActive, takeID)
	}

	o.tracker.RequestStop(takeID)
	select {
	case <-run.done:
		return nil
	case <-time.After(stopJoinTimeout):
		return fmt.Errorf("take %d worker did not stop within %s", takeID, stopJoinTimeout)
	}
}

// Wait blocks until a take's worker exits
func (o *Orchestrator) Wait(takeID int64) error {
	o.mu.Lock()
	run, ok := o.runs[takeID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: take %d", ErrTakeNotActive, takeID)
	}
	<-run.done
	return nil
}

// LiveResults returns the error groups accumulated so far for a take,
// including groups still open.
func (o *Orchestrator) LiveResults(takeID int64) ([]engine.ContinuousError, bool) {
	o.mu.Lock()
	run, ok := o.runs[takeID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	return run.grouper.Results(), true
}

// ProcessFramePairLive routes one freshly captured frame through every
// enabled detector's queue. Returns how many detectors accepted the frame.
func (o *Orchestrator) ProcessFramePairLive(takeID, referenceTakeID int64, frameID int, scene engine.SceneRef) (int, error) {
	refFrames, err := o.source.ListFrameNumbers(referenceTakeID)
	if err != nil {
		return 0, fmt.Errorf("failed to list frames of reference take %d: %w", referenceTakeID, err)
	}
	if len(refFrames) == 0 {
		return 0, fmt.Errorf("reference take %d has no frames", referenceTakeID)
	}
	refFrame := refFrames[0]
	for _, f := range refFrames {
		if f == frameID {
			refFrame = frameID
			break
		}
	}

	curBytes, err := o.source.GetFrameBytes(takeID, frameID)
	if err != nil {
		return 0, fmt.Errorf("failed to load current frame: %w", err)
	}
	refBytes, err := o.source.GetFrameBytes(referenceTakeID, refFrame)
	if err != nil {
		return 0, fmt.Errorf("failed to load reference frame %d: %w", refFrame, err)
	}

	pair := &engine.FramePair{
		TakeID:               takeID,
		ReferenceTakeID:      referenceTakeID,
		CurrentFrameNumber:   frameID,
		ReferenceFrameNumber: refFrame,
		CurrentData:          curBytes,
		ReferenceData:        refBytes,
		SceneID:              scene.SceneID,
		AngleID:              scene.AngleID,
		ProjectID:            scene.ProjectID,
		CreatedAt:            time.Now(),
	}

	o.mu.Lock()
	insts := make([]*DetectorInstance, 0, len(o.instances))
	for _, inst := range o.instances {
		insts = append(insts, inst)
	}
	o.mu.Unlock()

	accepted := 0
	for _, inst := range insts {
		if inst.offer(pair, 0) {
			accepted++
		}
	}
	return accepted, nil
}

// Close stops every active take and detector instance
func (o *Orchestrator) Close() {
	o.mu.Lock()
	var takeIDs []int64
	for id := range o.runs {
		takeIDs = append(takeIDs, id)
	}
	o.mu.Unlock()
	for _, id := range takeIDs {
		if err := o.Stop(id); err != nil && !errors.Is(err, ErrTakeNotActive) {
			log.Printf("[Orchestrator] Stopping take %d: %v", id, err)
		}
	}

	for _, name := range o.Detectors() {
		if err := o.DisableDetector(name); err != nil && !errors.Is(err, ErrDetectorNotFound) {
			log.Printf("[Orchestrator] Stopping detector %s: %v", name, err)
		}
	}
}

var _ engine.DetectorControl = (*Orchestrator)(nil)
