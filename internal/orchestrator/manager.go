package orchestrator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"camf/internal/cache"
	"camf/internal/config"
	"camf/internal/engine"
	"camf/internal/events"
	"camf/internal/recovery"
	"camf/internal/registry"
	"camf/internal/sandbox"
)

// Engine is the facade the gateway talks to. It owns every service's
// lifecycle: registry, version store, result cache, event bus, recovery
// supervisor and the orchestrator itself, wired in dependency order.
type Engine struct {
	cfg    *config.EngineConfig
	source engine.FrameSource
	sink   engine.ResultSink

	registry   *registry.Registry
	versions   *registry.VersionStore
	migrator   *registry.Migrator
	cache      *cache.ResultCache
	bus        *events.Bus
	tracker    *events.Tracker
	supervisor *recovery.Supervisor
	orch       *Orchestrator
}

// NewEngine builds and starts the engine's services. The caller owns the
// frame source and result sink (normally both the storage layer).
func NewEngine(cfg *config.EngineConfig, source engine.FrameSource, sink engine.ResultSink) (*Engine, error) {
	e := &Engine{cfg: cfg, source: source, sink: sink}

	reg, err := registry.NewRegistry(cfg.GetInstallDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open detector registry: %w", err)
	}
	e.registry = reg

	versions, err := registry.NewVersionStore(cfg.GetVersionsDir())
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to open version store: %w", err)
	}
	e.versions = versions
	e.migrator = registry.NewMigrator(versions)

	resultCache, err := cache.NewResultCache(cache.Options{
		Dir:           cfg.GetCacheDir(),
		MemoryEntries: cfg.GetCacheMemoryEntries(),
		DiskEntries:   cfg.GetCacheDiskEntries(),
		DiskBytes:     cfg.GetCacheDiskBytes(),
		TTL:           cfg.GetCacheTTL(),
	})
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}
	e.cache = resultCache

	e.bus = events.NewBus()
	e.tracker = events.NewTracker(e.bus)

	e.supervisor = recovery.NewSupervisor(filepath.Join(cfg.GetStateDir(), "recovery_state.json"), e, e.bus)

	e.orch = New(Options{
		Source:        source,
		Sink:          sink,
		Cache:         resultCache,
		Supervisor:    e.supervisor,
		Tracker:       e.tracker,
		Factory:       e.buildDetector,
		QueueCapacity: cfg.GetQueueCapacity(),
	})

	e.supervisor.Run()

	if err := reg.Watch(func() {
		log.Printf("[Engine] Detector packages changed (%d installed)", len(reg.Names()))
	}); err != nil {
		log.Printf("[Engine] Package watcher unavailable: %v", err)
	}

	return e, nil
}

// buildDetector resolves a package through the registry, validates the
// config against its schema and launches the sandbox process.
func (e *Engine) buildDetector(name string, cfg map[string]config.Value) (engine.Detector, error) {
	pkg, ok := e.registry.Get(name)
	if !ok {
		if reason, rejected := e.registry.Rejected()[name]; rejected {
			return nil, fmt.Errorf("detector %s failed validation: %s", name, reason)
		}
		return nil, fmt.Errorf("detector %s is not installed", name)
	}

	validated, err := pkg.Manifest.ValidateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config for %s: %w", name, err)
	}

	spec := sandbox.LaunchSpec{
		Command: "python3",
		Args:    []string{registry.EntrypointFileName},
		Dir:     pkg.Dir,
	}
	adapter, err := sandbox.Launch(context.Background(), name, pkg.Manifest.Version, spec, e.cfg.GetSandboxTimeout())
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(context.Background(), validated); err != nil {
		adapter.Cleanup()
		return nil, err
	}
	return adapter, nil
}

// EnableDetector starts a detector and records its config with the
// supervisor so crash recovery can re-initialize it. A nil config reuses
// the last known one.
func (e *Engine) EnableDetector(name string, cfg map[string]config.Value) error {
	if err := e.orch.EnableDetector(name, cfg); err != nil {
		return err
	}
	if running, ok := e.orch.DetectorConfig(name); ok {
		e.supervisor.SetDetectorConfig(name, running)
	}
	return nil
}

// DisableDetector stops a detector instance
func (e *Engine) DisableDetector(name string) error {
	return e.orch.DisableDetector(name)
}

// SkipToCurrent drops a detector's backlogged live frames
func (e *Engine) SkipToCurrent(name string) error {
	return e.orch.SkipToCurrent(name)
}

// StartTake begins processing a take; zero referenceTakeID resolves the
// angle's designated reference. The scene ref scopes the take's cached
// results to its place in the production hierarchy.
func (e *Engine) StartTake(takeID, referenceTakeID int64, scene engine.SceneRef) error {
	return e.orch.Start(takeID, referenceTakeID, scene)
}

// StopTake asks a running take to finish its current frame and stop
func (e *Engine) StopTake(takeID int64) error {
	return e.orch.Stop(takeID)
}

// ForgetTake discards a finished take's run state and progress record
func (e *Engine) ForgetTake(takeID int64) error {
	return e.orch.Forget(takeID)
}

// TakeStatus returns a take's progress snapshot
func (e *Engine) TakeStatus(takeID int64) (engine.ProcessingStatus, bool) {
	return e.tracker.Status(takeID)
}

// Results returns the persisted error groups of a take
func (e *Engine) Results(takeID int64) ([]engine.ContinuousError, error) {
	return e.sink.GetGroupedResults(takeID)
}

// UpgradeDetector migrates per-scene configs from one installed version to
// another. All configs upgrade or none do; on success the old version's
// cached results are invalidated.
func (e *Engine) UpgradeDetector(name, from, to string, sceneConfigs map[int64]map[string]config.Value) (map[int64]map[string]config.Value, error) {
	manifest, err := registry.LoadManifest(e.versions.VersionDir(name, to))
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest of %s %s: %w", name, to, err)
	}
	migrated, err := e.migrator.UpgradeConfigs(name, from, to, manifest, sceneConfigs)
	if err != nil {
		return nil, err
	}
	removed := e.cache.InvalidateDetector(name)
	log.Printf("[Engine] Upgraded %s %s -> %s, invalidated %d cached results", name, from, to, removed)
	return migrated, nil
}

// Registry returns the detector package registry
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Versions returns the detector version store
func (e *Engine) Versions() *registry.VersionStore { return e.versions }

// Cache returns the result cache
func (e *Engine) Cache() *cache.ResultCache { return e.cache }

// Bus returns the event bus
func (e *Engine) Bus() *events.Bus { return e.bus }

// Tracker returns the progress tracker
func (e *Engine) Tracker() *events.Tracker { return e.tracker }

// Supervisor returns the recovery supervisor
func (e *Engine) Supervisor() *recovery.Supervisor { return e.supervisor }

// Orchestrator returns the frame orchestrator
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// Close tears the services down in reverse dependency order
func (e *Engine) Close() {
	e.orch.Close()
	e.supervisor.Stop()
	if err := e.registry.Close(); err != nil {
		log.Printf("[Engine] Closing registry: %v", err)
	}
	if err := e.cache.Close(); err != nil {
		log.Printf("[Engine] Closing cache: %v", err)
	}
	e.bus.Close()
}

var _ engine.DetectorControl = (*Engine)(nil)
