package cache

import (
	"log"
	"strings"
	"sync"
	"time"

	"camf/internal/config"
	"camf/internal/engine"
)

// sweepInterval is how often the background sweep removes expired disk entries
const sweepInterval = time.Hour

// Options configures a ResultCache. Zero values fall back to defaults.
type Options struct {
	Dir           string
	MemoryEntries int
	DiskEntries   int
	DiskBytes     int64
	TTL           time.Duration
}

// ResultCache is the two-tier cache of detector outputs: an in-memory LRU
// in front of a sharded disk tier. The disk tier owns the authoritative
// copy; a disk hit is promoted to memory.
type ResultCache struct {
	memory *MemoryCache
	disk   *DiskCache

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewResultCache opens the cache and starts the hourly TTL sweep
func NewResultCache(opts Options) (*ResultCache, error) {
	disk, err := NewDiskCache(opts.Dir, opts.DiskEntries, opts.DiskBytes, opts.TTL)
	if err != nil {
		return nil, err
	}
	c := &ResultCache{
		memory: NewMemoryCache(opts.MemoryEntries),
		disk:   disk,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

func (c *ResultCache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.disk.SweepExpired(); n > 0 {
				log.Printf("[Cache] TTL sweep removed %d expired entries", n)
			}
		}
	}
}

// Get looks up a key: memory hit returns directly, disk hit is promoted to
// memory, otherwise a miss. Corrupted disk entries are logged and reported
// as misses.
func (c *ResultCache) Get(key string) ([]engine.Detection, bool) {
	if detections, ok := c.memory.Get(key); ok {
		return detections, true
	}
	detections, ok, err := c.disk.Get(key)
	if err != nil {
		log.Printf("[Cache] %v", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.memory.Put(key, detections)
	return detections, true
}

// Put stores detections in both tiers
func (c *ResultCache) Put(key string, detections []engine.Detection) error {
	c.memory.Put(key, detections)
	return c.disk.Put(key, detections)
}

// GetResult is the composite-key convenience wrapper around Get
func (c *ResultCache) GetResult(frameData []byte, detectorName, version string, cfg map[string]config.Value, sceneContext string) ([]engine.Detection, bool) {
	key := BuildKey(FrameContentHash(frameData), detectorName, version, ConfigHash(cfg), sceneContext)
	return c.Get(key)
}

// PutResult is the composite-key convenience wrapper around Put
func (c *ResultCache) PutResult(frameData []byte, detectorName, version string, cfg map[string]config.Value, sceneContext string, detections []engine.Detection) error {
	key := BuildKey(FrameContentHash(frameData), detectorName, version, ConfigHash(cfg), sceneContext)
	return c.Put(key, detections)
}

// InvalidateDetector removes every key containing :slug(name):
func (c *ResultCache) InvalidateDetector(name string) int {
	needle := keySeparator + SlugifyDetectorName(name) + keySeparator
	return c.removeMatching(func(key string) bool {
		return strings.Contains(key, needle)
	})
}

// InvalidateConfig removes keys for a detector under a specific config hash
func (c *ResultCache) InvalidateConfig(name string, cfg map[string]config.Value) int {
	slug := keySeparator + SlugifyDetectorName(name) + keySeparator
	hash := keySeparator + ConfigHash(cfg)
	return c.removeMatching(func(key string) bool {
		return strings.Contains(key, slug) && strings.Contains(key, hash)
	})
}

// InvalidateScene removes keys scoped to a scene context
func (c *ResultCache) InvalidateScene(sceneContext string) int {
	suffix := keySeparator + sceneContext
	return c.removeMatching(func(key string) bool {
		return strings.HasSuffix(key, suffix)
	})
}

// InvalidateFrame removes keys for a frame content hash
func (c *ResultCache) InvalidateFrame(frameHash string) int {
	prefix := frameHash + keySeparator
	return c.removeMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (c *ResultCache) removeMatching(match func(string) bool) int {
	c.memory.RemoveMatching(match)
	return c.disk.RemoveMatching(match)
}

// Stats returns counters for both tiers
func (c *ResultCache) Stats() (MemoryStats, DiskStats) {
	return c.memory.Stats(), c.disk.Stats()
}

// Close stops the sweep and flushes the disk index
func (c *ResultCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.done
	})
	return c.disk.Close()
}
