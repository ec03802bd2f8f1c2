package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"camf/internal/engine"
)

// ErrCacheCorruption marks a disk entry whose file is missing or unreadable.
// The offending key is dropped from the index and a miss is reported; the
// rest of the cache is untouched.
var ErrCacheCorruption = errors.New("cache entry corrupted")

// indexCheckpointInterval is the number of writes between index checkpoints
const indexCheckpointInterval = 100

// evictionTargetRatio is the fill level eviction reduces the tier to
const evictionTargetRatio = 0.9

const indexFileName = "index.json"

type diskIndexEntry struct {
	Size       int64 `json:"size"`
	CreatedAt  int64 `json:"created_at"`  // unix nanoseconds
	LastAccess int64 `json:"last_access"` // unix nanoseconds
}

// DiskStats is a snapshot of disk-tier counters
type DiskStats struct {
	Entries    int
	MaxEntries int
	TotalBytes int64
	MaxBytes   int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Corrupted  uint64
}

// DiskCache is the on-disk tier. Entry files are sharded by the first two
// hex characters of the key; a JSON index maps key to size and timestamps.
// The index is checkpointed every 100 writes and on Close; all file writes
// are atomic (temp-file-then-rename).
type DiskCache struct {
	mu         sync.Mutex
	dir        string
	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	index      map[string]*diskIndexEntry
	totalBytes int64
	dirtyCount int

	hits      uint64
	misses    uint64
	evictions uint64
	corrupted uint64
}

// NewDiskCache opens (or creates) a disk cache rooted at dir
func NewDiskCache(dir string, maxEntries int, maxBytes int64, ttl time.Duration) (*DiskCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 30
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		dir:        dir,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		index:      make(map[string]*diskIndexEntry),
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DiskCache) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	if err := json.Unmarshal(data, &c.index); err != nil {
		// A damaged index means the tier starts cold; entry files are
		// orphaned but harmless.
		c.index = make(map[string]*diskIndexEntry)
		return nil
	}
	for _, e := range c.index {
		c.totalBytes += e.Size
	}
	return nil
}

// entryPath returns the sharded file path for a key. The file name is a
// digest of the full key so keys never fight filesystem naming rules.
func (c *DiskCache) entryPath(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	sum := md5.Sum([]byte(key))
	return filepath.Join(c.dir, shard, hex.EncodeToString(sum[:])+".json")
}

// Get returns the entry for key, updating its last-access time. A missing
// or unreadable entry file is reported as ErrCacheCorruption alongside the
// miss, and the key is dropped from the index.
func (c *DiskCache) Get(key string) ([]engine.Detection, bool, error) {
	c.mu.Lock()
	entry, ok := c.index[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false, nil
	}
	if time.Since(time.Unix(0, entry.CreatedAt)) > c.ttl {
		c.removeLocked(key)
		c.misses++
		c.mu.Unlock()
		return nil, false, nil
	}
	path := c.entryPath(key)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		c.dropCorrupted(key)
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCacheCorruption, key, err)
	}
	var detections []engine.Detection
	if err := json.Unmarshal(data, &detections); err != nil {
		c.dropCorrupted(key)
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCacheCorruption, key, err)
	}

	c.mu.Lock()
	if e, ok := c.index[key]; ok {
		e.LastAccess = time.Now().UnixNano()
	}
	c.hits++
	c.mu.Unlock()
	return detections, true, nil
}

func (c *DiskCache) dropCorrupted(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	c.corrupted++
	c.misses++
}

// Put serializes the detection list to the entry file and updates the index,
// evicting least-recently-accessed entries when either cap is exceeded.
func (c *DiskCache) Put(key string, detections []engine.Detection) error {
	data, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}

	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache shard: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if old, ok := c.index[key]; ok {
		c.totalBytes -= old.Size
	}
	c.index[key] = &diskIndexEntry{Size: int64(len(data)), CreatedAt: now, LastAccess: now}
	c.totalBytes += int64(len(data))

	c.evictLocked()

	c.dirtyCount++
	if c.dirtyCount >= indexCheckpointInterval {
		if err := c.checkpointLocked(); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked trims the tier to 90% of whichever cap is exceeded, removing
// entries in ascending last-access order.
func (c *DiskCache) evictLocked() {
	if len(c.index) <= c.maxEntries && c.totalBytes <= c.maxBytes {
		return
	}

	type aged struct {
		key        string
		lastAccess int64
	}
	order := make([]aged, 0, len(c.index))
	for k, e := range c.index {
		order = append(order, aged{k, e.LastAccess})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].lastAccess < order[j].lastAccess })

	targetEntries := int(float64(c.maxEntries) * evictionTargetRatio)
	targetBytes := int64(float64(c.maxBytes) * evictionTargetRatio)

	for _, a := range order {
		if len(c.index) <= targetEntries && c.totalBytes <= targetBytes {
			break
		}
		c.removeLocked(a.key)
		c.evictions++
	}
}

func (c *DiskCache) removeLocked(key string) {
	entry, ok := c.index[key]
	if !ok {
		return
	}
	c.totalBytes -= entry.Size
	delete(c.index, key)
	os.Remove(c.entryPath(key))
}

// Remove deletes a single key
func (c *DiskCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// RemoveMatching deletes every key the predicate accepts and returns the count
func (c *DiskCache) RemoveMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.index {
		if match(key) {
			c.removeLocked(key)
			removed++
		}
	}
	if removed > 0 {
		c.dirtyCount = indexCheckpointInterval // force checkpoint on next write
	}
	return removed
}

// SweepExpired removes entries older than the TTL and returns the count
func (c *DiskCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.ttl).UnixNano()
	removed := 0
	for key, e := range c.index {
		if e.CreatedAt < cutoff {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of indexed entries
func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Checkpoint writes the index to disk atomically
func (c *DiskCache) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointLocked()
}

func (c *DiskCache) checkpointLocked() error {
	data, err := json.Marshal(c.index)
	if err != nil {
		return fmt.Errorf("failed to serialize cache index: %w", err)
	}
	if err := atomicWrite(filepath.Join(c.dir, indexFileName), data); err != nil {
		return fmt.Errorf("failed to checkpoint cache index: %w", err)
	}
	c.dirtyCount = 0
	return nil
}

// Close checkpoints the index
func (c *DiskCache) Close() error {
	return c.Checkpoint()
}

// Stats returns a snapshot of counters
func (c *DiskCache) Stats() DiskStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DiskStats{
		Entries:    len(c.index),
		MaxEntries: c.maxEntries,
		TotalBytes: c.totalBytes,
		MaxBytes:   c.maxBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Corrupted:  c.corrupted,
	}
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
