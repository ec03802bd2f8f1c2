package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camf/internal/config"
	"camf/internal/engine"
)

func newTestCache(t *testing.T) *ResultCache {
	t.Helper()
	c, err := NewResultCache(Options{
		Dir:           t.TempDir(),
		MemoryEntries: 10,
		DiskEntries:   100,
		DiskBytes:     1 << 20,
		TTL:           time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleDetections() []engine.Detection {
	return []engine.Detection{{
		Confidence:    0.9,
		Description:   "x",
		FrameID:       7,
		DetectorName:  "D",
		BoundingBoxes: []engine.BoundingBox{},
		Metadata:      map[string]interface{}{},
	}}
}

func TestSlugifyDetectorName(t *testing.T) {
	assert.Equal(t, "clock_hands", SlugifyDetectorName("Clock Hands"))
	assert.Equal(t, "prop_check_v2", SlugifyDetectorName("Prop-Check v2"))
	assert.Equal(t, "simple", SlugifyDetectorName("simple"))
	assert.Equal(t, "trailing", SlugifyDetectorName("trailing!"))
}

func TestConfigHashDeterministic(t *testing.T) {
	cfg := map[string]config.Value{
		"threshold": config.NumberValue(0.5),
		"enabled":   config.BoolValue(true),
		"model":     config.TextValue("large"),
	}
	h1 := ConfigHash(cfg)
	h2 := ConfigHash(cfg)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)

	changed := map[string]config.Value{
		"threshold": config.NumberValue(0.6),
		"enabled":   config.BoolValue(true),
		"model":     config.TextValue("large"),
	}
	assert.NotEqual(t, h1, ConfigHash(changed))
}

func TestBuildKey(t *testing.T) {
	key := BuildKey("abcd", "My Detector", "1.0.0", "deadbeef", "scene_1_angle_2")
	assert.Equal(t, "abcd:my_detector:1.0.0:deadbeef:scene_1_angle_2", key)

	key = BuildKey("abcd", "My Detector", "1.0.0", "deadbeef", "")
	assert.Equal(t, "abcd:my_detector:1.0.0:deadbeef", key)
}

// Round trip: a stored result is returned intact for the same composite key.
func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	frame := []byte("frame-payload")
	cfg := map[string]config.Value{"threshold": config.NumberValue(0.5)}
	detections := sampleDetections()

	require.NoError(t, c.PutResult(frame, "D", "1.0.0", cfg, "", detections))

	got, ok := c.GetResult(frame, "D", "1.0.0", cfg, "")
	require.True(t, ok)
	assert.Equal(t, detections, got)
}

func TestDiskHitPromotesToMemory(t *testing.T) {
	c := newTestCache(t)
	key := BuildKey(FrameContentHash([]byte("f")), "D", "1.0.0", "cfg0000000000000", "")
	require.NoError(t, c.Put(key, sampleDetections()))

	// Drop the memory copy; the next Get must come from disk and re-populate
	// the memory tier.
	c.memory.Purge()
	_, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, 1, c.memory.Len())

	mem, _ := c.Stats()
	assert.Equal(t, uint64(1), mem.Misses)
}

func TestMemoryLRUEviction(t *testing.T) {
	m := NewMemoryCache(3)
	m.Put("a", sampleDetections())
	m.Put("b", sampleDetections())
	m.Put("c", sampleDetections())
	m.Get("a") // refresh "a"
	m.Put("d", sampleDetections())

	_, ok := m.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Evictions)
}

func TestInvalidateDetectorScope(t *testing.T) {
	c := newTestCache(t)
	cfg := map[string]config.Value{}
	frame := []byte("frame")

	require.NoError(t, c.PutResult(frame, "Target", "1.0.0", cfg, "", sampleDetections()))
	require.NoError(t, c.PutResult(frame, "Other", "1.0.0", cfg, "", sampleDetections()))

	removed := c.InvalidateDetector("Target")
	assert.Equal(t, 1, removed)

	_, ok := c.GetResult(frame, "Target", "1.0.0", cfg, "")
	assert.False(t, ok, "invalidated detector key must miss")
	_, ok = c.GetResult(frame, "Other", "1.0.0", cfg, "")
	assert.True(t, ok, "other detector keys must be unaffected")
}

// Scenario: put under a composite key, hit it, then invalidate by config.
func TestCacheHitThenConfigInvalidation(t *testing.T) {
	c := newTestCache(t)
	frame := []byte("frame-F")
	cfg := map[string]config.Value{"sensitivity": config.NumberValue(0.8)}
	detections := sampleDetections()

	require.NoError(t, c.PutResult(frame, "D", "1.0.0", cfg, "", detections))

	got, ok := c.GetResult(frame, "D", "1.0.0", cfg, "")
	require.True(t, ok)
	assert.Equal(t, detections, got)

	c.InvalidateConfig("D", cfg)
	_, ok = c.GetResult(frame, "D", "1.0.0", cfg, "")
	assert.False(t, ok)
}

func TestInvalidateSceneAndFrame(t *testing.T) {
	c := newTestCache(t)
	cfg := map[string]config.Value{}
	frameA := []byte("frame-A")
	frameB := []byte("frame-B")

	require.NoError(t, c.PutResult(frameA, "D", "1.0.0", cfg, "scene_1_angle_1", sampleDetections()))
	require.NoError(t, c.PutResult(frameB, "D", "1.0.0", cfg, "scene_2_angle_1", sampleDetections()))

	assert.Equal(t, 1, c.InvalidateScene("scene_1_angle_1"))
	_, ok := c.GetResult(frameA, "D", "1.0.0", cfg, "scene_1_angle_1")
	assert.False(t, ok)
	_, ok = c.GetResult(frameB, "D", "1.0.0", cfg, "scene_2_angle_1")
	assert.True(t, ok)

	assert.Equal(t, 1, c.InvalidateFrame(FrameContentHash(frameB)))
	_, ok = c.GetResult(frameB, "D", "1.0.0", cfg, "scene_2_angle_1")
	assert.False(t, ok)
}

func TestCorruptedEntryReportsMiss(t *testing.T) {
	dir := t.TempDir()
	disk, err := NewDiskCache(dir, 100, 1<<20, time.Hour)
	require.NoError(t, err)

	key := "aabbcc:d:1.0.0:cfg"
	require.NoError(t, disk.Put(key, sampleDetections()))

	// Destroy the entry file behind the index's back
	require.NoError(t, os.Remove(disk.entryPath(key)))

	_, ok, err := disk.Get(key)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCacheCorruption)

	// Key dropped from index: the next lookup is a clean miss
	_, ok, err = disk.Get(key)
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), disk.Stats().Corrupted)
}

func TestDiskEvictionByEntryCount(t *testing.T) {
	disk, err := NewDiskCache(t.TempDir(), 10, 1<<20, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		key := BuildKey(FrameContentHash([]byte{byte(i)}), "d", "1.0.0", "cfg", "")
		require.NoError(t, disk.Put(key, sampleDetections()))
		time.Sleep(time.Millisecond) // distinct last-access ordering
	}

	// Eviction targets 90% of the cap
	assert.LessOrEqual(t, disk.Len(), 10)
	assert.Greater(t, disk.Stats().Evictions, uint64(0))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	disk, err := NewDiskCache(dir, 100, 1<<20, time.Hour)
	require.NoError(t, err)

	key := "ffee11:d:1.0.0:cfg"
	require.NoError(t, disk.Put(key, sampleDetections()))
	require.NoError(t, disk.Close())

	_, err = os.Stat(filepath.Join(dir, indexFileName))
	require.NoError(t, err)

	reopened, err := NewDiskCache(dir, 100, 1<<20, time.Hour)
	require.NoError(t, err)
	got, ok, err := reopened.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleDetections(), got)
}

func TestSweepExpired(t *testing.T) {
	disk, err := NewDiskCache(t.TempDir(), 100, 1<<20, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, disk.Put("aa:d:1.0.0:cfg", sampleDetections()))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, disk.Put("bb:d:1.0.0:cfg", sampleDetections()))

	removed := disk.SweepExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, disk.Len())
}
