package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the engine's own configuration file. All fields are
// optional; zero/nil values fall back to the documented defaults via the
// getter methods.
type EngineConfig struct {
	// Paths
	InstallDir  *string `yaml:"install_dir,omitempty"`  // detector packages
	VersionsDir *string `yaml:"versions_dir,omitempty"` // version store root
	CacheDir    *string `yaml:"cache_dir,omitempty"`    // disk cache tier
	StateDir    *string `yaml:"state_dir,omitempty"`    // supervisor checkpoints, FP store

	// Queue
	QueueCapacity *int `yaml:"queue_capacity,omitempty"`

	// Result cache
	CacheMemoryEntries *int    `yaml:"cache_memory_entries,omitempty"`
	CacheDiskEntries   *int    `yaml:"cache_disk_entries,omitempty"`
	CacheDiskBytes     *int64  `yaml:"cache_disk_bytes,omitempty"`
	CacheTTL           *string `yaml:"cache_ttl,omitempty"` // duration string

	// Sandbox
	SandboxTimeout *string `yaml:"sandbox_timeout,omitempty"` // initial adaptive timeout

	// Batch pipeline
	SegmentSize            *int    `yaml:"segment_size,omitempty"`
	MaxParallelSegments    *int    `yaml:"max_parallel_segments,omitempty"`
	FrameDeduplication     *bool   `yaml:"frame_deduplication,omitempty"`
	EarlyTerminationErrors *int    `yaml:"early_termination_errors,omitempty"`
	SegmentTimeout         *string `yaml:"segment_timeout,omitempty"`
	KeepTempFiles          *bool   `yaml:"keep_temp_files,omitempty"`
}

// DefaultEngineConfig returns the built-in defaults
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig reads a YAML engine config from disk
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}
	return &cfg, nil
}

func (c *EngineConfig) GetInstallDir() string {
	if c.InstallDir != nil {
		return *c.InstallDir
	}
	return "detectors"
}

func (c *EngineConfig) GetVersionsDir() string {
	if c.VersionsDir != nil {
		return *c.VersionsDir
	}
	return "versions"
}

func (c *EngineConfig) GetCacheDir() string {
	if c.CacheDir != nil {
		return *c.CacheDir
	}
	return "cache"
}

func (c *EngineConfig) GetStateDir() string {
	if c.StateDir != nil {
		return *c.StateDir
	}
	return "state"
}

func (c *EngineConfig) GetQueueCapacity() int {
	if c.QueueCapacity != nil && *c.QueueCapacity > 0 {
		return *c.QueueCapacity
	}
	return 100
}

func (c *EngineConfig) GetCacheMemoryEntries() int {
	if c.CacheMemoryEntries != nil && *c.CacheMemoryEntries > 0 {
		return *c.CacheMemoryEntries
	}
	return 1000
}

func (c *EngineConfig) GetCacheDiskEntries() int {
	if c.CacheDiskEntries != nil && *c.CacheDiskEntries > 0 {
		return *c.CacheDiskEntries
	}
	return 10000
}

func (c *EngineConfig) GetCacheDiskBytes() int64 {
	if c.CacheDiskBytes != nil && *c.CacheDiskBytes > 0 {
		return *c.CacheDiskBytes
	}
	return 1 << 30 // 1 GB
}

func (c *EngineConfig) GetCacheTTL() time.Duration {
	return c.duration(c.CacheTTL, 24*time.Hour)
}

func (c *EngineConfig) GetSandboxTimeout() time.Duration {
	return c.duration(c.SandboxTimeout, 30*time.Second)
}

func (c *EngineConfig) GetSegmentSize() int {
	if c.SegmentSize != nil && *c.SegmentSize > 0 {
		return *c.SegmentSize
	}
	return 300
}

func (c *EngineConfig) GetMaxParallelSegments() int {
	if c.MaxParallelSegments != nil && *c.MaxParallelSegments > 0 {
		return *c.MaxParallelSegments
	}
	return 4
}

func (c *EngineConfig) GetFrameDeduplication() bool {
	if c.FrameDeduplication != nil {
		return *c.FrameDeduplication
	}
	return false
}

func (c *EngineConfig) GetEarlyTerminationErrors() int {
	if c.EarlyTerminationErrors != nil && *c.EarlyTerminationErrors > 0 {
		return *c.EarlyTerminationErrors
	}
	return 10
}

func (c *EngineConfig) GetSegmentTimeout() time.Duration {
	return c.duration(c.SegmentTimeout, 300*time.Second)
}

func (c *EngineConfig) GetKeepTempFiles() bool {
	if c.KeepTempFiles != nil {
		return *c.KeepTempFiles
	}
	return false
}

func (c *EngineConfig) duration(field *string, def time.Duration) time.Duration {
	if field == nil {
		return def
	}
	d, err := time.ParseDuration(*field)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
