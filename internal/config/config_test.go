package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsApplyWhenUnset(t *testing.T) {
	cfg := DefaultEngineConfig()

	if got := cfg.GetQueueCapacity(); got != 100 {
		t.Errorf("queue capacity = %d, want 100", got)
	}
	if got := cfg.GetCacheMemoryEntries(); got != 1000 {
		t.Errorf("memory entries = %d, want 1000", got)
	}
	if got := cfg.GetCacheDiskEntries(); got != 10000 {
		t.Errorf("disk entries = %d, want 10000", got)
	}
	if got := cfg.GetCacheDiskBytes(); got != 1<<30 {
		t.Errorf("disk bytes = %d, want 1GiB", got)
	}
	if got := cfg.GetCacheTTL(); got != 24*time.Hour {
		t.Errorf("ttl = %s, want 24h", got)
	}
	if got := cfg.GetSandboxTimeout(); got != 30*time.Second {
		t.Errorf("sandbox timeout = %s, want 30s", got)
	}
	if got := cfg.GetSegmentSize(); got != 300 {
		t.Errorf("segment size = %d, want 300", got)
	}
	if got := cfg.GetMaxParallelSegments(); got != 4 {
		t.Errorf("parallel segments = %d, want 4", got)
	}
	if got := cfg.GetEarlyTerminationErrors(); got != 10 {
		t.Errorf("error budget = %d, want 10", got)
	}
	if got := cfg.GetSegmentTimeout(); got != 300*time.Second {
		t.Errorf("segment timeout = %s, want 300s", got)
	}
	if cfg.GetFrameDeduplication() || cfg.GetKeepTempFiles() {
		t.Error("boolean flags default on, want off")
	}
}

func TestMalformedDurationFallsBack(t *testing.T) {
	bad := "soon"
	cfg := &EngineConfig{CacheTTL: &bad}
	if got := cfg.GetCacheTTL(); got != 24*time.Hour {
		t.Errorf("ttl with malformed value = %s, want default", got)
	}
	negative := "-5s"
	cfg = &EngineConfig{SandboxTimeout: &negative}
	if got := cfg.GetSandboxTimeout(); got != 30*time.Second {
		t.Errorf("negative timeout accepted: %s", got)
	}
}

func TestLoadEngineConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	raw := "install_dir: /opt/detectors\nqueue_capacity: 250\ncache_ttl: 1h\nframe_deduplication: true\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetInstallDir(); got != "/opt/detectors" {
		t.Errorf("install dir = %q", got)
	}
	if got := cfg.GetQueueCapacity(); got != 250 {
		t.Errorf("queue capacity = %d, want 250", got)
	}
	if got := cfg.GetCacheTTL(); got != time.Hour {
		t.Errorf("ttl = %s, want 1h", got)
	}
	if !cfg.GetFrameDeduplication() {
		t.Error("dedup flag not loaded")
	}
	// Unset fields keep their defaults
	if got := cfg.GetSegmentSize(); got != 300 {
		t.Errorf("segment size = %d, want default 300", got)
	}

	if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	in := map[string]Value{
		"threshold":  NumberValue(0.75),
		"model":      TextValue("small"),
		"use_gpu":    BoolValue(true),
		"references": FilesValue([]string{"a.png", "b.png"}),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if v := out["threshold"]; v.Kind != KindNumber || v.Num != 0.75 {
		t.Errorf("threshold = %+v", v)
	}
	if v := out["model"]; v.Kind != KindText || v.Text != "small" {
		t.Errorf("model = %+v", v)
	}
	if v := out["use_gpu"]; v.Kind != KindBoolean || !v.Bool {
		t.Errorf("use_gpu = %+v", v)
	}
	if v := out["references"]; v.Kind != KindFileMultiple || len(v.Files) != 2 {
		t.Errorf("references = %+v", v)
	}
}

func TestValueFromInterfaceRejectsUnsupported(t *testing.T) {
	if _, err := ValueFromInterface(map[string]interface{}{"nested": 1}); err == nil {
		t.Error("nested object accepted")
	}
	if _, err := ValueFromInterface([]interface{}{"ok", 3}); err == nil {
		t.Error("mixed list accepted")
	}
}

func TestPlainMapRoundTrip(t *testing.T) {
	cfg := map[string]Value{
		"threshold": NumberValue(0.5),
		"label":     TextValue("clock"),
	}
	plain := PlainMap(cfg)
	if plain["threshold"] != 0.5 || plain["label"] != "clock" {
		t.Errorf("plain map = %v", plain)
	}

	back, err := FromPlainMap(plain)
	if err != nil {
		t.Fatalf("from plain: %v", err)
	}
	if back["threshold"].Kind != KindNumber || back["label"].Kind != KindText {
		t.Errorf("round trip = %+v", back)
	}
}
