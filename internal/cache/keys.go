package cache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"camf/internal/config"
)

// keySeparator joins the components of a composite cache key
const keySeparator = ":"

// FrameContentHash returns the MD5 hex digest of raw frame bytes. MD5 is
// chosen for speed; the hash is an identity, not a security boundary.
func FrameContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ConfigHash returns the first 16 hex characters of SHA-256 over the config
// serialized with sorted keys.
func ConfigHash(cfg map[string]config.Value) string {
	// encoding/json writes map keys in sorted order, which makes the
	// serialization canonical.
	data, err := json.Marshal(config.PlainMap(cfg))
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// SlugifyDetectorName normalizes a detector name the way install
// directories are named: lowercase, runs of non-alphanumerics collapsed to
// single underscores.
func SlugifyDetectorName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// BuildKey assembles the composite cache key
// frame_hash:detector_slug:version:config_hash[:scene_context].
func BuildKey(frameHash, detectorName, version, configHash, sceneContext string) string {
	parts := []string{frameHash, SlugifyDetectorName(detectorName), version, configHash}
	if sceneContext != "" {
		parts = append(parts, sceneContext)
	}
	return strings.Join(parts, keySeparator)
}
