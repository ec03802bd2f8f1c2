package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// VersionKind declares how a new version number is derived
type VersionKind string

const (
	KindMajor VersionKind = "major"
	KindMinor VersionKind = "minor"
	KindPatch VersionKind = "patch"
)

// VersionMeta is the index record for one published version
type VersionMeta struct {
	ReleaseDate     time.Time `json:"release_date"`
	Changelog       string    `json:"changelog,omitempty"`
	ContentHash     string    `json:"content_hash"`
	BreakingChanges []string  `json:"breaking_changes,omitempty"`
	Deprecated      bool      `json:"deprecated,omitempty"`
	MigratedFrom    string    `json:"migrated_from,omitempty"`
}

// VersionStore preserves every published version of every detector under
// versions/{name}/{version}/ with a JSON index alongside.
type VersionStore struct {
	root string

	mu    sync.Mutex
	index map[string]map[string]VersionMeta // name -> version -> meta
}

const versionIndexFile = "index.json"

// NewVersionStore opens (or creates) a version store rooted at dir
func NewVersionStore(dir string) (*VersionStore, error) {
	s := &VersionStore{root: dir, index: make(map[string]map[string]VersionMeta)}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create version store: %w", err)
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Publish copies a package directory into the store under the version
// recorded in meta and updates the index.
func (s *VersionStore) Publish(name, version string, srcDir string, meta VersionMeta) error {
	if _, err := ParseVersion(version); err != nil {
		return err
	}
	dst := s.VersionDir(name, version)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("version %s of %s already published", version, name)
	}
	if err := copyTree(srcDir, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("failed to publish %s %s: %w", name, version, err)
	}
	if meta.ReleaseDate.IsZero() {
		meta.ReleaseDate = time.Now()
	}
	if meta.ContentHash == "" {
		hash, err := HashPackage(dst)
		if err != nil {
			return err
		}
		meta.ContentHash = hash
	}

	s.mu.Lock()
	if s.index[name] == nil {
		s.index[name] = make(map[string]VersionMeta)
	}
	s.index[name][version] = meta
	s.mu.Unlock()
	return s.saveIndex()
}

// VersionDir returns the on-disk location of one published version
func (s *VersionStore) VersionDir(name, version string) string {
	return filepath.Join(s.root, name, version)
}

// Versions returns the published versions of a detector, ascending
func (s *VersionStore) Versions(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	parsed := make([]Version, 0, len(s.index[name]))
	for v := range s.index[name] {
		pv, err := ParseVersion(v)
		if err != nil {
			continue
		}
		parsed = append(parsed, pv)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Less(parsed[j]) })

	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.String()
	}
	return out
}

// Latest returns the highest published version of a detector
func (s *VersionStore) Latest(name string) (string, bool) {
	versions := s.Versions(name)
	if len(versions) == 0 {
		return "", false
	}
	return versions[len(versions)-1], true
}

// Meta returns the index record for one version
func (s *VersionStore) Meta(name, version string) (VersionMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[name][version]
	return meta, ok
}

// NextVersion derives the next version number from the current latest and
// the declared kind. The first version of a new detector is 1.0.0.
func (s *VersionStore) NextVersion(name string, kind VersionKind) (string, error) {
	latest, ok := s.Latest(name)
	if !ok {
		return "1.0.0", nil
	}
	v, err := ParseVersion(latest)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindMajor:
		return Version{Major: v.Major + 1}.String(), nil
	case KindMinor:
		return Version{Major: v.Major, Minor: v.Minor + 1}.String(), nil
	case KindPatch:
		return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}.String(), nil
	default:
		return "", fmt.Errorf("unknown version kind %q", kind)
	}
}

// Deprecate marks a published version deprecated in the index
func (s *VersionStore) Deprecate(name, version string) error {
	s.mu.Lock()
	meta, ok := s.index[name][version]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("version %s of %s not published", version, name)
	}
	meta.Deprecated = true
	s.index[name][version] = meta
	s.mu.Unlock()
	return s.saveIndex()
}

func (s *VersionStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, versionIndexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("failed to parse version index: %w", err)
	}
	return nil
}

func (s *VersionStore) saveIndex() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	path := filepath.Join(s.root, versionIndexFile)
	tmp, err := os.CreateTemp(s.root, ".index-*")
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
	return os.Rename(tmp.Name(), path)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
