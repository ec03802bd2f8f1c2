package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Package is an installed, validated detector package
type Package struct {
	Manifest  *Manifest
	Dir       string
	ImageHash string
}

// Registry discovers detector packages in an install directory and keeps
// an in-memory view of them. A filesystem watch keeps the view consistent
// with disk without an engine restart.
type Registry struct {
	installDir string

	mu       sync.RWMutex
	packages map[string]*Package
	rejected map[string]string // dir name -> validation error

	watcher  *fsnotify.Watcher
	onChange func() // invoked after a watch-triggered rescan
	done     chan struct{}
}

// NewRegistry scans installDir once. Call Watch to keep the view live.
func NewRegistry(installDir string) (*Registry, error) {
	r := &Registry{
		installDir: installDir,
		packages:   make(map[string]*Package),
		rejected:   make(map[string]string),
	}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rescan rebuilds the package view from disk. Subdirectories whose name
// starts with "." or "_" are ignored; directories that fail validation are
// recorded but not registered.
func (r *Registry) Rescan() error {
	entries, err := os.ReadDir(r.installDir)
	if err != nil {
		return fmt.Errorf("failed to read install dir: %w", err)
	}

	packages := make(map[string]*Package)
	rejected := make(map[string]string)
	var dirs []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		dir := filepath.Join(r.installDir, name)
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			continue // not a detector package
		}
		dirs = append(dirs, dir)

		m, err := ValidatePackage(dir)
		if err != nil {
			log.Printf("[Registry] Rejecting package %s: %v", name, err)
			rejected[name] = err.Error()
			continue
		}
		hash, err := HashPackage(dir)
		if err != nil {
			rejected[name] = err.Error()
			continue
		}
		packages[m.Name] = &Package{Manifest: m, Dir: dir, ImageHash: hash}
	}

	r.mu.Lock()
	r.packages = packages
	r.rejected = rejected
	watcher := r.watcher
	r.mu.Unlock()

	// Watch inside every package dir too; a watch on the install dir alone
	// misses manifest edits that never touch the top level. Rejected
	// packages stay watched so fixing one in place re-registers it.
	if watcher != nil {
		for _, dir := range dirs {
			if err := watcher.Add(dir); err != nil {
				log.Printf("[Registry] Failed to watch %s: %v", dir, err)
			}
		}
	}

	log.Printf("[Registry] Discovered %d packages (%d rejected)", len(packages), len(rejected))
	return nil
}

// Watch starts a filesystem watch on the install directory and every
// package directory inside it; creates, removes, renames and writes all
// trigger a rescan. onChange may be nil.
func (r *Registry) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.installDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch install dir: %w", err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.onChange = onChange
	var dirs []string
	for _, p := range r.packages {
		dirs = append(dirs, p.Dir)
	}
	for name := range r.rejected {
		dirs = append(dirs, filepath.Join(r.installDir, name))
	}
	r.mu.Unlock()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.Printf("[Registry] Failed to watch %s: %v", dir, err)
		}
	}

	r.done = make(chan struct{})
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	defer close(r.done)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Printf("[Registry] %s changed (%s), rescanning", event.Name, event.Op)
			if err := r.Rescan(); err != nil {
				log.Printf("[Registry] Rescan failed: %v", err)
				continue
			}
			if r.onChange != nil {
				r.onChange()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Registry] Watch error: %v", err)
		}
	}
}

// Get returns a package by name
func (r *Registry) Get(name string) (*Package, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packages[name]
	return p, ok
}

// Names returns the registered package names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.packages))
	for name := range r.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered package
func (r *Registry) All() []*Package {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Package, 0, len(r.packages))
	for _, p := range r.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Rejected returns the validation errors of directories that failed the
// last scan, keyed by directory name.
func (r *Registry) Rejected() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.rejected))
	for k, v := range r.rejected {
		out[k] = v
	}
	return out
}

// Close stops the filesystem watch
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	return err
}

// HashPackage computes the content hash covering every file in a package,
// walking in sorted order so the hash is stable.
func HashPackage(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		io.WriteString(h, rel)
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash package %s: %w", dir, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
