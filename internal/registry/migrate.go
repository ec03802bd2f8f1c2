package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"camf/internal/config"
)

// MigrationFileName is the declarative migration step shipped inside a
// version's package directory.
const MigrationFileName = "migration.json"

// FieldMigration is one declarative transform over a flat key/value map
type FieldMigration struct {
	Renames  map[string]string      `json:"renames,omitempty"`
	Removes  []string               `json:"removes,omitempty"`
	Defaults map[string]interface{} `json:"defaults,omitempty"` // added when absent
}

// MigrationStep migrates configs (and optionally stored data) from one
// version to the next along the migration chain.
type MigrationStep struct {
	FromVersion   string          `json:"from_version"`
	ToVersion     string          `json:"to_version"`
	Configuration FieldMigration  `json:"configuration"`
	Data          *FieldMigration `json:"data,omitempty"`
}

// LoadMigrationStep reads the migration file of a published version dir
func LoadMigrationStep(dir string) (*MigrationStep, error) {
	data, err := os.ReadFile(filepath.Join(dir, MigrationFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration step: %w", err)
	}
	var step MigrationStep
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("malformed migration step: %w", err)
	}
	return &step, nil
}

// check verifies a transform's outcome over a migrated key set: rename
// sources and removed keys must be gone, defaulted keys must be present.
func (f *FieldMigration) check(has func(string) bool, what string) error {
	for from := range f.Renames {
		if has(from) {
			return fmt.Errorf("%s key %q survived its rename", what, from)
		}
	}
	for _, k := range f.Removes {
		if has(k) {
			return fmt.Errorf("%s key %q survived its removal", what, k)
		}
	}
	for k := range f.Defaults {
		if !has(k) {
			return fmt.Errorf("%s key %q missing its default", what, k)
		}
	}
	return nil
}

// MigrateConfiguration applies one step's declarative transform
func (s *MigrationStep) MigrateConfiguration(old map[string]config.Value) (map[string]config.Value, error) {
	out := make(map[string]config.Value, len(old))
	for k, v := range old {
		out[k] = v
	}
	for from, to := range s.Configuration.Renames {
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
	}
	for _, k := range s.Configuration.Removes {
		delete(out, k)
	}
	for k, raw := range s.Configuration.Defaults {
		if _, ok := out[k]; ok {
			continue
		}
		v, err := config.ValueFromInterface(raw)
		if err != nil {
			return nil, fmt.Errorf("step %s -> %s: default for %q: %w", s.FromVersion, s.ToVersion, k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MigrateData applies the step's data transform to one stored detection
// record's metadata. Steps without a data section pass records through
// untouched.
func (s *MigrationStep) MigrateData(old map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(old))
	for k, v := range old {
		out[k] = v
	}
	if s.Data == nil {
		return out
	}
	for from, to := range s.Data.Renames {
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
	}
	for _, k := range s.Data.Removes {
		delete(out, k)
	}
	for k, v := range s.Data.Defaults {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Validate checks a step's outcome after it ran. Either argument may be
// nil when the caller migrated only the other kind.
func (s *MigrationStep) Validate(cfg map[string]config.Value, data map[string]interface{}) error {
	if cfg != nil {
		has := func(k string) bool { _, ok := cfg[k]; return ok }
		if err := s.Configuration.check(has, "config"); err != nil {
			return fmt.Errorf("step %s -> %s: %w", s.FromVersion, s.ToVersion, err)
		}
	}
	if data != nil && s.Data != nil {
		has := func(k string) bool { _, ok := data[k]; return ok }
		if err := s.Data.check(has, "data"); err != nil {
			return fmt.Errorf("step %s -> %s: %w", s.FromVersion, s.ToVersion, err)
		}
	}
	return nil
}

// Migrator walks migration chains using the version store's index
type Migrator struct {
	store *VersionStore
}

// NewMigrator creates a migrator over a version store
func NewMigrator(store *VersionStore) *Migrator {
	return &Migrator{store: store}
}

// Chain resolves the step sequence from one version to another by
// following migrated_from pointers backwards from the target. An empty
// chain means no migration is required (same major).
func (m *Migrator) Chain(name, from, to string) ([]*MigrationStep, error) {
	vFrom, err := ParseVersion(from)
	if err != nil {
		return nil, err
	}
	vTo, err := ParseVersion(to)
	if err != nil {
		return nil, err
	}
	if vFrom.Major == vTo.Major {
		return nil, nil
	}

	var reversed []*MigrationStep
	cursor := to
	for cursor != from {
		meta, ok := m.store.Meta(name, cursor)
		if !ok {
			return nil, fmt.Errorf("version %s of %s not in the version store", cursor, name)
		}
		if meta.MigratedFrom == "" {
			return nil, fmt.Errorf("no migration chain from %s to %s of %s", from, to, name)
		}
		step, err := LoadMigrationStep(m.store.VersionDir(name, cursor))
		if err != nil {
			return nil, fmt.Errorf("version %s of %s: %w", cursor, name, err)
		}
		reversed = append(reversed, step)
		cursor = meta.MigratedFrom
	}

	chain := make([]*MigrationStep, len(reversed))
	for i, step := range reversed {
		chain[len(reversed)-1-i] = step
	}
	return chain, nil
}

// UpgradeConfigs migrates every scene's stored config from one version to
// another and validates each result against the target schema. On any
// failure nothing is returned and the caller must keep the old version
// active; the error names the failing step and scene.
func (m *Migrator) UpgradeConfigs(name, from, to string, target *Manifest,
	sceneConfigs map[int64]map[string]config.Value) (map[int64]map[string]config.Value, error) {

	chain, err := m.Chain(name, from, to)
	if err != nil {
		return nil, err
	}

	migrated := make(map[int64]map[string]config.Value, len(sceneConfigs))
	for sceneID, cfg := range sceneConfigs {
		current := cfg
		for _, step := range chain {
			next, err := step.MigrateConfiguration(current)
			if err != nil {
				return nil, fmt.Errorf("scene %d: %w", sceneID, err)
			}
			if err := step.Validate(next, nil); err != nil {
				return nil, fmt.Errorf("scene %d: %w", sceneID, err)
			}
			current = next
		}
		validated, err := target.ValidateConfig(current)
		if err != nil {
			return nil, fmt.Errorf("scene %d: migrated config invalid under %s: %w", sceneID, to, err)
		}
		migrated[sceneID] = validated
	}

	log.Printf("[Registry] Migrated %d scene configs of %s from %s to %s", len(migrated), name, from, to)
	return migrated, nil
}

// UpgradeData migrates stored detection metadata records along the same
// chain configs travel, validating after every step. All records migrate
// or none do.
func (m *Migrator) UpgradeData(name, from, to string, records []map[string]interface{}) ([]map[string]interface{}, error) {
	chain, err := m.Chain(name, from, to)
	if err != nil {
		return nil, err
	}

	migrated := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		current := rec
		for _, step := range chain {
			current = step.MigrateData(current)
			if err := step.Validate(nil, current); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		}
		migrated[i] = current
	}

	log.Printf("[Registry] Migrated %d data records of %s from %s to %s", len(migrated), name, from, to)
	return migrated, nil
}
