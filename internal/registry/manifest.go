package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"camf/internal/config"
)

// ManifestFileName is the manifest every detector package must carry
const ManifestFileName = "detector.json"

// SchemaField describes one config field a detector accepts
type SchemaField struct {
	FieldType        string        `json:"field_type"`
	Title            string        `json:"title,omitempty"`
	Description      string        `json:"description,omitempty"`
	Required         bool          `json:"required,omitempty"`
	Default          interface{}   `json:"default,omitempty"`
	Minimum          *float64      `json:"minimum,omitempty"`
	Maximum          *float64      `json:"maximum,omitempty"`
	Options          []interface{} `json:"options,omitempty"`
	AcceptExtensions []string      `json:"accept_extensions,omitempty"`
}

// Schema is the detector's declared config surface
type Schema struct {
	Fields map[string]SchemaField `json:"fields"`
}

// Manifest is the parsed detector.json
type Manifest struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	Description       string `json:"description,omitempty"`
	Author            string `json:"author,omitempty"`
	Category          string `json:"category,omitempty"`
	RequiresReference bool   `json:"requires_reference,omitempty"`
	MinFramesRequired int    `json:"min_frames_required,omitempty"`
	Schema            Schema `json:"schema,omitempty"`
}

var fieldTypes = map[string]config.Kind{
	"text":          config.KindText,
	"number":        config.KindNumber,
	"boolean":       config.KindBoolean,
	"file":          config.KindFile,
	"file_multiple": config.KindFileMultiple,
}

// LoadManifest reads and validates the manifest of a package directory
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields, version format and schema field types
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field \"name\"")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing required field \"version\"")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return err
	}
	for name, field := range m.Schema.Fields {
		if _, ok := fieldTypes[field.FieldType]; !ok {
			return fmt.Errorf("schema field %q has unknown type %q", name, field.FieldType)
		}
	}
	return nil
}

// ValidateConfig checks a config against the schema: required fields
// present, kinds match, numbers within bounds, option lists honored, file
// extensions accepted. Returns the config with schema defaults applied.
func (m *Manifest) ValidateConfig(cfg map[string]config.Value) (map[string]config.Value, error) {
	out := make(map[string]config.Value, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}

	for name, field := range m.Schema.Fields {
		v, present := out[name]
		if !present {
			if field.Required && field.Default == nil {
				return nil, fmt.Errorf("required config field %q missing", name)
			}
			if field.Default != nil {
				def, err := config.ValueFromInterface(field.Default)
				if err != nil {
					return nil, fmt.Errorf("field %q has invalid default: %w", name, err)
				}
				out[name] = def
			}
			continue
		}
		if err := checkField(name, field, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkField(name string, field SchemaField, v config.Value) error {
	want := fieldTypes[field.FieldType]
	switch want {
	case config.KindFile:
		// Unmarshaled file paths arrive as plain text
		if v.Kind != config.KindText && v.Kind != config.KindFile {
			return fmt.Errorf("field %q expects a file path", name)
		}
		if err := checkExtensions(name, field.AcceptExtensions, v.Text); err != nil {
			return err
		}
	case config.KindFileMultiple:
		if v.Kind != config.KindFileMultiple {
			return fmt.Errorf("field %q expects a list of file paths", name)
		}
		for _, p := range v.Files {
			if err := checkExtensions(name, field.AcceptExtensions, p); err != nil {
				return err
			}
		}
	default:
		if v.Kind != want {
			return fmt.Errorf("field %q expects %s, got %s", name, want, v.Kind)
		}
	}

	if want == config.KindNumber {
		if field.Minimum != nil && v.Num < *field.Minimum {
			return fmt.Errorf("field %q value %v below minimum %v", name, v.Num, *field.Minimum)
		}
		if field.Maximum != nil && v.Num > *field.Maximum {
			return fmt.Errorf("field %q value %v above maximum %v", name, v.Num, *field.Maximum)
		}
	}

	if len(field.Options) > 0 {
		matched := false
		for _, opt := range field.Options {
			if v.Interface() == opt {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("field %q value %v not among declared options", name, v.Interface())
		}
	}
	return nil
}

func checkExtensions(name string, accepted []string, path string) error {
	if len(accepted) == 0 || path == "" {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range accepted {
		if ext == strings.ToLower(a) || ext == "."+strings.ToLower(strings.TrimPrefix(a, ".")) {
			return nil
		}
	}
	return fmt.Errorf("field %q file %q does not match accepted extensions %v", name, path, accepted)
}

// Version is a parsed MAJOR.MINOR.PATCH
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a strict semantic version string
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (len(p) > 1 && p[0] == '0') {
			return Version{}, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String formats the version back to MAJOR.MINOR.PATCH
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less orders versions numerically by component
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}
