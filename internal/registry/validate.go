package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EntrypointFileName is the detector entrypoint the sandbox executes
const EntrypointFileName = "detector.py"

// BuildFileName is the optional container build file a package may carry
const BuildFileName = "Dockerfile"

// forbiddenConstructs are entrypoint substrings that disqualify a package:
// dynamic code evaluation, arbitrary process or network calls, and dynamic
// attribute access.
var forbiddenConstructs = []string{
	"eval(",
	"exec(",
	"__import__",
	"subprocess",
	"os.system",
	"socket",
	"getattr(",
}

// ValidatePackage runs the full static validation of a package directory:
// structure, manifest, entrypoint scan, and build-file checks. It returns
// the parsed manifest on success.
func ValidatePackage(dir string) (*Manifest, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	entrypoint := filepath.Join(dir, EntrypointFileName)
	if _, err := os.Stat(entrypoint); err != nil {
		return nil, fmt.Errorf("package %s has no entrypoint %s", m.Name, EntrypointFileName)
	}
	if err := scanEntrypoint(entrypoint); err != nil {
		return nil, fmt.Errorf("package %s: %w", m.Name, err)
	}

	buildFile := filepath.Join(dir, BuildFileName)
	if _, err := os.Stat(buildFile); err == nil {
		if err := checkBuildFile(buildFile); err != nil {
			return nil, fmt.Errorf("package %s: %w", m.Name, err)
		}
	}
	return m, nil
}

// scanEntrypoint rejects entrypoints containing forbidden constructs
func scanEntrypoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read entrypoint: %w", err)
	}
	source := string(data)
	for _, construct := range forbiddenConstructs {
		if idx := strings.Index(source, construct); idx >= 0 {
			line := 1 + strings.Count(source[:idx], "\n")
			return fmt.Errorf("entrypoint uses forbidden construct %q at line %d", construct, line)
		}
	}
	return nil
}

// checkBuildFile rejects build files requesting privileged mode, host
// namespaces, or untagged base images.
func checkBuildFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read build file: %w", err)
	}

	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		lower := strings.ToLower(line)

		if strings.HasPrefix(lower, "from ") {
			image := strings.Fields(line)[1]
			if image != "scratch" && !strings.Contains(image, ":") {
				return fmt.Errorf("build file line %d: base image %q must be tagged", i+1, image)
			}
			if strings.HasSuffix(image, ":latest") {
				return fmt.Errorf("build file line %d: base image %q pins no version", i+1, image)
			}
			continue
		}

		for _, banned := range []string{"--privileged", "--network=host", "--net=host", "--pid=host", "--ipc=host"} {
			if strings.Contains(lower, banned) {
				return fmt.Errorf("build file line %d: %q is not allowed", i+1, banned)
			}
		}
	}
	return nil
}
