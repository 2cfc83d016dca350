package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile pairs a parsed profile definition with its on-disk source.
type DefinitionFile struct {
	Definition ProfileDefinition
	Path       string
}

// ParseDefinitionYAML decodes and validates a single profile definition.
// Unknown keys are rejected so a misspelled threshold fails loudly.
func ParseDefinitionYAML(data []byte) (ProfileDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return ProfileDefinition{}, fmt.Errorf("plugin: definition payload is empty")
	}
	var def ProfileDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return ProfileDefinition{}, fmt.Errorf("plugin: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return ProfileDefinition{}, err
	}
	return def.Normalized(), nil
}

// LoadDefinitionFile reads one YAML profile from disk.
func LoadDefinitionFile(path string) (DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("plugin: %s: %w", path, err)
	}
	return DefinitionFile{Definition: def, Path: filepath.Clean(path)}, nil
}

// LoadDefinitionDir parses every *.yaml / *.yml file in dir. Files that fail
// are reported together so one run surfaces every broken profile. A missing
// directory means no plugins.
func LoadDefinitionDir(dir string) ([]DefinitionFile, error) {
	paths, err := listFiles(dir, isYAMLFile)
	if err != nil {
		return nil, err
	}
	var (
		defs []DefinitionFile
		errs []error
	)
	for _, path := range paths {
		def, err := LoadDefinitionFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

// listFiles returns the regular files in dir accepted by keep, sorted by path.
func listFiles(dir string, keep func(name string) bool) ([]string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !keep(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

func isGoFile(name string) bool {
	return filepath.Ext(name) == ".go" && !strings.HasSuffix(name, "_test.go")
}
