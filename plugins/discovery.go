package plugins

import (
	"errors"
	"fmt"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/redflag"
)

// ErrDuplicateProfile is returned when two definitions share an id.
var ErrDuplicateProfile = errors.New("plugin: duplicate profile id")

// LoadAll reads YAML and Go profile definitions from dir and rejects
// duplicate ids across both kinds.
func LoadAll(dir string) ([]DefinitionFile, error) {
	yamlDefs, yamlErr := LoadDefinitionDir(dir)
	goDefs, goErr := LoadGoDefinitionDir(dir)
	if err := errors.Join(yamlErr, goErr); err != nil {
		return nil, err
	}
	defs := append(yamlDefs, goDefs...)
	seen := make(map[string]string, len(defs))
	for _, file := range defs {
		id := file.Definition.ID
		if existing, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateProfile, id, existing, file.Path)
		}
		seen[id] = file.Path
	}
	return defs, nil
}

// RegisterProfiles discovers the profiles under .tally/profiles and registers
// them on reg. Unset thresholds inherit from base, usually the default
// profile. It returns the number of profiles registered.
func RegisterProfiles(reg *redflag.Registry, cfg *config.Config, base redflag.Profile) (int, error) {
	if reg == nil || cfg == nil {
		return 0, nil
	}
	defs, err := LoadAll(cfg.ProfilesDir())
	if err != nil {
		return 0, err
	}
	for _, file := range defs {
		def := file.Definition
		if err := reg.Register(def.Profile(base), def.Types()...); err != nil {
			return 0, fmt.Errorf("plugin: register %s from %s: %w", def.ID, file.Path, err)
		}
	}
	return len(defs), nil
}
