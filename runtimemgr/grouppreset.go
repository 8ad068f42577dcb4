package runtimemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ml-tooling/lazycluster/internal/appconfig"
	"gopkg.in/yaml.v3"
)

// GroupPreset is a named, saved BuildGroup selection: which hosts to
// include/exclude and the minimum count required. Adapted from the
// teacher's internal/bundle/store.go (a YAML-backed named-entry-list CRUD
// store for tunnel startup targets) — same persistence shape, retargeted
// from tunnel bundles to RuntimeGroup member selection.
type GroupPreset struct {
	Name        string   `yaml:"name"`
	Include     []string `yaml:"include,omitempty"`
	Exclude     []string `yaml:"exclude,omitempty"`
	MinRuntimes int      `yaml:"min_runtimes,omitempty"`
}

type presetFile struct {
	Presets map[string]GroupPreset `yaml:"presets"`
}

func presetPath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "group_presets.yaml"), nil
}

func loadPresets() (presetFile, error) {
	path, err := presetPath()
	if err != nil {
		return presetFile{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return presetFile{Presets: map[string]GroupPreset{}}, nil
		}
		return presetFile{}, fmt.Errorf("read group presets: %w", err)
	}
	var fm presetFile
	if err := yaml.Unmarshal(data, &fm); err != nil {
		return presetFile{}, fmt.Errorf("parse group presets: %w", err)
	}
	if fm.Presets == nil {
		fm.Presets = map[string]GroupPreset{}
	}
	return fm, nil
}

func savePresets(fm presetFile) error {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path, err := presetPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("marshal group presets: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// SaveGroupPreset persists p, overwriting any existing preset with the
// same name.
func SaveGroupPreset(p GroupPreset) error {
	fm, err := loadPresets()
	if err != nil {
		return err
	}
	fm.Presets[p.Name] = p
	return savePresets(fm)
}

// DeleteGroupPreset removes the named preset, if present.
func DeleteGroupPreset(name string) error {
	fm, err := loadPresets()
	if err != nil {
		return err
	}
	delete(fm.Presets, name)
	return savePresets(fm)
}

// LoadGroupPresets returns every saved preset, sorted by name.
func LoadGroupPresets() ([]GroupPreset, error) {
	fm, err := loadPresets()
	if err != nil {
		return nil, err
	}
	out := make([]GroupPreset, 0, len(fm.Presets))
	for _, p := range fm.Presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// BuildOptionsFromPreset translates a saved GroupPreset into BuildOptions,
// carrying over MinRuntimes and Exclude only. The preset's Include list is
// not part of the result; BuildGroup's host source is discovery-driven, not
// a fixed list.
func BuildOptionsFromPreset(p GroupPreset) BuildOptions {
	return BuildOptions{MinRuntimes: p.MinRuntimes, Exclude: p.Exclude}
}
