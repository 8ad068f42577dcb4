// Package appconfig holds lazycluster's on-disk configuration and
// main-directory layout (spec.md §6), adapted from the teacher's
// internal/appconfig/config.go (ConfigDir's XDG lookup, Load/Save's
// yaml.v3-backed config.yaml) and retargeted from tunnel/UI settings to
// cluster port defaults.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ClusterDefaults holds the default ports the concrete launchers fall
// back to, per spec.md §4.6/§4.7.
type ClusterDefaults struct {
	MasterPortPoolStart int `yaml:"master_port_pool_start"`
	MasterPortPoolEnd   int `yaml:"master_port_pool_end"`
	DaskMasterPort      int `yaml:"dask_master_port"`
	HyperoptMasterPort  int `yaml:"hyperopt_master_port"`
}

// Config is the persisted lazycluster configuration.
type Config struct {
	MainDir string          `yaml:"main_dir"`
	Cluster ClusterDefaults `yaml:"cluster"`
}

// Default returns the out-of-the-box configuration: masterPort pool
// [60001, 60200) with default candidate 60000 tried first (spec.md §4.6),
// and the reference Dask/Hyperopt master ports (spec.md §4.7).
func Default() Config {
	return Config{
		MainDir: "lazycluster",
		Cluster: ClusterDefaults{
			MasterPortPoolStart: 60001,
			MasterPortPoolEnd:   60200,
			DaskMasterPort:      8786,
			HyperoptMasterPort:  27017,
		},
	}
}

// ConfigDir returns lazycluster's configuration directory, honoring
// XDG_CONFIG_HOME and falling back to ~/.config/lazycluster.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lazycluster"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "lazycluster"), nil
}

func configFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads config.yaml, creating it with Default() values on first run.
func Load() (Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Config{}, err
	}
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		cfg := Default()
		if saveErr := Save(cfg); saveErr != nil {
			return cfg, saveErr
		}
		return cfg, nil
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Cluster.MasterPortPoolEnd <= cfg.Cluster.MasterPortPoolStart {
		cfg.Cluster.MasterPortPoolStart = Default().Cluster.MasterPortPoolStart
		cfg.Cluster.MasterPortPoolEnd = Default().Cluster.MasterPortPoolEnd
	}
	return cfg, nil
}

// Save writes cfg to config.yaml.
func Save(cfg Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
