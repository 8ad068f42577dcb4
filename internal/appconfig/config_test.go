package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_DefaultClusterValues(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainDir != "lazycluster" {
		t.Fatalf("unexpected main dir: %s", cfg.MainDir)
	}
	if cfg.Cluster.MasterPortPoolStart != 60001 || cfg.Cluster.MasterPortPoolEnd != 60200 {
		t.Fatalf("unexpected master port pool: [%d, %d)", cfg.Cluster.MasterPortPoolStart, cfg.Cluster.MasterPortPoolEnd)
	}
	if cfg.Cluster.DaskMasterPort != 8786 {
		t.Fatalf("unexpected dask master port: %d", cfg.Cluster.DaskMasterPort)
	}
	if cfg.Cluster.HyperoptMasterPort != 27017 {
		t.Fatalf("unexpected hyperopt master port: %d", cfg.Cluster.HyperoptMasterPort)
	}
}

func TestLoad_CreatesConfigFileOnFirstRun(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	if _, err := Load(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(xdg, "lazycluster", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config.yaml to be created: %v", err)
	}
}

func TestLoad_PartialOverrideKeepsOtherDefaults(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "lazycluster")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte(strings.Join([]string{
		"main_dir: custom-cluster-dir",
		"cluster:",
		"  dask_master_port: 9999",
		"",
	}, "\n"))
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainDir != "custom-cluster-dir" {
		t.Fatalf("unexpected main dir: %s", cfg.MainDir)
	}
	if cfg.Cluster.DaskMasterPort != 9999 {
		t.Fatalf("unexpected dask master port: %d", cfg.Cluster.DaskMasterPort)
	}
	if cfg.Cluster.MasterPortPoolStart != 60001 {
		t.Fatalf("expected untouched field to keep default, got %d", cfg.Cluster.MasterPortPoolStart)
	}
}

func TestLoad_RejectsInvalidPortPool(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "lazycluster")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte(strings.Join([]string{
		"cluster:",
		"  master_port_pool_start: 500",
		"  master_port_pool_end: 100",
		"",
	}, "\n"))
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cluster.MasterPortPoolStart != 60001 || cfg.Cluster.MasterPortPoolEnd != 60200 {
		t.Fatalf("expected inverted pool to fall back to defaults, got [%d, %d)", cfg.Cluster.MasterPortPoolStart, cfg.Cluster.MasterPortPoolEnd)
	}
}

func TestSave_RoundTrips(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := Default()
	cfg.Cluster.HyperoptMasterPort = 28000
	if err := Save(cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Cluster.HyperoptMasterPort != 28000 {
		t.Fatalf("expected saved value to round-trip, got %d", got.Cluster.HyperoptMasterPort)
	}
}
