package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_DirectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := "version: v1\nallow:\n  - domains: [\"example.com\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != "v1" {
		t.Errorf("version = %s, want v1", cfg.Version)
	}
}

func TestLoadConfig_DirectoryFindsPolicyYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("version: v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != "v2" {
		t.Errorf("version = %s, want v2", cfg.Version)
	}
}

func TestLoadConfig_DirectoryWithNoPolicyFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(dir)
	if err == nil {
		t.Fatal("expected error when directory has no policy file")
	}
}

func TestLoadConfig_MissingVersionErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("allow: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for policy config missing version")
	}
}
