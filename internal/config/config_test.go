package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Fatalf("expected DataDir %q, got %q", dir, cfg.Storage.DataDir)
	}

	if _, err := os.Stat(ConfigPath(dir)); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
}

func TestLoadConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Logging.Level = "debug"
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Logging.Level != "debug" {
		t.Fatalf("expected logging level debug, got %q", loaded.Logging.Level)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got := ExpandPath("~/icechat")
	want := filepath.Join(home, "icechat")
	if got != want {
		t.Fatalf("ExpandPath(~/icechat) = %q, want %q", got, want)
	}

	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandPath should not touch absolute paths, got %q", got)
	}
}

func TestKeyAndDBFilePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/data"
	cfg.Identity.KeyFile = "identity.key"
	cfg.Storage.DBFile = "icechat.db"

	if got, want := cfg.KeyFilePath(), "/data/identity.key"; got != want {
		t.Fatalf("KeyFilePath() = %q, want %q", got, want)
	}
	if got, want := cfg.DBFilePath(), "/data/icechat.db"; got != want {
		t.Fatalf("DBFilePath() = %q, want %q", got, want)
	}
}
