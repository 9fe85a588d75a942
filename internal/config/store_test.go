package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store := NewFileStore(path)

	cfg := Default()
	cfg.RefreshIntervalSeconds = 120

	if err := store.Save(context.Background(), cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}
	if got.RefreshIntervalSeconds != 120 {
		t.Errorf("RefreshIntervalSeconds = %d, want 120", got.RefreshIntervalSeconds)
	}
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "missing.json"))

	cfg, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for missing file, got %+v", cfg)
	}
}

func TestFileStoreLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "missing.json"))

	cfg, err := store.LoadOrDefault(context.Background())
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.RefreshIntervalSeconds != Default().RefreshIntervalSeconds {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestFileStoreRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "config": {}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := NewFileStore(path)
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected error loading a config file from a newer version")
	}
}
