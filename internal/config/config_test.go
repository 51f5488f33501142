package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yml"))
	cfg := Load()
	if cfg.MarkerDB != "memory" || cfg.MarkerRoomMaxOccupants != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.MarkerLevels, []string{"received", "displayed", "acknowledged"}) {
		t.Fatalf("unexpected default levels: %v", cfg.MarkerLevels)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := "localJID: me@example\nmarkerDB: redis\nmarkerRoomMaxOccupants: 50\nmarkerLevels: [displayed]\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("IM_CONFIG_FILE", path)
	t.Setenv("IM_MARKER_ROOM_MAX_OCCUPANTS", "7")
	t.Setenv("IM_ENABLE_METRICS", "no")

	cfg := Load()
	if cfg.LocalJID != "me@example" || cfg.MarkerDB != "redis" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.MarkerRoomMaxOccupants != 7 {
		t.Fatalf("env must override yaml, got %d", cfg.MarkerRoomMaxOccupants)
	}
	if !reflect.DeepEqual(cfg.MarkerLevels, []string{"displayed"}) {
		t.Fatalf("levels = %v", cfg.MarkerLevels)
	}
	if cfg.EnableMetrics {
		t.Fatalf("IM_ENABLE_METRICS=no should disable metrics")
	}
}

func TestParseList(t *testing.T) {
	got := ParseList(" received, ,displayed ,")
	if !reflect.DeepEqual(got, []string{"received", "displayed"}) {
		t.Fatalf("ParseList = %v", got)
	}
	if ParseList("") != nil {
		t.Fatalf("empty input must yield nil")
	}
}
