package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wirereplay.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
backend = "noop"
max_trailing_bytes = 4096
max_objects_per_type = 128
fence_timeout = "20ms"

[output]
replies = "replies.bin"
snapshot = "state.cbor"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MaxTrailingBytes != 4096 || cfg.MaxObjectsPerType != 128 {
		t.Errorf("limits = %d, %d", cfg.MaxTrailingBytes, cfg.MaxObjectsPerType)
	}
	if cfg.FenceTimeout != 20*time.Millisecond {
		t.Errorf("FenceTimeout = %v, want 20ms", cfg.FenceTimeout)
	}
	if cfg.Output.Replies != "replies.bin" || cfg.Output.Snapshot != "state.cbor" {
		t.Errorf("Output = %+v", cfg.Output)
	}
	// Unset keys keep their defaults.
	if cfg.Label != "wirereplay" || cfg.DrainTimeout != 5*time.Second {
		t.Errorf("defaults lost: label %q drain %v", cfg.Label, cfg.DrainTimeout)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad backend", `backend = "metal"`, "unknown backend"},
		{"unknown key", `max_buffers = 3`, "unknown key"},
		{"syntax", `backend = `, "parse error"},
		{"negative limit", `max_submit_count = -1`, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}
