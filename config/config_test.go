package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Buffer.QuotaBytes != 24<<20 {
		t.Errorf("QuotaBytes = %d, want %d", cfg.Buffer.QuotaBytes, 24<<20)
	}
	if cfg.Buffer.MaxAppendChunkBytes != 128*1024 {
		t.Errorf("MaxAppendChunkBytes = %d, want %d", cfg.Buffer.MaxAppendChunkBytes, 128*1024)
	}
	if !cfg.Player.ReplayEnabled() {
		t.Error("ReplayEnabled = false, want true by default")
	}
	if cfg.Ingest.SRTAddr != ":6000" {
		t.Errorf("SRTAddr = %q, want :6000", cfg.Ingest.SRTAddr)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("buffer:\n  quota_bytes: 1048576\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SUBSTRATE_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffer.QuotaBytes != 1048576 {
		t.Errorf("QuotaBytes = %d, want file value 1048576", cfg.Buffer.QuotaBytes)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched fields keep their defaults.
	if cfg.Ingest.SRTAddr != ":6000" {
		t.Errorf("SRTAddr = %q, want default :6000", cfg.Ingest.SRTAddr)
	}
}

func TestLoadFileDisablesResumeReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("player:\n  resume_replay: false\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SUBSTRATE_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// An explicit false must win over the enabled-by-default behavior.
	if cfg.Player.ReplayEnabled() {
		t.Error("ReplayEnabled = true despite file setting resume_replay: false")
	}
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	t.Setenv("SUBSTRATE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Buffer.QuotaBytes != 24<<20 {
		t.Errorf("QuotaBytes = %d, want default", cfg.Buffer.QuotaBytes)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("buffer: ["), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SUBSTRATE_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("Load with malformed YAML succeeded, want error")
	}
}

func TestEnvVarOverrides(t *testing.T) {
	t.Setenv("SUBSTRATE_BUFFER_QUOTA_BYTES", "4096")
	t.Setenv("SUBSTRATE_PLAYER_RESUME_REPLAY", "false")
	t.Setenv("SUBSTRATE_INGEST_SRT_ADDR", ":7000")
	t.Setenv("SUBSTRATE_LOGGING_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffer.QuotaBytes != 4096 {
		t.Errorf("QuotaBytes = %d, want 4096", cfg.Buffer.QuotaBytes)
	}
	if cfg.Player.ReplayEnabled() {
		t.Error("ReplayEnabled = true, want env override false")
	}
	if cfg.Ingest.SRTAddr != ":7000" {
		t.Errorf("SRTAddr = %q, want :7000", cfg.Ingest.SRTAddr)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestEnvVarOverridesIgnoreInvalidValues(t *testing.T) {
	t.Setenv("SUBSTRATE_BUFFER_QUOTA_BYTES", "not-a-number")
	t.Setenv("SUBSTRATE_BUFFER_MAX_APPEND_CHUNK_BYTES", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffer.QuotaBytes != 24<<20 {
		t.Errorf("QuotaBytes = %d, want default kept on bad value", cfg.Buffer.QuotaBytes)
	}
	if cfg.Buffer.MaxAppendChunkBytes != 128*1024 {
		t.Errorf("MaxAppendChunkBytes = %d, want default kept on non-positive value", cfg.Buffer.MaxAppendChunkBytes)
	}
}

func TestEnvVarOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SUBSTRATE_CONFIG_PATH", path)
	t.Setenv("SUBSTRATE_LOGGING_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Level = %q, want env to override file", cfg.Logging.Level)
	}
}
