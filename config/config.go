// Package config loads the kernel's tuning from defaults, an optional YAML
// file, and environment variable overrides, merged in that order.
package config

import (
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	Buffer  BufferConfig  `yaml:"buffer,omitempty"`
	Player  PlayerConfig  `yaml:"player,omitempty"`
	Ingest  IngestConfig  `yaml:"ingest,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// BufferConfig tunes the append path and the demuxer byte quota.
type BufferConfig struct {
	// QuotaBytes is the per-endpoint coded-frame budget enforced by
	// eviction before every accepted append.
	QuotaBytes int64 `yaml:"quota_bytes,omitempty"`
	// EvictExtraBytes is the headroom added to every eviction request.
	EvictExtraBytes int64 `yaml:"evict_extra_bytes,omitempty"`
	// MaxAppendChunkBytes caps how many bytes one deferred append step
	// hands to the demuxer.
	MaxAppendChunkBytes int `yaml:"max_append_chunk_bytes,omitempty"`
}

// PlayerConfig tunes the lifecycle engine.
type PlayerConfig struct {
	// ResumeReplay keeps written buffers cached so a suspend/resume cycle
	// can replay them into the recreated platform player. A pointer so an
	// explicit false in the config file survives the merge; nil means the
	// default (enabled).
	ResumeReplay *bool `yaml:"resume_replay,omitempty"`
}

// ReplayEnabled reports the effective resume-replay setting.
func (p PlayerConfig) ReplayEnabled() bool {
	return p.ResumeReplay == nil || *p.ResumeReplay
}

// IngestConfig configures the SRT append server.
type IngestConfig struct {
	SRTAddr string `yaml:"srt_addr,omitempty"`
}

// LoggingConfig contains log related settings.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Load builds the configuration from three sources, later ones overriding
// earlier ones: built-in defaults, the YAML file named by
// SUBSTRATE_CONFIG_PATH (if it exists), and SUBSTRATE_* environment
// variables.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SUBSTRATE_CONFIG_PATH")
	if path != "" {
		fileCfg, err := loadFromDisk(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if fileCfg != nil {
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging config file: %w", err)
			}
		}
	}

	applyEnvVarOverrides(cfg)
	return cfg, nil
}

func loadFromDisk(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Buffer: BufferConfig{
			QuotaBytes:          24 << 20,
			EvictExtraBytes:     0,
			MaxAppendChunkBytes: 128 * 1024,
		},
		Ingest: IngestConfig{
			SRTAddr: ":6000",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
