package config

import (
	"os"
	"strconv"
)

type envVar struct {
	name  string
	desc  string
	apply func(*Config, string)
}

var supportedEnvVars = []envVar{
	{
		// Only here for documentation purposes. Handled prior to loading
		// the config, since it points at where the config is loaded from.
		name:  "SUBSTRATE_CONFIG_PATH",
		desc:  "Sets the path to the config file.  Default: none",
		apply: func(c *Config, s string) {},
	},
	{
		name: "SUBSTRATE_BUFFER_QUOTA_BYTES",
		desc: "Per-endpoint coded-frame byte budget.  Default: 25165824",
		apply: func(c *Config, s string) {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
				c.Buffer.QuotaBytes = v
			}
		},
	},
	{
		name: "SUBSTRATE_BUFFER_EVICT_EXTRA_BYTES",
		desc: "Extra headroom requested on every eviction.  Default: 0",
		apply: func(c *Config, s string) {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil && v >= 0 {
				c.Buffer.EvictExtraBytes = v
			}
		},
	},
	{
		name: "SUBSTRATE_BUFFER_MAX_APPEND_CHUNK_BYTES",
		desc: "Per-step append write ceiling.  Default: 131072",
		apply: func(c *Config, s string) {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				c.Buffer.MaxAppendChunkBytes = v
			}
		},
	},
	{
		name: "SUBSTRATE_PLAYER_RESUME_REPLAY",
		desc: "Cache written buffers for suspend/resume replay.  Default: true",
		apply: func(c *Config, s string) {
			if v, err := strconv.ParseBool(s); err == nil {
				c.Player.ResumeReplay = &v
			}
		},
	},
	{
		name:  "SUBSTRATE_INGEST_SRT_ADDR",
		desc:  "SRT append server listen address.  Default: :6000",
		apply: func(c *Config, s string) { c.Ingest.SRTAddr = s },
	},
	{
		name:  "SUBSTRATE_LOGGING_LEVEL",
		desc:  "Logging level.  One of: debug, info, warn, error.  Default: info",
		apply: func(c *Config, s string) { c.Logging.Level = s },
	},
}

func applyEnvVarOverrides(c *Config) {
	for _, envVar := range supportedEnvVars {
		if value := os.Getenv(envVar.name); value != "" {
			envVar.apply(c, value)
		}
	}
}
