package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the persistent application configuration
type Config struct {
	// HTTP listen address for the daemon
	Listen string `json:"listen"`

	// Path to the sqlite database
	DBPath string `json:"db_path"`

	// Pipeline holds the fetch/refresh tunables
	Pipeline PipelineConfig `json:"pipeline"`
}

// PipelineConfig groups the knobs for the ingestion pipeline.
// Durations are stored as integer units so the JSON stays hand-editable.
type PipelineConfig struct {
	FetchTimeoutSec  int `json:"fetch_timeout_sec"`  // per-attempt HTTP timeout
	FetchRetries     int `json:"fetch_retries"`      // retry budget for 5xx/429/transport errors
	BackoffBaseMs    int `json:"backoff_base_ms"`    // first retry delay
	BackoffCapMs     int `json:"backoff_cap_ms"`     // upper bound on a single delay
	BatchSize        int `json:"batch_size"`         // sources refreshed concurrently
	SourceTimeoutSec int `json:"source_timeout_sec"` // budget for one source's full refresh
	GlobalTimeoutSec int `json:"global_timeout_sec"` // budget for one bulk-refresh call
	KeepaliveSec     int `json:"keepalive_sec"`      // SSE heartbeat interval
	IconTimeoutSec   int `json:"icon_timeout_sec"`   // per-request budget for icon lookups
	IconRetries      int `json:"icon_retries"`       // retry budget for icon lookups
	SummaryMaxRunes  int `json:"summary_max_runes"`  // cap on normalized summaries
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen: "127.0.0.1:8843",
		DBPath: filepath.Join(home, ".syndicate", "syndicate.db"),
		Pipeline: PipelineConfig{
			FetchTimeoutSec:  15,
			FetchRetries:     3,
			BackoffBaseMs:    500,
			BackoffCapMs:     10000,
			BatchSize:        5,
			SourceTimeoutSec: 30,
			GlobalTimeoutSec: 300,
			KeepaliveSec:     15,
			IconTimeoutSec:   5,
			IconRetries:      1,
			SummaryMaxRunes:  500,
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".syndicate", "config.json")
}

// Load reads config from disk, or returns defaults.
// Environment variables override whatever the file said.
func Load() (*Config, error) {
	return loadFrom(ConfigPath())
}

func loadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		// A mangled file should not brick the daemon
		cfg = DefaultConfig()
	}
	cfg.applyEnv()
	return cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	path := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// applyEnv fills in overrides from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SYNDICATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SYNDICATE_DB"); v != "" {
		c.DBPath = v
	}
	if n, ok := envInt("SYNDICATE_FETCH_TIMEOUT_SEC"); ok {
		c.Pipeline.FetchTimeoutSec = n
	}
	if n, ok := envInt("SYNDICATE_FETCH_RETRIES"); ok {
		c.Pipeline.FetchRetries = n
	}
	if n, ok := envInt("SYNDICATE_BATCH_SIZE"); ok {
		c.Pipeline.BatchSize = n
	}
	if n, ok := envInt("SYNDICATE_SOURCE_TIMEOUT_SEC"); ok {
		c.Pipeline.SourceTimeoutSec = n
	}
	if n, ok := envInt("SYNDICATE_GLOBAL_TIMEOUT_SEC"); ok {
		c.Pipeline.GlobalTimeoutSec = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Duration accessors so callers don't repeat the unit conversions.

func (p PipelineConfig) FetchTimeout() time.Duration  { return time.Duration(p.FetchTimeoutSec) * time.Second }
func (p PipelineConfig) BackoffBase() time.Duration   { return time.Duration(p.BackoffBaseMs) * time.Millisecond }
func (p PipelineConfig) BackoffCap() time.Duration    { return time.Duration(p.BackoffCapMs) * time.Millisecond }
func (p PipelineConfig) SourceTimeout() time.Duration { return time.Duration(p.SourceTimeoutSec) * time.Second }
func (p PipelineConfig) GlobalTimeout() time.Duration { return time.Duration(p.GlobalTimeoutSec) * time.Second }
func (p PipelineConfig) Keepalive() time.Duration     { return time.Duration(p.KeepaliveSec) * time.Second }
func (p PipelineConfig) IconTimeout() time.Duration   { return time.Duration(p.IconTimeoutSec) * time.Second }
