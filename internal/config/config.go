// Package config holds the runtime configuration for the worker fleet.
// Everything is driven by environment variables: workers are stateless
// processes and carry no config files between hosts.
package config

import (
	"errors"
	"time"
)

// Defaults for the tunables recognized via the environment.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultPollInterval      = 5 * time.Second
	DefaultDataDir           = "./data"
	DefaultForensicsDir      = "./logs/forensics"
)

// Config is the resolved runtime configuration for one worker process.
type Config struct {
	DatabaseURL       string
	DataDir           string
	ForensicsDir      string
	MetricsAddr       string // empty disables the ops listener
	UseRawPreviews    bool
	AllowMockDefault  bool
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	PollInterval      time.Duration
}

// ErrNoDatabaseURL is returned when DATABASE_URL is unset. Workers treat this
// as a configuration error: exit non-zero, never degrade.
var ErrNoDatabaseURL = errors.New("DATABASE_URL is not set")

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       ParseString("DATABASE_URL", ""),
		DataDir:           ParseString("MEDIA_SEARCH_DATA_DIR", DefaultDataDir),
		ForensicsDir:      ParseString("MEDIA_SEARCH_FORENSICS_DIR", DefaultForensicsDir),
		MetricsAddr:       ParseString("MEDIA_SEARCH_METRICS_ADDR", ""),
		UseRawPreviews:    ParseBool("MEDIA_SEARCH_USE_RAW_PREVIEWS", true),
		AllowMockDefault:  ParseString("MEDIASEARCH_ALLOW_MOCK_DEFAULT", "") == "1",
		HeartbeatInterval: ParseSeconds("HEARTBEAT_INTERVAL_SEC", DefaultHeartbeatInterval),
		LeaseTTL:          ParseSeconds("LEASE_TTL_SEC", DefaultLeaseTTL),
		PollInterval:      ParseSeconds("POLL_INTERVAL_SEC", DefaultPollInterval),
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrNoDatabaseURL
	}
	return cfg, nil
}
