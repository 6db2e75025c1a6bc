package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/md-rashed-zaman/apptsync/libs/config"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
)

// fileConfig mirrors the optional AGENT_CONFIG_FILE. Durations are Go duration strings.
type fileConfig struct {
	Port       string          `toml:"port"`
	BusinessID string          `toml:"business_id"`
	BackendURL string          `toml:"backend_url"`
	DBPath     string          `toml:"db_path"`
	Policy     string          `toml:"connectivity_policy"`
	Sync       fileSyncSection `toml:"sync"`
	Probe      fileProbe       `toml:"probe"`
	Realtime   fileRealtime    `toml:"realtime"`
}

type fileSyncSection struct {
	ApplyTimeout  string `toml:"apply_timeout"`
	MaxAttempts   int    `toml:"max_attempts"`
	RetryInterval string `toml:"retry_interval"`
}

type fileProbe struct {
	Interval string `toml:"interval"`
	Timeout  string `toml:"timeout"`
}

type fileRealtime struct {
	Enabled   *bool  `toml:"enabled"`
	Heartbeat string `toml:"heartbeat"`
}

type agentConfig struct {
	Port          string
	BusinessID    string
	BackendURL    string
	DBPath        string
	Policy        connectivity.Policy
	ApplyTimeout  time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Realtime      bool
	Heartbeat     time.Duration
}

func readFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if strings.TrimSpace(path) == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fc, nil
		}
		return fc, fmt.Errorf("read agent config: %w", err)
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse agent config: %w", err)
	}
	return fc, nil
}

// loadConfig layers defaults, then the TOML file, then the environment.
func loadConfig() (agentConfig, error) {
	fc, err := readFileConfig(config.String("AGENT_CONFIG_FILE", ""))
	if err != nil {
		return agentConfig{}, err
	}

	var cfg agentConfig
	if cfg.Port, err = config.Port("PORT", orDefault(fc.Port, "8090")); err != nil {
		return cfg, err
	}
	cfg.BusinessID = config.String("BUSINESS_ID", fc.BusinessID)
	if cfg.BusinessID == "" {
		return cfg, errors.New("BUSINESS_ID is required")
	}
	cfg.BackendURL = strings.TrimRight(config.String("BACKEND_URL", orDefault(fc.BackendURL, "http://localhost:8084")), "/")
	cfg.DBPath = config.String("AGENT_DB_PATH", orDefault(fc.DBPath, "apptsync-agent.db"))

	switch p := strings.ToLower(config.String("CONNECTIVITY_POLICY", orDefault(fc.Policy, "all"))); p {
	case "all":
		cfg.Policy = connectivity.RequireAll
	case "any":
		cfg.Policy = connectivity.RequireAny
	default:
		return cfg, fmt.Errorf("CONNECTIVITY_POLICY must be all or any (got %q)", p)
	}

	durations := []struct {
		env      string
		file     string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SYNC_APPLY_TIMEOUT", fc.Sync.ApplyTimeout, 10 * time.Second, &cfg.ApplyTimeout},
		{"SYNC_RETRY_INTERVAL", fc.Sync.RetryInterval, 30 * time.Second, &cfg.RetryInterval},
		{"PROBE_INTERVAL", fc.Probe.Interval, 15 * time.Second, &cfg.ProbeInterval},
		{"PROBE_TIMEOUT", fc.Probe.Timeout, 3 * time.Second, &cfg.ProbeTimeout},
		{"REALTIME_HEARTBEAT", fc.Realtime.Heartbeat, 25 * time.Second, &cfg.Heartbeat},
	}
	for _, d := range durations {
		fallback := d.fallback
		if d.file != "" {
			parsed, err := time.ParseDuration(d.file)
			if err != nil || parsed <= 0 {
				return cfg, fmt.Errorf("agent config: invalid duration %q for %s", d.file, strings.ToLower(d.env))
			}
			fallback = parsed
		}
		if *d.dst, err = config.Duration(d.env, fallback); err != nil {
			return cfg, err
		}
	}

	attempts := 5
	if fc.Sync.MaxAttempts > 0 {
		attempts = fc.Sync.MaxAttempts
	}
	if cfg.MaxAttempts, err = config.Int("SYNC_MAX_ATTEMPTS", attempts); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New("SYNC_MAX_ATTEMPTS must be at least 1 (got " + strconv.Itoa(cfg.MaxAttempts) + ")")
	}

	realtime := true
	if fc.Realtime.Enabled != nil {
		realtime = *fc.Realtime.Enabled
	}
	cfg.Realtime = config.Bool("REALTIME_ENABLED", realtime)
	return cfg, nil
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
