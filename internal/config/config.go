// Package config loads the viewer's TOML configuration and watches it for
// changes to the replication tunables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/statecast/internal/replica"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the viewer configuration. Flags and environment variables in
// cmd/statecast-viewer take precedence over file values.
type Config struct {
	SourceURL     string
	Addr          string
	LogLevel      string
	MountDir      string
	MirrorDir     string
	CheckpointDSN string
	Replication   Replication
}

// Replication holds the tunables that can be changed on a running viewer.
type Replication struct {
	DrainInterval      time.Duration
	InboxSize          int
	MaxPending         int
	MaxPendingAge      time.Duration
	RequireContiguous  bool
	ResyncOnStaleDrain bool
}

const (
	defaultConfigPath = "~/.config/statecast/viewer.toml"
	defaultSourceURL  = "ws://127.0.0.1:8080/v1/stream"
	defaultAddr       = "127.0.0.1:9090"
	defaultLogLevel   = "info"
)

// Limits converts the tunables for the replication controller.
func (r Replication) Limits() replica.Limits {
	return replica.Limits{
		MaxPending:         r.MaxPending,
		MaxPendingAge:      r.MaxPendingAge,
		RequireContiguous:  r.RequireContiguous,
		ResyncOnStaleDrain: r.ResyncOnStaleDrain,
	}
}

func Defaults() Config {
	return Config{
		SourceURL: defaultSourceURL,
		Addr:      defaultAddr,
		LogLevel:  defaultLogLevel,
		Replication: Replication{
			DrainInterval: replica.DefaultDrainInterval,
			InboxSize:     replica.DefaultInboxSize,
			MaxPending:    replica.DefaultMaxPending,
			MaxPendingAge: replica.DefaultMaxPendingAge,
		},
	}
}

type rawConfig struct {
	SourceURL   string         `toml:"source_url"`
	Addr        string         `toml:"addr"`
	LogLevel    string         `toml:"log_level"`
	MountDir    string         `toml:"mount_dir"`
	MirrorDir   string         `toml:"mirror_dir"`
	Checkpoint  string         `toml:"checkpoint"`
	Replication rawReplication `toml:"replication"`
}

type rawReplication struct {
	DrainInterval      string `toml:"drain_interval"`
	InboxSize          int    `toml:"inbox_size"`
	MaxPending         int    `toml:"max_pending"`
	MaxPendingAge      string `toml:"max_pending_age"`
	RequireContiguous  bool   `toml:"require_contiguous"`
	ResyncOnStaleDrain bool   `toml:"resync_on_stale_drain"`
}

// Load reads the config at path, or the default location when path is
// empty. A missing file yields the defaults.
func Load(path string) (Config, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return Config{}, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML and fills unset fields with defaults.
func Parse(data []byte) (Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Defaults()
	if v := strings.TrimSpace(raw.SourceURL); v != "" {
		cfg.SourceURL = v
	}
	if v := strings.TrimSpace(raw.Addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(raw.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(raw.MountDir); v != "" {
		cfg.MountDir = mustExpand(v)
	}
	if v := strings.TrimSpace(raw.MirrorDir); v != "" {
		cfg.MirrorDir = mustExpand(v)
	}
	cfg.CheckpointDSN = strings.TrimSpace(raw.Checkpoint)

	rep := raw.Replication
	if v := strings.TrimSpace(rep.DrainInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("parse config: invalid replication.drain_interval %q", v)
		}
		cfg.Replication.DrainInterval = d
	}
	if v := strings.TrimSpace(rep.MaxPendingAge); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("parse config: invalid replication.max_pending_age %q", v)
		}
		cfg.Replication.MaxPendingAge = d
	}
	if rep.InboxSize < 0 {
		return Config{}, fmt.Errorf("parse config: replication.inbox_size must not be negative")
	}
	if rep.InboxSize > 0 {
		cfg.Replication.InboxSize = rep.InboxSize
	}
	if rep.MaxPending < 0 {
		return Config{}, fmt.Errorf("parse config: replication.max_pending must not be negative")
	}
	if rep.MaxPending > 0 {
		cfg.Replication.MaxPending = rep.MaxPending
	}
	cfg.Replication.RequireContiguous = rep.RequireContiguous
	cfg.Replication.ResyncOnStaleDrain = rep.ResyncOnStaleDrain
	return cfg, nil
}

// ResolvePath expands ~ and makes path absolute, substituting the default
// location for an empty path.
func ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
