package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// config holds the chat client configuration.
type config struct {
	Origin string
	DBPath string

	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	MaxReconnectDelay    time.Duration
	KeepaliveInterval    time.Duration
}

func defaultClientConfig() config {
	return config{
		Origin: "http://localhost:8000",
		DBPath: "data/chat.db",
	}
}

type fileConfig struct {
	Origin               string `toml:"origin"`
	DBPath               string `toml:"db_path"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectBase        string `toml:"reconnect_base"`
	MaxReconnectDelay    string `toml:"max_reconnect_delay"`
	KeepaliveInterval    string `toml:"keepalive_interval"`
}

// loadClientConfig reads a TOML config file and overlays it on the
// defaults. Only keys present in the file override.
func loadClientConfig(path string) (config, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load chat config: %w", err)
	}

	if meta.IsDefined("origin") {
		origin := strings.TrimSpace(raw.Origin)
		if origin != "" {
			cfg.Origin = origin
		}
	}

	if meta.IsDefined("db_path") {
		dbPath := strings.TrimSpace(raw.DBPath)
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
	}

	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}

	if meta.IsDefined("reconnect_base") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectBase))
		if err != nil {
			return config{}, fmt.Errorf("parse reconnect_base: %w", err)
		}
		cfg.ReconnectBase = d
	}

	if meta.IsDefined("max_reconnect_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MaxReconnectDelay))
		if err != nil {
			return config{}, fmt.Errorf("parse max_reconnect_delay: %w", err)
		}
		cfg.MaxReconnectDelay = d
	}

	if meta.IsDefined("keepalive_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KeepaliveInterval))
		if err != nil {
			return config{}, fmt.Errorf("parse keepalive_interval: %w", err)
		}
		cfg.KeepaliveInterval = d
	}

	return cfg, nil
}
