// Package config reads switchyardd settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. SWITCHYARD_SOCKET.
const Prefix = "SWITCHYARD"

type Settings struct {
	SocketPath   string        `envconfig:"SOCKET" default:"/tmp/switchyard.sock"`
	HTTPAddr     string        `envconfig:"HTTP_ADDR" default:"127.0.0.1:8765"`
	Manifest     string        `envconfig:"MANIFEST" default:"switchyard.yaml"`
	MaxLines     int           `envconfig:"MAX_LINES" default:"5000"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.MaxLines < 0 {
		return Settings{}, fmt.Errorf("load config: %s_MAX_LINES must not be negative", Prefix)
	}
	if s.PollInterval <= 0 {
		return Settings{}, fmt.Errorf("load config: %s_POLL_INTERVAL must be positive", Prefix)
	}
	return s, nil
}

// Level maps LogLevel to a slog level. Unknown values fall back to info.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
