package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.SocketPath != "/tmp/switchyard.sock" || s.MaxLines != 5000 || s.PollInterval != time.Second {
		t.Errorf("defaults: %+v", s)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SWITCHYARD_SOCKET", "/run/sy.sock")
	t.Setenv("SWITCHYARD_MAX_LINES", "0")
	t.Setenv("SWITCHYARD_POLL_INTERVAL", "250ms")
	t.Setenv("SWITCHYARD_LOG_LEVEL", "DEBUG")

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.SocketPath != "/run/sy.sock" || s.MaxLines != 0 || s.PollInterval != 250*time.Millisecond {
		t.Errorf("settings: %+v", s)
	}
	if s.Level() != slog.LevelDebug {
		t.Errorf("level: %v", s.Level())
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SWITCHYARD_MAX_LINES", "-1"},
		{"SWITCHYARD_MAX_LINES", "lots"},
		{"SWITCHYARD_POLL_INTERVAL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
