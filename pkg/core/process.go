package core

import (
	"fmt"
	"strings"
)

// Kind represents how a producer process is run.
type Kind string

const (
	KindExec    Kind = "exec"
	KindSystemd Kind = "systemd"
	KindTail    Kind = "tail"
)

// Status represents the current state of a process.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
	StatusRestarting Status = "restarting"
)

// RestartPolicy defines how a supervised process should be restarted.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// Well-known log sources.
const (
	SourceAgent     = "agent"
	SourceDevServer = "devserver"
	SourceAPICalls  = "apicalls"
)

// terminalPrefix prefixes the log name owned by a terminal session.
const terminalPrefix = "terminal:"

// TerminalLog returns the log name for a terminal session.
func TerminalLog(sessionID string) string {
	return terminalPrefix + sessionID
}

// TerminalSessionID returns the session id for a terminal log name.
func TerminalSessionID(logName string) (string, bool) {
	if !strings.HasPrefix(logName, terminalPrefix) || len(logName) == len(terminalPrefix) {
		return "", false
	}
	return strings.TrimPrefix(logName, terminalPrefix), true
}

// Process is a producer process feeding one log source of a project.
type Process struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Project   string            `json:"project"`
	Source    string            `json:"source"`
	Status    Status            `json:"status"`
	PID       int               `json:"pid,omitempty"`
	UptimeSec uint64            `json:"uptime_sec"`
	MemBytes  uint64            `json:"mem_bytes,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// ProcessID constructs a process ID from its components.
// Format: kind:project:source
func ProcessID(kind Kind, project, source string) string {
	return fmt.Sprintf("%s:%s:%s", kind, project, source)
}

// ParseProcessID splits a process ID into kind, project, and source.
func ParseProcessID(id string) (kind Kind, project, source string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid process ID %q: expected kind:project:source", id)
	}
	return Kind(parts[0]), parts[1], parts[2], nil
}
