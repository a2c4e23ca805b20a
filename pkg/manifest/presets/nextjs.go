package presets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/manifest"
)

// Options tunes the generated manifest.
type Options struct {
	// AgentCommand runs the coding agent. Empty leaves the agent log to be
	// fed by `switchyard pipe agent` or an agent log file.
	AgentCommand string
	// AgentLog is tailed into the agent log when set.
	AgentLog string
}

// GenerateNextJS creates a manifest for a Node/Next.js project at root.
func GenerateNextJS(root string, opts Options) (*manifest.Manifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	if _, err := os.Stat(filepath.Join(absRoot, "package.json")); err != nil {
		return nil, fmt.Errorf("%s does not appear to be a Node project (no package.json)", absRoot)
	}

	project := projectName(filepath.Base(absRoot))
	m := &manifest.Manifest{
		Version: 1,
		Project: project,
		Root:    absRoot,
	}

	// A systemd user or system unit named after the project wins over a
	// supervised dev server.
	if unit := project + "-dev.service"; unitExists(unit) {
		m.DevServer = &manifest.Process{Kind: string(core.KindSystemd), Unit: unit}
	} else {
		m.DevServer = &manifest.Process{
			Kind:    string(core.KindExec),
			Command: devCommand(absRoot),
			Dir:     absRoot,
			Restart: string(core.RestartAlways),
		}
	}

	switch {
	case opts.AgentCommand != "":
		m.Agent = &manifest.Process{
			Kind:    string(core.KindExec),
			Command: opts.AgentCommand,
			Dir:     absRoot,
			Restart: string(core.RestartNever),
		}
		if opts.AgentLog != "" {
			m.Agent.Tail = []string{opts.AgentLog}
		}
	case opts.AgentLog != "":
		m.Agent = &manifest.Process{Kind: string(core.KindTail), Tail: []string{opts.AgentLog}}
	}

	return m, nil
}

// devCommand picks the package manager from the lockfile present in root.
func devCommand(root string) string {
	lockfiles := []struct {
		file, cmd string
	}{
		{"pnpm-lock.yaml", "pnpm dev"},
		{"yarn.lock", "yarn dev"},
		{"bun.lockb", "bun run dev"},
		{"bun.lock", "bun run dev"},
	}
	for _, l := range lockfiles {
		if _, err := os.Stat(filepath.Join(root, l.file)); err == nil {
			return l.cmd
		}
	}
	return "npm run dev"
}

// projectName maps a directory name onto the allowed project name alphabet.
func projectName(base string) string {
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() == 50 {
			break
		}
	}
	if b.Len() == 0 {
		return "project"
	}
	return b.String()
}

// unitExists checks if a systemd unit file is installed.
func unitExists(unit string) bool {
	paths := []string{
		"/etc/systemd/system/" + unit,
		"/lib/systemd/system/" + unit,
		"/usr/lib/systemd/system/" + unit,
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "systemd", "user", unit))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
