// Package service manages the switchyardd systemd user service unit of a
// project.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Options describe the daemon a unit runs.
type Options struct {
	Project  string // unit instance name
	Manifest string // absolute manifest path
	Socket   string
	HTTPAddr string
}

// UnitName returns the unit name for a project's daemon.
func UnitName(project string) string {
	return "switchyardd-" + project + ".service"
}

// UnitContents returns the systemd unit file contents for the given binary path.
func UnitContents(binaryPath string, opts Options) string {
	var env strings.Builder
	fmt.Fprintf(&env, "Environment=SWITCHYARD_MANIFEST=%s\n", opts.Manifest)
	if opts.Socket != "" {
		fmt.Fprintf(&env, "Environment=SWITCHYARD_SOCKET=%s\n", opts.Socket)
	}
	if opts.HTTPAddr != "" {
		fmt.Fprintf(&env, "Environment=SWITCHYARD_HTTP_ADDR=%s\n", opts.HTTPAddr)
	}

	return fmt.Sprintf(`[Unit]
Description=switchyard daemon for %s
Documentation=https://github.com/modoterra/switchyard

[Service]
Type=simple
ExecStart=%s
WorkingDirectory=%s
%sRestart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, opts.Project, binaryPath, filepath.Dir(opts.Manifest), env.String())
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath(project string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", UnitName(project)), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(opts Options) error {
	binaryPath, err := exec.LookPath("switchyardd")
	if err != nil {
		return fmt.Errorf("switchyardd not found in PATH: %w", err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve switchyardd path: %w", err)
	}
	if opts.Manifest, err = filepath.Abs(opts.Manifest); err != nil {
		return fmt.Errorf("cannot resolve manifest path: %w", err)
	}

	unitPath, err := UnitPath(opts.Project)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}

	contents := UnitContents(binaryPath, opts)
	if err := os.WriteFile(unitPath, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName(opts.Project))
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall(project string) error {
	// Best-effort stop and disable; ignore errors if not running.
	_ = systemctl("stop", UnitName(project))
	_ = systemctl("disable", UnitName(project))

	unitPath, err := UnitPath(project)
	if err != nil {
		return err
	}

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}

	return systemctl("daemon-reload")
}

// Status returns a human-readable status string.
func Status(project, socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath(project)
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			out, runErr := exec.Command("systemctl", "--user", "is-active", UnitName(project)).Output()
			state := strings.TrimSpace(string(out))
			if runErr != nil && state == "" {
				state = "unknown"
			}
			lines = append(lines, "systemd user service: "+state)
		} else {
			lines = append(lines, "systemd user service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
