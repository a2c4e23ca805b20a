// Package scaffold runs project templates and reports their progress as a
// stream of frame events.
package scaffold

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modoterra/switchyard/pkg/frame"
)

// Templates maps a template name to the command it runs. Only these
// commands can be started through the runner.
var Templates = map[string][]string{
	"agentic-starter": {"npx", "create-agentic-app@latest", ".", "-y", "-p", "npm", "--skip-git"},
}

// Directories that may never be a scaffold target. Entries ending in "/" also
// block everything below them.
var blockedDirs = []string{
	"/", "/home", "/root", "/var", "/tmp",
	"/bin/", "/boot/", "/dev/", "/etc/", "/lib/", "/lib64/",
	"/proc/", "/sbin/", "/sys/", "/usr/",
}

// Request selects a template and the directory to run it in.
type Request struct {
	Template   string `json:"template"`
	TargetPath string `json:"target_path"`
}

// Runner starts template commands.
type Runner struct {
	templates map[string][]string
	lookPath  func(string) (string, error)
	logger    *slog.Logger
}

// NewRunner returns a runner over Templates.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		templates: Templates,
		lookPath:  exec.LookPath,
		logger:    logger,
	}
}

// Run executes the requested template and reports through emit: one Output
// per line of merged stdout and stderr, then Complete. Problems that stop
// the run from starting are reported as a single Error event, as is output
// that cannot be read. When emit fails or ctx is cancelled the process group
// is terminated. The returned error is
// the first emit failure, if any.
func (r *Runner) Run(ctx context.Context, req Request, emit func(frame.Event) error) error {
	argv, dir, msg := r.prepare(req)
	if msg != "" {
		return emit(frame.Error{Message: msg})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	pr, pw, err := os.Pipe()
	if err != nil {
		return emit(frame.Error{Message: err.Error()})
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return emit(frame.Error{Message: err.Error()})
	}
	pw.Close()
	r.logger.Info("scaffold started", "pid", cmd.Process.Pid, "template", req.Template, "path", dir)

	var emitErr error
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if err := emit(frame.Output{Line: line}); err != nil {
			r.logger.Info("client went away, terminating scaffold", "template", req.Template)
			emitErr = err
			cancel()
			break
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil && emitErr == nil {
		cancel()
	}
	pr.Close()

	waitErr := cmd.Wait()
	if emitErr != nil {
		return emitErr
	}
	if scanErr != nil {
		r.logger.Error("scaffold output", "template", req.Template, "err", scanErr)
		return emit(frame.Error{Message: "read output: " + scanErr.Error()})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			r.logger.Error("scaffold wait", "err", waitErr)
			return emit(frame.Error{Message: waitErr.Error()})
		}
		code = exitErr.ExitCode()
	}
	r.logger.Info("scaffold completed", "exit_code", code, "template", req.Template)
	return emit(frame.Complete{Success: code == 0, ExitCode: code})
}

// prepare validates req and returns the command line and working directory,
// or a user-facing message explaining why the run cannot start.
func (r *Runner) prepare(req Request) ([]string, string, string) {
	tmpl, ok := r.templates[req.Template]
	if !ok || len(tmpl) == 0 {
		return nil, "", "Unknown template: " + req.Template
	}

	if strings.TrimSpace(req.TargetPath) == "" {
		return nil, "", "Invalid path: empty"
	}
	dir, err := filepath.Abs(req.TargetPath)
	if err != nil {
		return nil, "", fmt.Sprintf("Invalid path: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	if Blocked(dir) {
		return nil, "", "Access to this directory is not allowed"
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, "", "Target directory does not exist"
	}

	if _, err := r.lookPath(tmpl[0]); err != nil {
		return nil, "", tmpl[0] + " is not available. Please install Node.js."
	}

	argv := make([]string, len(tmpl))
	copy(argv, tmpl)
	return argv, dir, ""
}

// Blocked reports whether dir is a system directory that must not be used
// as a scaffold target. dir must be absolute and clean.
func Blocked(dir string) bool {
	for _, b := range blockedDirs {
		if strings.HasSuffix(b, "/") && b != "/" {
			root := strings.TrimSuffix(b, "/")
			if dir == root || strings.HasPrefix(dir, b) {
				return true
			}
			continue
		}
		if dir == b {
			return true
		}
	}
	return false
}
