package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
)

// LineSink receives every output line of a supervised process, stdout and
// stderr merged in the order the process wrote them.
type LineSink func(name string, line core.LogLine)

// ProcessSpec describes how to run a supervised process.
type ProcessSpec struct {
	Command string
	Dir     string
	Env     map[string]string
	Restart core.RestartPolicy
}

// SupervisedProcess tracks a running child process.
type SupervisedProcess struct {
	Name string
	Spec ProcessSpec

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	exited    chan struct{}
	status    core.Status
	pid       int
	startedAt time.Time
	failures  int
	stopping  bool
	removed   bool
}

// Supervisor manages the lifecycle of exec processes.
type Supervisor struct {
	processes map[string]*SupervisedProcess
	mu        sync.RWMutex
	sink      LineSink
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSupervisor creates a new process supervisor. Output lines go to sink.
func NewSupervisor(ctx context.Context, sink LineSink, logger *slog.Logger) *Supervisor {
	sctx, cancel := context.WithCancel(ctx)
	if sink == nil {
		sink = func(string, core.LogLine) {}
	}
	return &Supervisor{
		processes: make(map[string]*SupervisedProcess),
		sink:      sink,
		logger:    logger,
		ctx:       sctx,
		cancel:    cancel,
	}
}

// Register adds a process to be supervised but doesn't start it yet.
// Registering an existing name replaces its spec; the new spec applies from
// the next start.
func (s *Supervisor) Register(name string, spec ProcessSpec) {
	if spec.Restart == "" {
		spec.Restart = core.RestartOnFailure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.processes[name]; ok {
		p.mu.Lock()
		p.Spec = spec
		p.mu.Unlock()
		return
	}
	s.processes[name] = &SupervisedProcess{
		Name:   name,
		Spec:   spec,
		status: core.StatusStopped,
	}
}

// Unregister stops a process and forgets it.
func (s *Supervisor) Unregister(name string) error {
	s.mu.Lock()
	p, ok := s.processes[name]
	delete(s.processes, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown process: %s", name)
	}
	p.mu.Lock()
	p.removed = true
	p.mu.Unlock()
	return s.stopProcess(p)
}

// Names returns the registered process names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.processes))
	for name := range s.processes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Supervisor) lookup(name string) (*SupervisedProcess, error) {
	s.mu.RLock()
	p, ok := s.processes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown process: %s", name)
	}
	return p, nil
}

// Start starts a registered process.
func (s *Supervisor) Start(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.startProcess(p)
}

// Stop stops a running process. A stopped process is not restarted until
// it is started again.
func (s *Supervisor) Stop(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.stopProcess(p)
}

// Restart stops and restarts a process.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		s.logger.Warn("stop before restart", "name", name, "err", err)
	}
	return s.Start(name)
}

// StartAll starts all registered processes.
func (s *Supervisor) StartAll() {
	for _, name := range s.Names() {
		if err := s.Start(name); err != nil {
			s.logger.Error("start process", "name", name, "err", err)
		}
	}
}

// StopAll terminates all processes and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	procs := make([]*SupervisedProcess, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *SupervisedProcess) {
			defer wg.Done()
			s.stopProcess(p)
		}(p)
	}
	wg.Wait()
	s.cancel()
}

// Status returns the current status of a process.
func (s *Supervisor) Status(name string) (core.Status, int, time.Time) {
	p, err := s.lookup(name)
	if err != nil {
		return core.StatusUnknown, 0, time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.pid, p.startedAt
}

func (s *Supervisor) startProcess(p *SupervisedProcess) error {
	p.mu.Lock()
	if p.status == core.StatusRunning {
		p.mu.Unlock()
		return nil
	}
	p.stopping = false
	p.failures = 0
	p.mu.Unlock()

	return s.spawn(p)
}

func (s *Supervisor) spawn(p *SupervisedProcess) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping || p.removed || p.status == core.StatusRunning {
		return nil
	}
	if p.Spec.Command == "" {
		return fmt.Errorf("empty command")
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.Spec.Command)
	cmd.Dir = p.Spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	cmd.Env = os.Environ()
	for k, v := range p.Spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// One pipe for both streams keeps the process's own write order.
	pr, pw, err := os.Pipe()
	if err != nil {
		cancel()
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		cancel()
		pr.Close()
		pw.Close()
		p.status = core.StatusFailed
		return fmt.Errorf("start %q: %w", p.Spec.Command, err)
	}
	pw.Close()

	p.cmd = cmd
	p.cancel = cancel
	p.exited = make(chan struct{})
	p.pid = cmd.Process.Pid
	p.status = core.StatusRunning
	p.startedAt = time.Now()

	s.logger.Info("process started", "name", p.Name, "pid", p.pid, "command", p.Spec.Command)

	output := make(chan struct{})
	go func() {
		defer close(output)
		defer pr.Close()
		scanLines(pr, func(line string) { s.sink(p.Name, core.NewLogLine(p.Name, line)) })
	}()

	go s.waitAndRestart(p, cmd, cancel, pr, output, p.exited)

	return nil
}

func (s *Supervisor) waitAndRestart(p *SupervisedProcess, cmd *exec.Cmd, cancel context.CancelFunc, pr *os.File, output, exited chan struct{}) {
	err := cmd.Wait()
	cancel()

	// A grandchild may still hold the pipe; stop reading after a grace period.
	select {
	case <-output:
	case <-time.After(2 * time.Second):
		pr.Close()
		<-output
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.pid = 0
	stopping := p.stopping || p.removed || s.ctx.Err() != nil
	switch {
	case stopping, exitCode == 0:
		p.status = core.StatusStopped
	default:
		p.status = core.StatusFailed
	}
	p.failures++
	failures := p.failures
	restart := p.Spec.Restart
	close(exited)
	p.mu.Unlock()

	if stopping {
		return
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.logger.Warn("process wait", "name", p.Name, "err", err)
	}
	s.logger.Info("process exited", "name", p.Name, "exit_code", exitCode)

	shouldRestart := false
	switch restart {
	case core.RestartAlways:
		shouldRestart = true
	case core.RestartOnFailure:
		shouldRestart = exitCode != 0
	case core.RestartNever:
		shouldRestart = false
	}
	if !shouldRestart {
		return
	}

	delay := backoff(failures)
	s.logger.Info("restarting process", "name", p.Name, "delay", delay, "attempt", failures)

	p.mu.Lock()
	p.status = core.StatusRestarting
	p.mu.Unlock()

	select {
	case <-time.After(delay):
		if err := s.spawn(p); err != nil {
			s.logger.Error("restart failed", "name", p.Name, "err", err)
		}
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) stopProcess(p *SupervisedProcess) error {
	p.mu.Lock()
	p.stopping = true
	if p.status == core.StatusRestarting {
		p.status = core.StatusStopped
	}
	if p.status != core.StatusRunning || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	pid := p.cmd.Process.Pid
	exited := p.exited
	p.mu.Unlock()

	// Send SIGTERM to the process group
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		syscall.Kill(-pid, syscall.SIGKILL)
		<-exited
	}
	return nil
}

// backoff returns exponential backoff delay: 1s, 2s, 4s, 8s, 16s, 30s max.
func backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 6 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(failures-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// scanLines reads lines from an io.Reader and calls fn for each.
func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(strings.TrimRight(scanner.Text(), "\r"))
	}
}
