package journald

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/modoterra/switchyard/pkg/core"
)

// Provider streams the journal of systemd units into project logs.
type Provider struct {
	units  map[string]string // process id -> unit
	subs   map[string]*subscription
	mu     sync.Mutex
	logger *slog.Logger

	// command builds the follower process for a unit.
	command func(ctx context.Context, unit string) *exec.Cmd
}

type subscription struct {
	cancel context.CancelFunc
	ch     chan core.LogLine
}

// New creates a new journald log provider.
func New(logger *slog.Logger) *Provider {
	return &Provider{
		units:   make(map[string]string),
		subs:    make(map[string]*subscription),
		logger:  logger,
		command: journalctl,
	}
}

func journalctl(ctx context.Context, unit string) *exec.Cmd {
	return exec.CommandContext(ctx, "journalctl", "-f", "-u", unit, "-o", "cat", "-n", "50")
}

// Add maps a process to the unit whose journal feeds it.
func (p *Provider) Add(processID, unit string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units[processID] = unit
}

// Subscribe starts following the journal of the unit registered for
// processID. Lines are delivered in journal order; a slow reader holds the
// follower back instead of losing lines.
func (p *Provider) Subscribe(ctx context.Context, processID string) (<-chan core.LogLine, error) {
	_, _, source, err := core.ParseProcessID(processID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	unit, ok := p.units[processID]
	if !ok {
		return nil, fmt.Errorf("no unit registered for %q", processID)
	}
	if sub, ok := p.subs[processID]; ok {
		return sub.ch, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan core.LogLine, 100)

	cmd := p.command(subCtx, unit)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("journalctl pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("journalctl start: %w", err)
	}

	sub := &subscription{cancel: cancel, ch: ch}
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := core.NewLogLine(source, strings.TrimRight(scanner.Text(), "\r"))
			select {
			case ch <- line:
			case <-subCtx.Done():
			}
			if subCtx.Err() != nil {
				break
			}
		}
		_ = cmd.Wait()
		p.mu.Lock()
		if p.subs[processID] == sub {
			delete(p.subs, processID)
		}
		p.mu.Unlock()
	}()

	p.subs[processID] = sub
	p.logger.Info("subscribed to journal", "unit", unit, "source", source)
	return ch, nil
}

// Unsubscribe stops following the journal for the given process.
func (p *Provider) Unsubscribe(processID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[processID]
	if !ok {
		return nil
	}
	sub.cancel()
	delete(p.subs, processID)
	return nil
}
