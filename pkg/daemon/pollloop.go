package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

// PollLoop refreshes all providers every interval and emits delta events.
type PollLoop struct {
	daemon   *Daemon
	interval time.Duration
	logger   *slog.Logger
}

// NewPollLoop creates a poll loop for the given daemon.
func NewPollLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *PollLoop {
	return &PollLoop{daemon: d, interval: interval, logger: logger}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (pl *PollLoop) Run(ctx context.Context) {
	pl.tick(ctx)

	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick(ctx)
		}
	}
}

func (pl *PollLoop) tick(ctx context.Context) {
	current := make(map[string]core.Process)

	for _, p := range pl.daemon.providers {
		procs, err := p.List(ctx)
		if err != nil {
			pl.logger.Error("provider list error", "provider", p.Name(), "err", err)
			continue
		}
		for _, proc := range procs {
			current[proc.ID] = proc
		}
	}

	pl.daemon.mu.Lock()
	previous := pl.daemon.processes
	pl.daemon.processes = current
	pl.daemon.mu.Unlock()

	delta := computeDelta(previous, current)
	for _, procs := range [][]core.Process{delta.Added, delta.Updated} {
		for _, proc := range procs {
			pl.daemon.project.PublishProcess(proc)
		}
	}
	if delta.HasChanges() {
		evt, err := uds.NewEvent(uds.EventProcessesDelta, delta)
		if err == nil {
			pl.daemon.Server().Broadcast(evt)
		}
	}
}

func computeDelta(old, cur map[string]core.Process) uds.ProcessesDelta {
	var d uds.ProcessesDelta

	for id, p := range cur {
		prev, existed := old[id]
		if !existed {
			d.Added = append(d.Added, p)
		} else if processChanged(prev, p) {
			d.Updated = append(d.Updated, p)
		}
	}

	for id := range old {
		if _, exists := cur[id]; !exists {
			d.Removed = append(d.Removed, id)
		}
	}

	return d
}

// processChanged ignores uptime, which moves on every poll.
func processChanged(a, b core.Process) bool {
	return a.Status != b.Status ||
		a.PID != b.PID ||
		a.MemBytes != b.MemBytes
}
