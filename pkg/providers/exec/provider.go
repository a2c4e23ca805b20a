package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/daemon"
	"github.com/modoterra/switchyard/pkg/providers/procfs"
)

// Provider reports and controls exec-type sources via the process supervisor.
type Provider struct {
	supervisor *daemon.Supervisor
	project    string
	mem        procfs.Reader
	logger     *slog.Logger
}

// New creates an exec provider backed by the given supervisor. Every process
// registered with the supervisor is reported as a source of project.
func New(supervisor *daemon.Supervisor, project string, logger *slog.Logger) *Provider {
	return &Provider{
		supervisor: supervisor,
		project:    project,
		mem:        procfs.Default,
		logger:     logger,
	}
}

// AddProcess registers a source's command with the supervisor.
func (p *Provider) AddProcess(source string, spec daemon.ProcessSpec) {
	p.supervisor.Register(source, spec)
}

func (p *Provider) Name() string { return string(core.KindExec) }

func (p *Provider) List(_ context.Context) ([]core.Process, error) {
	names := p.supervisor.Names()
	procs := make([]core.Process, 0, len(names))
	for _, source := range names {
		status, pid, startedAt := p.supervisor.Status(source)
		proc := core.Process{
			ID:      core.ProcessID(core.KindExec, p.project, source),
			Kind:    core.KindExec,
			Project: p.project,
			Source:  source,
			Status:  status,
			PID:     pid,
		}
		if !startedAt.IsZero() && status == core.StatusRunning {
			proc.UptimeSec = uint64(time.Since(startedAt).Seconds())
		}
		// Supervised commands lead their own process group.
		if pid > 0 {
			if rss, err := p.mem.GroupRSS(pid); err == nil {
				proc.MemBytes = rss
			}
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

func (p *Provider) Action(_ context.Context, processID string, action string) error {
	_, project, source, err := core.ParseProcessID(processID)
	if err != nil {
		return err
	}
	if project != p.project {
		return fmt.Errorf("process %q belongs to another project", processID)
	}

	p.logger.Info("exec action", "source", source, "action", action)
	switch action {
	case "start":
		return p.supervisor.Start(source)
	case "stop":
		return p.supervisor.Stop(source)
	case "restart":
		return p.supervisor.Restart(source)
	default:
		return fmt.Errorf("unsupported action %q for exec process", action)
	}
}
