package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/modoterra/switchyard/pkg/core"
)

// Provider manages the systemd units that run project sources, via D-Bus.
type Provider struct {
	project string
	units   map[string]string // source -> unit name
	logger  *slog.Logger
}

// New creates a systemd provider. units maps each source name to the unit
// running it.
func New(project string, units map[string]string, logger *slog.Logger) *Provider {
	return &Provider{project: project, units: units, logger: logger}
}

func (p *Provider) Name() string { return string(core.KindSystemd) }

// sources returns the source names in a stable order.
func (p *Provider) sources() []string {
	out := make([]string, 0, len(p.units))
	for s := range p.units {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (p *Provider) unitFor(processID string) (string, error) {
	_, project, source, err := core.ParseProcessID(processID)
	if err != nil {
		return "", err
	}
	unit, ok := p.units[source]
	if project != p.project || !ok {
		return "", fmt.Errorf("no systemd unit for %q", processID)
	}
	return unit, nil
}

func (p *Provider) List(ctx context.Context) ([]core.Process, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	sources := p.sources()
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = p.units[s]
	}
	units, err := conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	byName := make(map[string]dbus.UnitStatus, len(units))
	for _, u := range units {
		byName[u.Name] = u
	}

	procs := make([]core.Process, 0, len(sources))
	for _, source := range sources {
		u := byName[p.units[source]]
		proc := core.Process{
			ID:      core.ProcessID(core.KindSystemd, p.project, source),
			Kind:    core.KindSystemd,
			Project: p.project,
			Source:  source,
			Status:  mapStatus(u.ActiveState, u.SubState),
			Detail: map[string]string{
				"unit":        p.units[source],
				"activeState": u.ActiveState,
				"subState":    u.SubState,
				"loadState":   u.LoadState,
			},
		}
		if u.ActiveState == "active" {
			props, err := conn.GetUnitTypePropertiesContext(ctx, u.Name, "Service")
			if err == nil {
				if pid, ok := props["MainPID"].(uint32); ok && pid > 0 {
					proc.PID = int(pid)
				}
				if mem, ok := props["MemoryCurrent"].(uint64); ok {
					proc.MemBytes = mem
				}
			}
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

func (p *Provider) Action(ctx context.Context, processID string, action string) error {
	unit, err := p.unitFor(processID)
	if err != nil {
		return err
	}

	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	ch := make(chan string, 1)
	switch action {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", ch)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", ch)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", ch)
	default:
		return fmt.Errorf("unsupported action %q for systemd unit", action)
	}
	if err != nil {
		return fmt.Errorf("systemd %s %s: %w", action, unit, err)
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd %s %s: job result %q", action, unit, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	p.logger.Info("systemd action", "unit", unit, "action", action)
	return nil
}

func mapStatus(active, sub string) core.Status {
	switch {
	case active == "active":
		return core.StatusRunning
	case active == "activating" && sub == "auto-restart":
		return core.StatusRestarting
	case active == "inactive", active == "deactivating":
		return core.StatusStopped
	case active == "failed":
		return core.StatusFailed
	default:
		return core.StatusUnknown
	}
}
