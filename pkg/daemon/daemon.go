package daemon

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/manifest"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

// Daemon is the switchyardd process: it owns the project state, the
// providers feeding it and the socket transport.
type Daemon struct {
	server     *uds.Server
	project    *Project
	manifest   *manifest.Manifest
	providers  []core.Provider
	supervisor *Supervisor
	processes  map[string]core.Process
	version    string
	mu         sync.RWMutex
	logger     *slog.Logger
}

// New creates a daemon serving project on socketPath.
func New(socketPath string, project *Project, logger *slog.Logger) *Daemon {
	d := &Daemon{
		server:    uds.NewServer(socketPath, logger),
		project:   project,
		processes: make(map[string]core.Process),
		logger:    logger,
	}
	d.registerHandlers()
	return d
}

// SetSupervisor registers the exec process supervisor with the daemon.
func (d *Daemon) SetSupervisor(s *Supervisor) {
	d.supervisor = s
}

// SetManifest sets the manifest the daemon was started with.
func (d *Daemon) SetManifest(m *manifest.Manifest) {
	d.mu.Lock()
	d.manifest = m
	d.mu.Unlock()
}

// SetVersion sets the version reported by Ping.
func (d *Daemon) SetVersion(v string) {
	d.version = v
}

// AddProvider registers a provider with the daemon.
func (d *Daemon) AddProvider(p core.Provider) {
	d.providers = append(d.providers, p)
}

// Project returns the project served by the daemon.
func (d *Daemon) Project() *Project {
	return d.project
}

// Manifest returns the currently loaded manifest (may be nil).
func (d *Daemon) Manifest() *manifest.Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manifest
}

// Pump feeds the lines a log provider streams for processID into the log
// named source until ctx is cancelled or the stream ends.
func (d *Daemon) Pump(ctx context.Context, lp core.LogProvider, processID, source string) error {
	ch, err := lp.Subscribe(ctx, processID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", processID, err)
	}
	go func() {
		defer func() {
			if err := lp.Unsubscribe(processID); err != nil {
				d.logger.Debug("unsubscribe", "process", processID, "err", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-ch:
				if !ok {
					return
				}
				d.project.Sink(source, line)
			}
		}
	}()
	return nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.broadcast(ctx)
	return d.server.Start(ctx)
}

// Shutdown cleans up resources.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// broadcast forwards project changes to every connected client.
func (d *Daemon) broadcast(ctx context.Context) {
	entries, stopLogs := d.project.Mux.Subscribe()
	defer stopLogs()
	events, stopEvents := d.project.Watch()
	defer stopEvents()

	for {
		var (
			method string
			data   any
			log    string
		)
		select {
		case <-ctx.Done():
			return
		case e := <-entries:
			method, log = uds.EventLogsLine, e.Log
			data = uds.LogLineEvent{Log: e.Log, Offset: e.Offset, Line: e.Line, Cleared: e.Cleared}
		case e := <-events:
			switch e.Kind {
			case EventAgentUpdate:
				method, data = uds.EventAgentsUpdate, e.Agent
			case EventTerminals:
				method, data = uds.EventTermChanged, uds.TermListResponse(e.Terms)
			default:
				continue
			}
		}
		evt, err := uds.NewEvent(method, data)
		if err != nil {
			d.logger.Error("encode event", "method", method, "err", err)
			continue
		}
		if log != "" {
			d.server.BroadcastLog(log, evt)
			continue
		}
		d.server.Broadcast(evt)
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodLoadManifest, d.handleLoadManifest)
	d.server.Handle(uds.MethodUpdateManifest, d.handleUpdateManifest)
	d.server.Handle(uds.MethodListProcesses, d.handleListProcesses)
	d.server.Handle(uds.MethodAction, d.handleAction)
	d.server.Handle(uds.MethodLogsRead, d.handleLogsRead)
	d.server.Handle(uds.MethodLogsAppend, d.handleLogsAppend)
	d.server.Handle(uds.MethodLogsClear, d.handleLogsClear)
	d.server.Handle(uds.MethodLogsFollow, d.handleLogsFollow)
	d.server.Handle(uds.MethodLogsList, d.handleLogsList)
	d.server.Handle(uds.MethodAPICalls, d.handleAPICalls)
	d.server.Handle(uds.MethodListAgents, d.handleListAgents)
	d.server.Handle(uds.MethodTermList, d.handleTermList)
	d.server.Handle(uds.MethodTermCreate, d.handleTermCreate)
	d.server.Handle(uds.MethodTermRename, d.handleTermRename)
	d.server.Handle(uds.MethodTermClose, d.handleTermClose)
	d.server.Handle(uds.MethodTermActivate, d.handleTermActivate)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Project: d.project.Name, Version: d.version}, nil
}

func (d *Daemon) handleLoadManifest(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LoadManifestRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}

	m, err := manifest.Load(req.Path)
	if err != nil {
		return uds.LoadManifestResponse{OK: false, Errors: []string{err.Error()}}, nil
	}
	if errs := manifest.Validate(m); len(errs) > 0 {
		return uds.LoadManifestResponse{OK: false, Errors: errorStrings(errs)}, nil
	}
	if m.Project != d.project.Name {
		return uds.LoadManifestResponse{
			OK:     false,
			Errors: []string{fmt.Sprintf("daemon serves project %q, manifest declares %q", d.project.Name, m.Project)},
		}, nil
	}

	d.mu.Lock()
	d.manifest = m
	d.mu.Unlock()

	d.logger.Info("manifest loaded", "path", m.FilePath, "sources", len(m.Sources()))
	return uds.LoadManifestResponse{OK: true}, nil
}

func (d *Daemon) handleUpdateManifest(_ context.Context, msg uds.Message) (any, error) {
	var req uds.UpdateManifestRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.manifest == nil {
		return uds.UpdateManifestResponse{OK: false, Errors: []string{"no manifest loaded"}}, nil
	}
	slot, err := processSlot(d.manifest, req.Source)
	if err != nil {
		return uds.UpdateManifestResponse{OK: false, Errors: []string{err.Error()}}, nil
	}

	old := *slot
	if req.Remove {
		*slot = nil
	} else {
		p, err := patchToProcess(req.Process)
		if err != nil {
			return uds.UpdateManifestResponse{OK: false, Errors: []string{err.Error()}}, nil
		}
		*slot = &p
	}

	if errs := manifest.Validate(d.manifest); len(errs) > 0 {
		*slot = old
		return uds.UpdateManifestResponse{OK: false, Errors: errorStrings(errs)}, nil
	}
	if err := manifest.Save(d.manifest, d.manifest.FilePath); err != nil {
		*slot = old
		return uds.UpdateManifestResponse{OK: false, Errors: []string{err.Error()}}, nil
	}

	d.reload(req.Source, old, *slot)
	d.logger.Info("manifest source updated", "source", req.Source, "removed", req.Remove)
	return uds.UpdateManifestResponse{OK: true}, nil
}

// reload applies a changed exec process to the supervisor. Changes to other
// kinds take effect on the next daemon start.
func (d *Daemon) reload(source string, old, cur *manifest.Process) {
	if d.supervisor == nil {
		return
	}
	wasExec := old != nil && old.Kind == string(core.KindExec)
	isExec := cur != nil && cur.Kind == string(core.KindExec)

	switch {
	case isExec:
		d.supervisor.Register(source, SpecFor(*cur))
		var err error
		if wasExec {
			err = d.supervisor.Restart(source)
		} else {
			err = d.supervisor.Start(source)
		}
		if err != nil {
			d.logger.Error("reload process", "source", source, "err", err)
		}
	case wasExec:
		if err := d.supervisor.Unregister(source); err != nil {
			d.logger.Error("unregister process", "source", source, "err", err)
		}
	}
}

// SpecFor builds the supervisor spec of an exec process.
func SpecFor(p manifest.Process) ProcessSpec {
	return ProcessSpec{
		Command: p.Command,
		Dir:     p.Dir,
		Env:     p.Env,
		Restart: p.RestartPolicy(),
	}
}

func processSlot(m *manifest.Manifest, source string) (**manifest.Process, error) {
	switch source {
	case core.SourceAgent:
		return &m.Agent, nil
	case core.SourceDevServer:
		return &m.DevServer, nil
	default:
		return nil, fmt.Errorf("unknown source %q: expected %s or %s", source, core.SourceAgent, core.SourceDevServer)
	}
}

// patchToProcess converts a map[string]any from the client to a manifest.Process.
func patchToProcess(m map[string]any) (manifest.Process, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return manifest.Process{}, fmt.Errorf("encode process: %w", err)
	}
	var p manifest.Process
	if err := json.Unmarshal(data, &p); err != nil {
		return manifest.Process{}, fmt.Errorf("decode process: %w", err)
	}
	if p.Kind == "" {
		return manifest.Process{}, errors.New("process kind is required")
	}
	return p, nil
}

func (d *Daemon) handleListProcesses(_ context.Context, _ uds.Message) (any, error) {
	return d.Processes(), nil
}

// Processes returns the process statuses of the last poll, ordered by id.
func (d *Daemon) Processes() []core.Process {
	d.mu.RLock()
	defer d.mu.RUnlock()

	procs := make([]core.Process, 0, len(d.processes))
	for _, p := range d.processes {
		procs = append(procs, p)
	}
	slices.SortFunc(procs, func(a, b core.Process) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return procs
}

func (d *Daemon) handleAction(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.ActionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}

	kind, _, _, err := core.ParseProcessID(req.ProcessID)
	if err != nil {
		return nil, err
	}

	for _, p := range d.providers {
		if p.Name() == string(kind) {
			if err := p.Action(ctx, req.ProcessID, req.Action); err != nil {
				return nil, err
			}
			return map[string]bool{"ok": true}, nil
		}
	}

	return nil, fmt.Errorf("no provider for kind %q", kind)
}

func (d *Daemon) handleLogsRead(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogsReadRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	return d.project.Mux.Since(req.Log, req.Since)
}

func (d *Daemon) handleLogsAppend(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogsAppendRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	next := 0
	for _, text := range req.Lines {
		off, err := d.project.Ingest(req.Log, core.NewLogLine(req.Log, text))
		if err != nil {
			return nil, err
		}
		next = off + 1
	}
	if len(req.Lines) == 0 {
		page, err := d.project.Mux.Since(req.Log, 0)
		if err != nil {
			return nil, err
		}
		next = page.Next
	}
	return uds.LogsAppendResponse{Next: next}, nil
}

func (d *Daemon) handleLogsClear(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogsClearRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if err := d.project.ClearLog(req.Log); err != nil {
		return nil, err
	}
	d.logger.Info("log cleared", "log", req.Log)
	return map[string]bool{"ok": true}, nil
}

func (d *Daemon) handleLogsFollow(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogsFollowRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	m := d.project.Mux
	switch {
	case req.Near != nil:
		if err := m.SetNearTail(req.Log, *req.Near); err != nil {
			return nil, err
		}
	case req.Distance != nil:
		if err := m.ReportDistance(req.Log, *req.Distance); err != nil {
			return nil, err
		}
	}
	following, err := m.Following(req.Log)
	if err != nil {
		return nil, err
	}
	return uds.FollowState{Log: req.Log, Following: following}, nil
}

func (d *Daemon) handleLogsList(_ context.Context, _ uds.Message) (any, error) {
	return uds.LogsListResponse{Logs: append(d.project.Mux.Names(), mux.APICalls)}, nil
}

func (d *Daemon) handleAPICalls(_ context.Context, _ uds.Message) (any, error) {
	events, err := d.project.Mux.APICallsView()
	if err != nil {
		return nil, err
	}
	return uds.APICallsResponse{Events: events}, nil
}

func (d *Daemon) handleListAgents(_ context.Context, _ uds.Message) (any, error) {
	return uds.AgentsResponse{Agents: d.project.Agents.Agents()}, nil
}

func (d *Daemon) handleTermList(_ context.Context, _ uds.Message) (any, error) {
	return uds.TermListResponse(d.project.TerminalState()), nil
}

func (d *Daemon) handleTermCreate(_ context.Context, _ uds.Message) (any, error) {
	return d.project.CreateTerminal(), nil
}

func (d *Daemon) handleTermRename(_ context.Context, msg uds.Message) (any, error) {
	var req uds.TermRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	return d.project.RenameTerminal(req.ID, req.Name)
}

func (d *Daemon) handleTermClose(_ context.Context, msg uds.Message) (any, error) {
	var req uds.TermRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	st, err := d.project.CloseTerminal(req.ID)
	if err != nil {
		return nil, err
	}
	return uds.TermListResponse(st), nil
}

func (d *Daemon) handleTermActivate(_ context.Context, msg uds.Message) (any, error) {
	var req uds.TermRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	st, err := d.project.ActivateTerminal(req.ID)
	if err != nil {
		return nil, err
	}
	return uds.TermListResponse(st), nil
}

func errorStrings(errs []error) []string {
	strs := make([]string, len(errs))
	for i, e := range errs {
		strs[i] = e.Error()
	}
	return strs
}
