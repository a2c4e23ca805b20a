package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modoterra/switchyard/pkg/agent"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/terminal"
)

// Event kinds published by a Project besides log lines.
const (
	EventAgentUpdate = "agent_update"
	EventTerminals   = "terminals"
	EventProcess     = "process"
)

// Event is a project change delivered to watchers.
type Event struct {
	Kind    string
	Agent   agent.Update
	Terms   TerminalState
	Process core.Process
}

// TerminalState is the session list with the active session id.
type TerminalState struct {
	Sessions []terminal.Session `json:"sessions"`
	Active   string             `json:"active"`
}

// Project bundles the logs, terminal sessions and agent tracker of one
// project. All methods are safe for concurrent use.
type Project struct {
	Name      string
	Mux       *mux.Multiplexer
	Terminals *terminal.Registry
	Agents    *agent.Tracker

	// termMu makes a registry change and the matching log change one step.
	termMu sync.Mutex

	watchMu  sync.RWMutex
	watchers []chan Event

	logger *slog.Logger
}

// NewProject creates a project with initial terminal sessions (at least
// one). maxLines bounds every log; 0 leaves them unbounded.
func NewProject(name string, maxLines, initialTerminals int, logger *slog.Logger) *Project {
	p := &Project{
		Name:      name,
		Mux:       mux.NewProject(maxLines),
		Terminals: terminal.NewRegistry(),
		Agents:    agent.NewTracker(),
		logger:    logger,
	}
	if initialTerminals < 1 {
		initialTerminals = 1
	}
	for i := 0; i < initialTerminals; i++ {
		p.CreateTerminal()
	}
	return p
}

// Ingest appends one produced line to the log of source. Agent lines first
// go through the agent tracker, which may publish an agent update and
// attributes the line to its feature and agent.
func (p *Project) Ingest(source string, line core.LogLine) (int, error) {
	line.SourceTag = source
	if source == core.SourceAgent {
		if u, ok := p.Agents.Process(line.Text); ok {
			p.publish(Event{Kind: EventAgentUpdate, Agent: u})
		}
		line = p.Agents.Annotate(line)
	}
	return p.Mux.Append(source, line)
}

// Sink adapts Ingest for producers that cannot report errors.
func (p *Project) Sink(source string, line core.LogLine) {
	if _, err := p.Ingest(source, line); err != nil {
		p.logger.Debug("drop line", "log", source, "err", err)
	}
}

// TerminalState returns the sessions and the active id.
func (p *Project) TerminalState() TerminalState {
	p.termMu.Lock()
	defer p.termMu.Unlock()
	return p.terminalStateLocked()
}

func (p *Project) terminalStateLocked() TerminalState {
	st := TerminalState{Sessions: p.Terminals.List()}
	if a, ok := p.Terminals.Active(); ok {
		st.Active = a.ID
	}
	return st
}

// CreateTerminal adds a session, makes it active and registers its log.
func (p *Project) CreateTerminal() terminal.Session {
	p.termMu.Lock()
	s := p.Terminals.Create()
	if err := p.Mux.Register(core.TerminalLog(s.ID)); err != nil {
		p.logger.Error("register terminal log", "id", s.ID, "err", err)
	}
	st := p.terminalStateLocked()
	p.termMu.Unlock()

	p.logger.Info("terminal created", "project", p.Name, "id", s.ID)
	p.publish(Event{Kind: EventTerminals, Terms: st})
	return s
}

// RenameTerminal renames a session in place.
func (p *Project) RenameTerminal(id, name string) (terminal.Session, error) {
	p.termMu.Lock()
	s, err := p.Terminals.Rename(id, name)
	st := p.terminalStateLocked()
	p.termMu.Unlock()
	if err != nil {
		return terminal.Session{}, err
	}
	p.publish(Event{Kind: EventTerminals, Terms: st})
	return s, nil
}

// CloseTerminal removes a session and its log. Closing the last session
// fails with terminal.ErrLastSession and changes nothing.
func (p *Project) CloseTerminal(id string) (TerminalState, error) {
	p.termMu.Lock()
	_, err := p.Terminals.Close(id)
	if err == nil {
		if rerr := p.Mux.Remove(core.TerminalLog(id)); rerr != nil && !errors.Is(rerr, mux.ErrUnknownLog) {
			p.logger.Error("remove terminal log", "id", id, "err", rerr)
		}
	}
	st := p.terminalStateLocked()
	p.termMu.Unlock()
	if err != nil {
		return st, err
	}
	p.logger.Info("terminal closed", "project", p.Name, "id", id)
	p.publish(Event{Kind: EventTerminals, Terms: st})
	return st, nil
}

// ActivateTerminal switches the foreground session.
func (p *Project) ActivateTerminal(id string) (TerminalState, error) {
	p.termMu.Lock()
	err := p.Terminals.Activate(id)
	st := p.terminalStateLocked()
	p.termMu.Unlock()
	if err != nil {
		return st, err
	}
	p.publish(Event{Kind: EventTerminals, Terms: st})
	return st, nil
}

// ClearLog empties a log. Clearing apicalls is refused with
// mux.ErrDerivedView; clear the agent log instead.
func (p *Project) ClearLog(name string) error {
	if err := p.Mux.Clear(name); err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}
	return nil
}

// Watch returns a channel of agent and terminal events. Slow watchers miss
// events rather than block publishers. Call the returned func to stop.
func (p *Project) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	p.watchMu.Lock()
	p.watchers = append(p.watchers, ch)
	p.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.watchMu.Lock()
			defer p.watchMu.Unlock()
			for i, w := range p.watchers {
				if w == ch {
					p.watchers = append(p.watchers[:i], p.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

// PublishProcess announces a status change of one of the project's
// producer processes.
func (p *Project) PublishProcess(proc core.Process) {
	p.publish(Event{Kind: EventProcess, Process: proc})
}

func (p *Project) publish(e Event) {
	p.watchMu.RLock()
	defer p.watchMu.RUnlock()
	for _, ch := range p.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}
