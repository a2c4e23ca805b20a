package model

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/switchyard/pkg/agent"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/terminal"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

// Tab identifies which log the TUI shows.
type Tab int

const (
	TabAgent Tab = iota
	TabDevServer
	TabAPICalls
	TabTerminal
)

var tabNames = [...]string{"agent", "devserver", "apicalls", "terminal"}

func (t Tab) String() string { return tabNames[t] }

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeRename
	ModeConfirmClose
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan uds.Message

	// State
	project   string
	replica   *replica
	terms     uds.TermListResponse
	processes []core.Process
	agents    map[int]agent.Update

	// UI
	tab      Tab
	mode     Mode
	viewport viewport.Model
	ready    bool
	width    int
	height   int

	// Rename prompt
	editor *EditorModel

	// Close confirmation
	closeTarget terminal.Session

	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	return App{
		socketPath: socketPath,
		events:     make(chan uds.Message, 256),
		replica:    newReplica(),
		agents:     make(map[int]agent.Update),
		mode:       ModeNormal,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("switchyard"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct {
	client *uds.Client
	ping   uds.PingResponse
}

// disconnectedMsg is sent when the daemon connection goes away.
type disconnectedMsg struct{}

// eventMsg carries an event pushed by the daemon.
type eventMsg uds.Message

// pageMsg carries a log read from the daemon.
type pageMsg mux.Page

// termsMsg carries the terminal sessions and the active one.
type termsMsg uds.TermListResponse

// processesMsg carries the producer processes of the project.
type processesMsg []core.Process

// agentsMsg carries the active agents.
type agentsMsg []agent.Update

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// actionResultMsg carries the result of an action.
type actionResultMsg struct{ msg string }

const requestTimeout = 5 * time.Second

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var ping uds.PingResponse
		if err := client.Call(ctx, uds.MethodPing, nil, &ping); err != nil {
			client.Close()
			return errorMsg{err}
		}
		return connectedMsg{client: client, ping: ping}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func listenCmd(events <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-events)
	}
}

func waitDoneCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		<-client.Done()
		return disconnectedMsg{}
	}
}

func readCmd(client *uds.Client, log string, since int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var page mux.Page
		err := client.Call(ctx, uds.MethodLogsRead, uds.LogsReadRequest{Log: log, Since: since}, &page)
		if err != nil {
			return errorMsg{err}
		}
		return pageMsg(page)
	}
}

func termsCmd(client *uds.Client, method string, req uds.TermRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var resp uds.TermListResponse
		if err := client.Call(ctx, method, req, &resp); err != nil {
			return errorMsg{err}
		}
		return termsMsg(resp)
	}
}

func createTermCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var s terminal.Session
		if err := client.Call(ctx, uds.MethodTermCreate, nil, &s); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: "created " + s.Name}
	}
}

func renameCmd(client *uds.Client, id, name string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var s terminal.Session
		if err := client.Call(ctx, uds.MethodTermRename, uds.TermRequest{ID: id, Name: name}, &s); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: "renamed to " + s.Name}
	}
}

func processesCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var procs []core.Process
		if err := client.Call(ctx, uds.MethodListProcesses, nil, &procs); err != nil {
			return errorMsg{err}
		}
		return processesMsg(procs)
	}
}

func agentsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var resp uds.AgentsResponse
		if err := client.Call(ctx, uds.MethodListAgents, nil, &resp); err != nil {
			return errorMsg{err}
		}
		return agentsMsg(resp.Agents)
	}
}

func actionCmd(client *uds.Client, processID, action string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := client.Call(ctx, uds.MethodAction, uds.ActionRequest{
			ProcessID: processID,
			Action:    action,
		}, nil)
		if err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: action + " → " + processID}
	}
}

func clearCmd(client *uds.Client, log string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := client.Call(ctx, uds.MethodLogsClear, uds.LogsClearRequest{Log: log}, nil); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: "cleared " + log}
	}
}

// currentLog names the log shown by the active tab. The terminal tab has
// none until the daemon reported an active session.
func (a App) currentLog() string {
	switch a.tab {
	case TabAgent:
		return core.SourceAgent
	case TabDevServer:
		return core.SourceDevServer
	case TabAPICalls:
		return mux.APICalls
	default:
		if a.terms.Active == "" {
			return ""
		}
		return core.TerminalLog(a.terms.Active)
	}
}

// shows reports whether a change to log is visible in the active tab.
func (a App) shows(log string) bool {
	cur := a.currentLog()
	return log == cur || (cur == mux.APICalls && log == core.SourceAgent)
}

// refresh reads every replicated log from its cursor.
func (a App) refresh() tea.Cmd {
	if a.client == nil {
		return nil
	}
	cmds := []tea.Cmd{processesCmd(a.client), termsCmd(a.client, uds.MethodTermList, uds.TermRequest{})}
	for _, name := range a.replica.mux.Names() {
		cmds = append(cmds, readCmd(a.client, name, a.replica.since(name)))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		w, h := max(a.width-4, 1), max(a.height-6, 1)
		if !a.ready {
			a.viewport = viewport.New(w, h)
			a.ready = true
		} else {
			a.viewport.Width = w
			a.viewport.Height = h
		}
		a.refreshView()
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.project = msg.ping.Project
		a.statusMsg = "connected to " + a.project

		events := a.events
		a.client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default:
			}
		})

		return a, tea.Batch(
			listenCmd(a.events),
			waitDoneCmd(a.client),
			tickCmd(),
			agentsCmd(a.client),
			a.refresh(),
		)

	case disconnectedMsg:
		a.client = nil
		a.connected = false
		a.statusMsg = "disconnected"
		return a, nil

	case tickMsg:
		if a.client == nil {
			return a, tea.Batch(tickCmd(), connectCmd(a.socketPath))
		}
		return a, tea.Batch(tickCmd(), a.refresh())

	case eventMsg:
		cmd := a.handleEvent(uds.Message(msg))
		return a, tea.Batch(cmd, listenCmd(a.events))

	case pageMsg:
		if a.replica.apply(mux.Page(msg)) && a.shows(msg.Log) {
			a.refreshView()
		}
		return a, nil

	case termsMsg:
		return a, a.setTerms(uds.TermListResponse(msg))

	case processesMsg:
		a.processes = msg
		return a, nil

	case agentsMsg:
		for _, u := range msg {
			a.agents[u.AgentIndex] = u
		}
		return a, nil

	case actionResultMsg:
		a.statusMsg = msg.msg
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.MouseMsg:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		a.reportScroll()
		return a, cmd

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) handleEvent(msg uds.Message) tea.Cmd {
	switch msg.Method {
	case uds.EventLogsLine:
		var ev uds.LogLineEvent
		if err := msg.UnmarshalData(&ev); err != nil {
			return nil
		}
		if a.replica.appendEvent(ev) {
			if a.shows(ev.Log) {
				a.refreshView()
			}
			return nil
		}
		if a.client != nil && a.replica.has(ev.Log) {
			return readCmd(a.client, ev.Log, a.replica.since(ev.Log))
		}

	case uds.EventTermChanged:
		var st uds.TermListResponse
		if err := msg.UnmarshalData(&st); err != nil {
			return nil
		}
		return a.setTerms(st)

	case uds.EventAgentsUpdate:
		var u agent.Update
		if err := msg.UnmarshalData(&u); err != nil {
			return nil
		}
		a.agents[u.AgentIndex] = u

	case uds.EventProcessesDelta:
		if a.client != nil {
			return processesCmd(a.client)
		}
	}
	return nil
}

// setTerms adopts a session list and reads the log of a newly active
// session.
func (a *App) setTerms(st uds.TermListResponse) tea.Cmd {
	prev := a.terms.Active
	a.terms = st
	ids := make([]string, len(st.Sessions))
	for i, s := range st.Sessions {
		ids[i] = s.ID
	}
	a.replica.setTerminals(ids)

	if st.Active == prev {
		return nil
	}
	if a.tab == TabTerminal {
		a.refreshView()
	}
	if a.client == nil || st.Active == "" {
		return nil
	}
	log := core.TerminalLog(st.Active)
	return readCmd(a.client, log, a.replica.since(log))
}

// refreshView re-renders the active tab. The view only jumps to the new
// tail while the tab is following.
func (a *App) refreshView() {
	if !a.ready {
		return
	}
	log := a.currentLog()
	a.viewport.SetContent(a.renderLog(log))
	if log != "" && a.replica.following(log) {
		a.viewport.GotoBottom()
	}
}

// reportScroll feeds the viewport's distance from the tail back into the
// follow state of the active tab.
func (a *App) reportScroll() {
	log := a.currentLog()
	if log == "" {
		return
	}
	distance := max(a.viewport.TotalLineCount()-a.viewport.YOffset-a.viewport.Height, 0)
	a.replica.report(log, distance)
}

func (a App) switchTab(t Tab) (tea.Model, tea.Cmd) {
	a.tab = t
	a.refreshView()
	return a, nil
}

func (a App) activeSession() (terminal.Session, bool) {
	for _, s := range a.terms.Sessions {
		if s.ID == a.terms.Active {
			return s, true
		}
	}
	return terminal.Session{}, false
}

// neighbourSession returns the session delta positions away from the
// active one, wrapping around.
func (a App) neighbourSession(delta int) (terminal.Session, bool) {
	n := len(a.terms.Sessions)
	if n == 0 {
		return terminal.Session{}, false
	}
	for i, s := range a.terms.Sessions {
		if s.ID == a.terms.Active {
			return a.terms.Sessions[((i+delta)%n+n)%n], true
		}
	}
	return a.terms.Sessions[0], true
}

func (a App) processFor(source string) (core.Process, bool) {
	for _, p := range a.processes {
		if p.Source == source {
			return p, true
		}
	}
	return core.Process{}, false
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeRename && a.editor != nil {
		return a.editor.HandleKey(a, msg)
	}

	if a.mode == ModeConfirmClose {
		target := a.closeTarget
		a.mode = ModeNormal
		a.closeTarget = terminal.Session{}
		switch msg.String() {
		case "y", "Y":
			if a.client == nil {
				a.statusMsg = "not connected"
				return a, nil
			}
			a.statusMsg = "closing " + target.Name + "..."
			return a, termsCmd(a.client, uds.MethodTermClose, uds.TermRequest{ID: target.ID})
		default:
			a.statusMsg = "close cancelled"
			return a, nil
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "tab":
		return a.switchTab((a.tab + 1) % Tab(len(tabNames)))
	case "shift+tab":
		return a.switchTab((a.tab + Tab(len(tabNames)) - 1) % Tab(len(tabNames)))
	case "1", "2", "3", "4":
		return a.switchTab(Tab(msg.String()[0] - '1'))

	case "G", "end":
		a.viewport.GotoBottom()
		a.reportScroll()
		return a, nil
	case "g", "home":
		a.viewport.GotoTop()
		a.reportScroll()
		return a, nil

	case "c":
		if a.client == nil {
			return a, nil
		}
		if a.tab == TabAPICalls {
			a.statusMsg = "error: " + mux.ErrDerivedView.Error()
			return a, nil
		}
		if log := a.currentLog(); log != "" {
			return a, clearCmd(a.client, log)
		}
		return a, nil

	case "r":
		return a.doAction("restart")
	case "s":
		return a.doAction("stop")
	case "t":
		return a.doAction("start")
	}

	if a.tab == TabTerminal {
		if model, cmd, ok := a.handleTerminalKey(msg); ok {
			return model, cmd
		}
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	a.reportScroll()
	return a, cmd
}

func (a App) handleTerminalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	if a.client == nil {
		return a, nil, false
	}
	switch msg.String() {
	case "n":
		return a, createTermCmd(a.client), true

	case "e":
		if s, ok := a.activeSession(); ok {
			a.editor = NewRenameEditor(s)
			a.mode = ModeRename
		}
		return a, nil, true

	case "w":
		if s, ok := a.activeSession(); ok {
			a.closeTarget = s
			a.mode = ModeConfirmClose
			a.statusMsg = "Close " + s.Name + "? (y/n)"
		}
		return a, nil, true

	case "[", "]":
		delta := 1
		if msg.String() == "[" {
			delta = -1
		}
		if s, ok := a.neighbourSession(delta); ok && s.ID != a.terms.Active {
			return a, termsCmd(a.client, uds.MethodTermActivate, uds.TermRequest{ID: s.ID}), true
		}
		return a, nil, true
	}
	return a, nil, false
}

func (a App) doAction(action string) (tea.Model, tea.Cmd) {
	if a.client == nil || (a.tab != TabAgent && a.tab != TabDevServer) {
		return a, nil
	}
	p, ok := a.processFor(a.currentLog())
	if !ok {
		a.statusMsg = "no process feeds " + a.currentLog()
		return a, nil
	}
	return a, actionCmd(a.client, p.ID, action)
}
