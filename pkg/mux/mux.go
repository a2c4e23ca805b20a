// Package mux holds the named line logs of one project and the follow state
// the presentation layer keeps for each of them.
package mux

import (
	"errors"
	"fmt"
	"sync"

	"github.com/modoterra/switchyard/pkg/classify"
	"github.com/modoterra/switchyard/pkg/core"
)

// APICalls is the name of the view derived from the agent log.
const APICalls = core.SourceAPICalls

// DefaultMaxLines bounds each log unless the host configures otherwise.
const DefaultMaxLines = 5000

var (
	ErrUnknownLog  = errors.New("unknown log")
	ErrDerivedView = errors.New("apicalls is derived from the agent log")
	ErrExists      = errors.New("log already registered")
)

// Entry is one change delivered to subscribers. Offset is the absolute
// position of Line in its log. A Cleared entry carries no line; Offset is
// then the position the next appended line will get.
type Entry struct {
	Log     string
	Offset  int
	Line    core.LogLine
	Cleared bool
}

// Page is a read of one log. Lines[i] sits at absolute offset Base+i and
// Next is the offset of the line that will be appended next. Epoch changes
// every time the log is cleared.
type Page struct {
	Log   string         `json:"log"`
	Base  int            `json:"base"`
	Next  int            `json:"next"`
	Epoch int            `json:"epoch"`
	Lines []core.LogLine `json:"lines"`
}

type logicalLog struct {
	mu    sync.RWMutex
	base  int
	epoch int
	lines []core.LogLine
}

// Multiplexer owns a set of append-only logs. Each log has its own lock;
// there is no lock shared by appends to different logs.
type Multiplexer struct {
	mu       sync.RWMutex
	logs     map[string]*logicalLog
	order    []string
	follow   map[string]bool
	maxLines int

	subMu sync.RWMutex
	subs  []chan Entry
}

// New creates a multiplexer with the given logs registered. maxLines <= 0
// leaves logs unbounded.
func New(maxLines int, names ...string) *Multiplexer {
	m := &Multiplexer{
		logs:     make(map[string]*logicalLog),
		follow:   map[string]bool{APICalls: true},
		maxLines: maxLines,
	}
	for _, name := range names {
		_ = m.Register(name)
	}
	return m
}

// NewProject creates a multiplexer with the agent and devserver logs.
func NewProject(maxLines int) *Multiplexer {
	return New(maxLines, core.SourceAgent, core.SourceDevServer)
}

// Register adds an empty log. New logs start in follow mode.
func (m *Multiplexer) Register(name string) error {
	if name == "" {
		return fmt.Errorf("register log: empty name")
	}
	if name == APICalls {
		return ErrDerivedView
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrExists)
	}
	m.logs[name] = &logicalLog{}
	m.order = append(m.order, name)
	m.follow[name] = true
	return nil
}

// Remove drops a log and its follow state.
func (m *Multiplexer) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, ErrUnknownLog)
	}
	delete(m.logs, name)
	delete(m.follow, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns the registered logs in registration order, without the
// derived view.
func (m *Multiplexer) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Multiplexer) get(name string) (*logicalLog, error) {
	if name == APICalls {
		return nil, ErrDerivedView
	}
	m.mu.RLock()
	l, ok := m.logs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownLog)
	}
	return l, nil
}

// Append adds line to the named log and returns its absolute offset. It
// never waits on subscribers and never changes follow state.
func (m *Multiplexer) Append(name string, line core.LogLine) (int, error) {
	l, err := m.get(name)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if m.maxLines > 0 && len(l.lines) > m.maxLines {
		drop := len(l.lines) - m.maxLines
		l.lines = l.lines[drop:]
		l.base += drop
	}
	offset := l.base + len(l.lines) - 1
	m.publish(Entry{Log: name, Offset: offset, Line: line})
	return offset, nil
}

// Snapshot returns the whole retained content of a log.
func (m *Multiplexer) Snapshot(name string) (Page, error) {
	return m.Since(name, 0)
}

// Since returns the lines at absolute offsets >= offset. When offset points
// before the retained window the page starts at Base; callers compare Base
// with the offset they asked for to notice trimmed lines.
func (m *Multiplexer) Since(name string, offset int) (Page, error) {
	l, err := m.get(name)
	if err != nil {
		return Page{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	next := l.base + len(l.lines)
	start := offset
	if start < l.base {
		start = l.base
	}
	if start > next {
		start = next
	}
	lines := make([]core.LogLine, next-start)
	copy(lines, l.lines[start-l.base:])
	return Page{Log: name, Base: start, Next: next, Epoch: l.epoch, Lines: lines}, nil
}

// Clear empties a log. Offsets keep counting from where they were. Clearing
// the agent log also empties the derived apicalls view; clearing apicalls
// itself is refused.
func (m *Multiplexer) Clear(name string) error {
	l, err := m.get(name)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.base += len(l.lines)
	l.lines = nil
	l.epoch++
	m.publish(Entry{Log: name, Offset: l.base, Cleared: true})
	return nil
}

// APICallsView derives the classified view of the agent log.
func (m *Multiplexer) APICallsView() ([]classify.SignalEvent, error) {
	p, err := m.Snapshot(core.SourceAgent)
	if err != nil {
		return nil, err
	}
	return classify.Derive(p.Lines, p.Base), nil
}

// Subscribe returns a channel receiving every append and clear across all
// logs. Delivery is best effort: a full channel drops entries rather than
// blocking the producer. Call the returned func to unsubscribe.
func (m *Multiplexer) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 256)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			for i, s := range m.subs {
				if s == ch {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Multiplexer) publish(e Entry) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
