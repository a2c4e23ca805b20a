// Package agent attributes agent output lines to the parallel coding and
// testing agents that produced them and tracks what each agent is doing.
package agent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/modoterra/switchyard/pkg/core"
)

// State is the coarse activity of an agent.
type State string

const (
	StateThinking   State = "thinking"
	StateWorking    State = "working"
	StateTesting    State = "testing"
	StateStruggling State = "struggling"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Agent types.
const (
	TypeCoding  = "coding"
	TypeTesting = "testing"
)

// testingKey is the tracker slot of the regression testing agent, which has
// no feature of its own.
const testingKey = -1

var names = []string{"Spark", "Fizz", "Octo", "Hoot", "Buzz", "Pixel", "Bolt", "Nova"}

var (
	featureLine = regexp.MustCompile(`^\[Feature #(\d+)\]\s*(.*)`)
	testingLine = regexp.MustCompile(`^\[Testing\]\s*(.*)`)
	hashNumber  = regexp.MustCompile(`#(\d+)`)
	featureName = regexp.MustCompile(`#\d+:\s*(.+)$`)
)

type thoughtPattern struct {
	re    *regexp.Regexp
	state State
}

// Evaluated in order; the first match decides the state.
var thoughtPatterns = []thoughtPattern{
	{regexp.MustCompile(`(?i)\[Tool:\s*Read\]`), StateThinking},
	{regexp.MustCompile(`(?i)\[Tool:\s*(?:Write|Edit|NotebookEdit)\]`), StateWorking},
	{regexp.MustCompile(`(?i)\[Tool:\s*Bash\]`), StateTesting},
	{regexp.MustCompile(`(?i)\[Tool:\s*(?:Glob|Grep)\]`), StateThinking},
	{regexp.MustCompile(`(?i)\[Tool:\s*(\w+)\]`), StateWorking},
	{regexp.MustCompile(`(?i)(?:Reading|Analyzing|Checking|Looking at|Examining)\s+(.+)`), StateThinking},
	{regexp.MustCompile(`(?i)(?:Creating|Writing|Adding|Implementing|Building)\s+(.+)`), StateWorking},
	{regexp.MustCompile(`(?i)(?:Testing|Verifying|Running tests|Validating)\s+(.+)`), StateTesting},
	{regexp.MustCompile(`(?i)(?:Error|Failed|Cannot|Unable to|Exception)\s+(.+)`), StateStruggling},
	{regexp.MustCompile(`(?i)(?:PASS|passed|success)`), StateSuccess},
	{regexp.MustCompile(`(?i)(?:FAIL|failed|error)`), StateStruggling},
}

// Update describes the current activity of one agent.
type Update struct {
	AgentIndex  int       `json:"agentIndex"`
	AgentName   string    `json:"agentName"`
	AgentType   string    `json:"agentType"`
	FeatureID   int       `json:"featureId"`
	FeatureName string    `json:"featureName"`
	State       State     `json:"state"`
	Thought     string    `json:"thought,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type tracked struct {
	index       int
	name        string
	agentType   string
	featureName string
	state       State
	lastThought string
	last        Update
}

// Tracker assigns agent indexes to features in the order they are first
// seen. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	agents map[int]*tracked
	next   int
	now    func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		agents: make(map[int]*tracked),
		now:    time.Now,
	}
}

// FeatureID extracts N from a line starting with "[Feature #N]".
func FeatureID(line string) (int, bool) {
	m := featureLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// Annotate fills in the feature id and agent index of an agent log line.
func (t *Tracker) Annotate(l core.LogLine) core.LogLine {
	id, ok := FeatureID(l.Text)
	if !ok {
		return l
	}
	l.FeatureID = core.IntPtr(id)
	t.mu.Lock()
	if a, ok := t.agents[id]; ok {
		l.SourceIndex = core.IntPtr(a.index)
	}
	t.mu.Unlock()
	return l
}

// Process feeds one agent output line through the tracker. It returns an
// update when the line started or finished an agent, or changed an agent's
// state or thought.
func (t *Tracker) Process(line string) (Update, bool) {
	if m := testingLine.FindStringSubmatch(line); m != nil {
		return t.observe(testingKey, m[1])
	}
	if m := featureLine.FindStringSubmatch(line); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return Update{}, false
		}
		return t.observe(id, m[2])
	}

	switch {
	case strings.HasPrefix(line, "Started coding agent for feature #"):
		if id, ok := hashID(line); ok {
			name := "Feature #" + strconv.Itoa(id)
			if m := featureName.FindStringSubmatch(line); m != nil {
				name = m[1]
			}
			return t.start(id, TypeCoding, name, StateThinking, "Starting work..."), true
		}
	case strings.HasPrefix(line, "Started testing agent"):
		return t.start(testingKey, TypeTesting, "Regression Testing", StateTesting, "Starting regression tests..."), true
	case strings.HasPrefix(line, "Feature #") && finished(line):
		if id, ok := hashID(line); ok {
			return t.finish(id, strings.Contains(line, "completed"), "Completed successfully!", "Failed to complete")
		}
	case strings.HasPrefix(line, "Testing agent") && finished(line):
		return t.finish(testingKey, strings.Contains(line, "completed"), "Tests passed!", "Found regressions")
	}
	return Update{}, false
}

// Agents returns the latest update of every active agent ordered by index.
func (t *Tracker) Agents() []Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Update, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a.last)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentIndex < out[j].AgentIndex })
	return out
}

func (t *Tracker) observe(key int, content string) (Update, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[key]
	if !ok {
		if key == testingKey {
			a = t.newAgentLocked(TypeTesting, "Regression Testing", StateTesting, "")
		} else {
			a = t.newAgentLocked(TypeCoding, "Feature #"+strconv.Itoa(key), StateThinking, "")
		}
		t.agents[key] = a
		a.last = t.updateLocked(key, a, a.state, "")
	}

	state := StateWorking
	if key == testingKey {
		state = StateTesting
	}
	var thought string
	for _, p := range thoughtPatterns {
		m := p.re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		state = p.state
		if len(m) > 1 {
			thought = m[1]
		} else {
			thought = truncate(content, 100)
		}
		break
	}

	if state == a.state && thought == a.lastThought {
		return Update{}, false
	}
	a.state = state
	if thought != "" {
		a.lastThought = thought
	}
	a.last = t.updateLocked(key, a, state, thought)
	return a.last, true
}

func (t *Tracker) start(key int, agentType, featureName string, state State, thought string) Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.newAgentLocked(agentType, featureName, state, thought)
	t.agents[key] = a
	a.last = t.updateLocked(key, a, state, thought)
	return a.last
}

func (t *Tracker) finish(key int, success bool, okThought, failThought string) (Update, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[key]
	if !ok {
		return Update{}, false
	}
	state, thought := StateError, failThought
	if success {
		state, thought = StateSuccess, okThought
	}
	delete(t.agents, key)
	return t.updateLocked(key, a, state, thought), true
}

func (t *Tracker) newAgentLocked(agentType, featureName string, state State, thought string) *tracked {
	i := t.next
	t.next++
	return &tracked{
		index:       i,
		name:        names[i%len(names)],
		agentType:   agentType,
		featureName: featureName,
		state:       state,
		lastThought: thought,
	}
}

func (t *Tracker) updateLocked(key int, a *tracked, state State, thought string) Update {
	feature := key
	if key == testingKey {
		feature = 0
	}
	return Update{
		AgentIndex:  a.index,
		AgentName:   a.name,
		AgentType:   a.agentType,
		FeatureID:   feature,
		FeatureName: a.featureName,
		State:       state,
		Thought:     thought,
		Timestamp:   t.now(),
	}
}

func hashID(line string) (int, bool) {
	m := hashNumber.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	return id, err == nil
}

func finished(line string) bool {
	return strings.Contains(line, "completed") || strings.Contains(line, "failed")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
