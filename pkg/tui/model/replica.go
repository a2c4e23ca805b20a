package model

import (
	"slices"

	"github.com/modoterra/switchyard/pkg/classify"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

// tailMargin is how many rows above the bottom still count as following.
const tailMargin = 1

// cursor is how far a replicated log has been read from the daemon.
type cursor struct {
	next  int
	epoch int
}

// replica mirrors the daemon's logs in a local multiplexer so every tab
// keeps its own follow state.
type replica struct {
	mux     *mux.Multiplexer
	cursors map[string]cursor
}

func newReplica() *replica {
	return &replica{
		mux:     mux.NewProject(mux.DefaultMaxLines),
		cursors: make(map[string]cursor),
	}
}

func (r *replica) has(name string) bool {
	return slices.Contains(r.mux.Names(), name)
}

func (r *replica) since(name string) int {
	return r.cursors[name].next
}

// apply merges a page read from the daemon and reports whether the local
// log changed. Pages from an older clear epoch are ignored; a newer epoch
// empties the local copy first. Lines already applied are skipped so
// overlapping reads never duplicate.
func (r *replica) apply(p mux.Page) bool {
	if !r.has(p.Log) {
		return false
	}
	c := r.cursors[p.Log]
	if p.Epoch < c.epoch {
		return false
	}

	changed := false
	if p.Epoch > c.epoch {
		if err := r.mux.Clear(p.Log); err != nil {
			return false
		}
		c = cursor{next: p.Base, epoch: p.Epoch}
		changed = true
	}

	skip := max(c.next-p.Base, 0)
	if skip < len(p.Lines) {
		for _, line := range p.Lines[skip:] {
			if _, err := r.mux.Append(p.Log, line); err != nil {
				return changed
			}
		}
		changed = true
	}
	c.next = max(c.next, p.Next)
	r.cursors[p.Log] = c
	return changed
}

// appendEvent applies a pushed line when it is exactly the next one
// expected. Otherwise the caller reads the log again from its cursor.
func (r *replica) appendEvent(ev uds.LogLineEvent) bool {
	if ev.Cleared || !r.has(ev.Log) {
		return false
	}
	c := r.cursors[ev.Log]
	if ev.Offset != c.next {
		return false
	}
	if _, err := r.mux.Append(ev.Log, ev.Line); err != nil {
		return false
	}
	c.next++
	r.cursors[ev.Log] = c
	return true
}

// setTerminals registers a log per session id and drops logs of sessions
// that are gone.
func (r *replica) setTerminals(ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		name := core.TerminalLog(id)
		want[name] = true
		if !r.has(name) {
			_ = r.mux.Register(name)
		}
	}
	for _, name := range r.mux.Names() {
		if _, ok := core.TerminalSessionID(name); ok && !want[name] {
			_ = r.mux.Remove(name)
			delete(r.cursors, name)
		}
	}
}

func (r *replica) lines(name string) []core.LogLine {
	p, err := r.mux.Snapshot(name)
	if err != nil {
		return nil
	}
	return p.Lines
}

func (r *replica) apiCalls() []classify.SignalEvent {
	events, err := r.mux.APICallsView()
	if err != nil {
		return nil
	}
	return events
}

func (r *replica) following(name string) bool {
	f, err := r.mux.Following(name)
	return err == nil && f
}

// report records the distance from the tail of the view showing name.
func (r *replica) report(name string, distance int) {
	_ = r.mux.SetNearTail(name, mux.WithinTail(distance, tailMargin))
}
