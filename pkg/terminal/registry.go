// Package terminal tracks the interactive terminal sessions of a project.
//
// All sessions stay allocated while one of them is active (foreground).
// Switching the active session is a pointer change; it never creates or
// destroys a session. A registry that holds at least one session never drops
// to zero.
package terminal

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("terminal session not found")
	ErrLastSession = errors.New("cannot close the last terminal session")
	ErrEmptyName   = errors.New("terminal session name is empty")
)

// Session is one terminal session. ID never changes; Name may.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry holds sessions in creation order plus the active pointer.
type Registry struct {
	mu       sync.RWMutex
	sessions []Session
	active   string
	created  int
	newID    func() string
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// List returns the sessions in creation order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Create adds a session with a default name and makes it active.
func (r *Registry) Create() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	s := Session{
		ID:        r.newID(),
		Name:      fmt.Sprintf("Terminal %d", r.created),
		CreatedAt: r.now(),
	}
	r.sessions = append(r.sessions, s)
	r.active = s.ID
	return s
}

// Rename changes the name of a session in place. The active pointer is not
// touched.
func (r *Registry) Rename(id, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return Session{}, fmt.Errorf("rename %s: %w", id, ErrNotFound)
	}
	r.sessions[i].Name = name
	return r.sessions[i], nil
}

// Close removes a session. Closing the only session is refused and leaves
// the registry unchanged. When the active session is closed the first
// remaining session becomes active. The returned id is the active session
// after the call.
func (r *Registry) Close(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return r.active, fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	if len(r.sessions) == 1 {
		return r.active, ErrLastSession
	}
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	if r.active == id {
		r.active = r.sessions[0].ID
	}
	return r.active, nil
}

// Activate makes id the foreground session.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(id) < 0 {
		return fmt.Errorf("activate %s: %w", id, ErrNotFound)
	}
	r.active = id
	return nil
}

// Active returns the foreground session, if any.
func (r *Registry) Active() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(r.active)
	if i < 0 {
		return Session{}, false
	}
	return r.sessions[i], true
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(id)
	if i < 0 {
		return Session{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r.sessions[i], nil
}

func (r *Registry) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, s := range r.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}
