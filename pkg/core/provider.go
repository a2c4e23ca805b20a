package core

import "context"

// Provider is the interface all process providers must implement.
type Provider interface {
	// Name returns the provider's identifier (e.g., "exec", "systemd").
	Name() string

	// List returns all processes this provider currently knows about.
	List(ctx context.Context) ([]Process, error)

	// Action performs an action (start, stop, restart) on the given process.
	Action(ctx context.Context, processID string, action string) error
}

// LogProvider is the interface for providers that stream lines into a log.
type LogProvider interface {
	// Subscribe starts streaming lines for the given process.
	Subscribe(ctx context.Context, processID string) (<-chan LogLine, error)

	// Unsubscribe stops streaming lines for the given process.
	Unsubscribe(processID string) error
}
