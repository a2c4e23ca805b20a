package mux

import "fmt"

// DefaultTailMargin is the distance from the tail, in the consumer's own
// units, within which a view counts as being at the tail.
const DefaultTailMargin = 50

// WithinTail turns a distance-from-tail measurement into the near-tail
// decision SetNearTail expects.
func WithinTail(distance, margin int) bool {
	return distance <= margin
}

// SetNearTail records the consumer's latest scroll decision for a log.
// Following is true exactly when the last reported decision was near tail.
func (m *Multiplexer) SetNearTail(name string, near bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.follow[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownLog)
	}
	m.follow[name] = near
	return nil
}

// ReportDistance is SetNearTail with the default margin applied.
func (m *Multiplexer) ReportDistance(name string, distance int) error {
	return m.SetNearTail(name, WithinTail(distance, DefaultTailMargin))
}

// Following reports whether the consumer of name should jump to new lines.
func (m *Multiplexer) Following(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.follow[name]
	if !ok {
		return false, fmt.Errorf("%s: %w", name, ErrUnknownLog)
	}
	return f, nil
}
