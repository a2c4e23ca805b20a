// Package classify turns raw agent output into typed signal events.
//
// Classification is an ordered list of rules evaluated against the
// ASCII-lower-cased line. The first rule that matches decides the kind, so a
// line carrying a tool marker is always a Tool event even when it also
// mentions a rate limit or a cost.
package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
)

// Kind is the closed set of signal kinds.
type Kind int

const (
	KindTool Kind = iota
	KindRateLimit
	KindAPIError
	KindUsage
)

// Fixed labels for the non-tool kinds.
const (
	LabelRateLimit = "RateLimit"
	LabelAPIError  = "APIError"
	LabelUsage     = "Usage"
)

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindRateLimit:
		return "rate_limit"
	case KindAPIError:
		return "api_error"
	case KindUsage:
		return "usage"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindTool, KindRateLimit, KindAPIError, KindUsage:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("classify: invalid kind %d", int(k))
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "tool":
		*k = KindTool
	case "rate_limit":
		*k = KindRateLimit
	case "api_error":
		*k = KindAPIError
	case "usage":
		*k = KindUsage
	default:
		return fmt.Errorf("classify: unknown kind %q", b)
	}
	return nil
}

// Rule matches one kind. Match receives the original line and its
// ASCII-lower-cased copy; both have identical byte offsets. It returns the
// label for the event and whether the rule applies.
type Rule struct {
	Kind  Kind
	Match func(line, lower string) (label string, ok bool)
}

// Rules is the precedence order. The first matching rule wins.
var Rules = []Rule{
	{Kind: KindTool, Match: matchTool},
	{Kind: KindRateLimit, Match: fixed(LabelRateLimit, isRateLimit)},
	{Kind: KindAPIError, Match: fixed(LabelAPIError, isAPIError)},
	{Kind: KindUsage, Match: fixed(LabelUsage, isUsage)},
}

// Signal is the classification of a single line.
type Signal struct {
	Kind   Kind
	Label  string
	Detail string
}

// Classify returns the kind of line, or false when no rule matches.
func Classify(line string) (Kind, bool) {
	s, ok := Match(line)
	return s.Kind, ok
}

// Match classifies line and extracts its label and detail.
func Match(line string) (Signal, bool) {
	lower := lowerASCII(line)
	for _, r := range Rules {
		label, ok := r.Match(line, lower)
		if !ok {
			continue
		}
		detail := stripFeaturePrefix(line)
		if r.Kind == KindTool {
			detail = removeToolMarker(detail)
		}
		return Signal{Kind: r.Kind, Label: label, Detail: strings.TrimSpace(detail)}, true
	}
	return Signal{}, false
}

// SignalEvent is one classified line of a log. ID is the line's absolute
// offset in the source log.
type SignalEvent struct {
	ID          int       `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SourceIndex *int      `json:"agentIndex,omitempty"`
	FeatureID   *int      `json:"featureId,omitempty"`
	Kind        Kind      `json:"kind"`
	Label       string    `json:"label"`
	Detail      string    `json:"detail"`
	Raw         string    `json:"raw"`
}

// Derive classifies every line in order and keeps the ones that match.
// base is the absolute offset of lines[0]. Derive does not modify lines.
func Derive(lines []core.LogLine, base int) []SignalEvent {
	var out []SignalEvent
	for i, l := range lines {
		s, ok := Match(l.Text)
		if !ok {
			continue
		}
		out = append(out, SignalEvent{
			ID:          base + i,
			Timestamp:   l.Timestamp,
			SourceIndex: l.SourceIndex,
			FeatureID:   l.FeatureID,
			Kind:        s.Kind,
			Label:       s.Label,
			Detail:      s.Detail,
			Raw:         l.Text,
		})
	}
	return out
}

func fixed(label string, pred func(lower string) bool) func(string, string) (string, bool) {
	return func(_, lower string) (string, bool) {
		if pred(lower) {
			return label, true
		}
		return "", false
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
