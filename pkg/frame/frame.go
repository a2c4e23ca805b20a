// Package frame decodes the server-sent event stream produced by the
// scaffold runner into discrete typed events.
//
// The wire format is line oriented: every line that starts with Prefix
// carries one JSON object whose "type" field selects the event:
//
//	data: {"type":"output","line":"installing..."}
//	data: {"type":"complete","success":true,"exit_code":0}
//	data: {"type":"error","message":"npx is not available"}
//
// Lines without the prefix (keep-alives, comments, blank separators) are
// ignored. A payload that does not parse is skipped; it never ends the stream.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Prefix marks a frame line in the event stream.
const Prefix = "data: "

// ErrMalformed is returned by Parse for payloads that are not a known event.
var ErrMalformed = errors.New("malformed frame")

// Event is a decoded frame payload: one of Output, Complete or Error.
type Event interface {
	isEvent()
}

// Output carries one line of process output.
type Output struct {
	Line string
}

// Complete ends the logical stream.
type Complete struct {
	Success  bool
	ExitCode int
}

// Error reports a failure that prevented or aborted the run.
type Error struct {
	Message string
}

func (Output) isEvent()   {}
func (Complete) isEvent() {}
func (Error) isEvent()    {}

// Event type tags on the wire.
const (
	TypeOutput   = "output"
	TypeComplete = "complete"
	TypeError    = "error"
)

type payload struct {
	Type     string `json:"type"`
	Line     string `json:"line"`
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message"`
}

// Parse decodes one frame payload (the text after Prefix).
func Parse(data []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch p.Type {
	case TypeOutput:
		return Output{Line: p.Line}, nil
	case TypeComplete:
		return Complete{Success: p.Success, ExitCode: p.ExitCode}, nil
	case TypeError:
		return Error{Message: p.Message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)
	}
}

// Encode renders an event as a complete frame, including the blank
// separator line that ends an SSE message.
func Encode(ev Event) ([]byte, error) {
	var v any
	switch e := ev.(type) {
	case Output:
		v = struct {
			Type string `json:"type"`
			Line string `json:"line"`
		}{TypeOutput, e.Line}
	case Complete:
		v = struct {
			Type     string `json:"type"`
			Success  bool   `json:"success"`
			ExitCode int    `json:"exit_code"`
		}{TypeComplete, e.Success, e.ExitCode}
	case Error:
		v = struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{TypeError, e.Message}
	default:
		return nil, fmt.Errorf("encode frame: unsupported event %T", ev)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	out := make([]byte, 0, len(Prefix)+len(raw)+2)
	out = append(out, Prefix...)
	out = append(out, raw...)
	out = append(out, '\n', '\n')
	return out, nil
}
