package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/switchyard/pkg/agent"
	"github.com/modoterra/switchyard/pkg/classify"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/terminal"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UnmarshalData decodes the message payload into v. An absent payload
// leaves v untouched.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Method, err)
	}
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  errMsg,
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// Methods
const (
	MethodPing           = "Ping"
	MethodLoadManifest   = "LoadManifest"
	MethodUpdateManifest = "UpdateManifest"
	MethodListProcesses  = "ListProcesses"
	MethodAction         = "Action"
	MethodLogsRead       = "LogsRead"
	MethodLogsAppend     = "LogsAppend"
	MethodLogsClear      = "LogsClear"
	MethodLogsFollow     = "LogsFollow"
	MethodLogsList       = "LogsList"
	MethodAPICalls       = "APICalls"
	MethodListAgents     = "ListAgents"
	MethodTermList       = "TermList"
	MethodTermCreate     = "TermCreate"
	MethodTermRename     = "TermRename"
	MethodTermClose      = "TermClose"
	MethodTermActivate   = "TermActivate"
	MethodSubscribe      = "Subscribe"

	EventProcessesDelta = "processes.delta"
	EventLogsLine       = "logs.line"
	EventAgentsUpdate   = "agents.update"
	EventTermChanged    = "term.changed"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Project string `json:"project,omitempty"`
	Version string `json:"version,omitempty"`
}

// LoadManifestRequest is the payload for LoadManifest.
type LoadManifestRequest struct {
	Path string `json:"path"`
}

// LoadManifestResponse is the response for LoadManifest.
type LoadManifestResponse struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// UpdateManifestRequest replaces or removes the process feeding Source
// (agent or devserver). Process is decoded as a manifest process.
type UpdateManifestRequest struct {
	Source  string         `json:"source"`
	Process map[string]any `json:"process,omitempty"`
	Remove  bool           `json:"remove,omitempty"`
}

// UpdateManifestResponse is the response for UpdateManifest.
type UpdateManifestResponse struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// ActionRequest is the payload for an Action request.
type ActionRequest struct {
	ProcessID string `json:"process_id"`
	Action    string `json:"action"` // start, stop, restart
}

// ProcessesDelta is the payload of the processes.delta event.
type ProcessesDelta struct {
	Added   []core.Process `json:"added,omitempty"`
	Updated []core.Process `json:"updated,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// HasChanges returns true if the delta contains any changes.
func (d ProcessesDelta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Removed) > 0
}

// LogsReadRequest asks for the lines of Log at absolute offsets >= Since.
// The response is a mux.Page.
type LogsReadRequest struct {
	Log   string `json:"log"`
	Since int    `json:"since"`
}

// LogsAppendRequest appends lines to a log, in order.
type LogsAppendRequest struct {
	Log   string   `json:"log"`
	Lines []string `json:"lines"`
}

// LogsAppendResponse carries the offset the next line will get.
type LogsAppendResponse struct {
	Next int `json:"next"`
}

// LogsClearRequest empties a log.
type LogsClearRequest struct {
	Log string `json:"log"`
}

// LogsFollowRequest reports a consumer's scroll position for a log. With
// neither Near nor Distance set it only queries the state.
type LogsFollowRequest struct {
	Log      string `json:"log"`
	Near     *bool  `json:"near,omitempty"`
	Distance *int   `json:"distance,omitempty"`
}

// FollowState is the response of LogsFollow.
type FollowState struct {
	Log       string `json:"log"`
	Following bool   `json:"following"`
}

// LogsListResponse names the logs of the project.
type LogsListResponse struct {
	Logs []string `json:"logs"`
}

// APICallsResponse carries the derived apicalls view.
type APICallsResponse struct {
	Events []classify.SignalEvent `json:"events"`
}

// AgentsResponse lists the active agents.
type AgentsResponse struct {
	Agents []agent.Update `json:"agents"`
}

// SubscribeRequest narrows the logs.line events pushed to one connection.
// An empty Logs list restores delivery of every log.
type SubscribeRequest struct {
	Logs []string `json:"logs,omitempty"`
}

// LogLineEvent is the payload of the logs.line event.
type LogLineEvent struct {
	Log     string       `json:"log"`
	Offset  int          `json:"offset"`
	Line    core.LogLine `json:"line"`
	Cleared bool         `json:"cleared,omitempty"`
}

// TermRequest addresses a terminal session.
type TermRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// TermListResponse is the session list and the active session id. It is
// also the payload of the term.changed event.
type TermListResponse struct {
	Sessions []terminal.Session `json:"sessions"`
	Active   string             `json:"active"`
}
