package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/modoterra/switchyard/pkg/agent"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/daemon"
	"github.com/modoterra/switchyard/pkg/mux"
)

// Websocket message types.
const (
	msgLog             = "log"
	msgDevLog          = "dev_log"
	msgCleared         = "cleared"
	msgAgentUpdate     = "agent_update"
	msgAgentStatus     = "agent_status"
	msgDevServerStatus = "dev_server_status"
	msgTerminals       = "terminals"
	msgPing            = "ping"
	msgPong            = "pong"
)

type logMessage struct {
	Type       string    `json:"type"`
	Line       string    `json:"line"`
	Timestamp  time.Time `json:"timestamp"`
	FeatureID  *int      `json:"featureId,omitempty"`
	AgentIndex *int      `json:"agentIndex,omitempty"`
}

type clearedMessage struct {
	Type string `json:"type"`
	Log  string `json:"log"`
}

type agentMessage struct {
	Type string `json:"type"`
	agent.Update
}

type statusMessage struct {
	Type   string      `json:"type"`
	Status core.Status `json:"status"`
}

type terminalsMessage struct {
	Type string `json:"type"`
	daemon.TerminalState
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleWebsocket streams agent and dev server lines, agent updates and
// process status changes. Clients may send {"type":"ping"}.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	entries, stopLogs := s.project.Mux.Subscribe()
	defer stopLogs()
	events, stopEvents := s.project.Watch()
	defer stopEvents()

	if s.processes != nil {
		for _, proc := range s.processes.Processes() {
			if msg, ok := processStatusMessage(proc); ok {
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			}
		}
	}

	pongs := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("invalid websocket message", "err", err)
				continue
			}
			if msg.Type == msgPing {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	keepalive := time.NewTicker(s.pingInterval)
	defer keepalive.Stop()

	for {
		var out any
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-pongs:
			out = clientMessage{Type: msgPong}
		case <-keepalive.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
			continue
		case e := <-entries:
			msg, ok := entryMessage(e)
			if !ok {
				continue
			}
			out = msg
		case e := <-events:
			msg, ok := eventMessage(e)
			if !ok {
				continue
			}
			out = msg
		}
		if err := wsjson.Write(ctx, conn, out); err != nil {
			return
		}
	}
}

func entryMessage(e mux.Entry) (any, bool) {
	var typ string
	switch e.Log {
	case core.SourceAgent:
		typ = msgLog
	case core.SourceDevServer:
		typ = msgDevLog
	default:
		return nil, false
	}
	if e.Cleared {
		return clearedMessage{Type: msgCleared, Log: e.Log}, true
	}
	return logMessage{
		Type:       typ,
		Line:       e.Line.Text,
		Timestamp:  e.Line.Timestamp,
		FeatureID:  e.Line.FeatureID,
		AgentIndex: e.Line.SourceIndex,
	}, true
}

func eventMessage(e daemon.Event) (any, bool) {
	switch e.Kind {
	case daemon.EventAgentUpdate:
		return agentMessage{Type: msgAgentUpdate, Update: e.Agent}, true
	case daemon.EventTerminals:
		return terminalsMessage{Type: msgTerminals, TerminalState: e.Terms}, true
	case daemon.EventProcess:
		return processStatusMessage(e.Process)
	}
	return nil, false
}

func processStatusMessage(proc core.Process) (any, bool) {
	switch proc.Source {
	case core.SourceAgent:
		return statusMessage{Type: msgAgentStatus, Status: proc.Status}, true
	case core.SourceDevServer:
		return statusMessage{Type: msgDevServerStatus, Status: proc.Status}, true
	}
	return nil, false
}
