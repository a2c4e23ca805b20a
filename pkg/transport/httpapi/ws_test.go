package httpapi

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/modoterra/switchyard/pkg/core"
)

type wsMessage struct {
	Type       string `json:"type"`
	Line       string `json:"line"`
	Status     string `json:"status"`
	FeatureID  *int   `json:"featureId"`
	AgentIndex *int   `json:"agentIndex"`
	State      string `json:"state"`
}

func dialWS(t *testing.T, url string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) wsMessage {
	t.Helper()
	for {
		var m wsMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func TestWebsocketInitialStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	conn, ctx := dialWS(t, ts.URL+"/ws/projects/shop")

	var first, second wsMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatal(err)
	}
	if first.Type != msgAgentStatus || first.Status != "running" {
		t.Errorf("first = %+v", first)
	}
	if second.Type != msgDevServerStatus || second.Status != "stopped" {
		t.Errorf("second = %+v", second)
	}
}

func TestWebsocketStreamsLines(t *testing.T) {
	ts, project := newTestServer(t)
	conn, ctx := dialWS(t, ts.URL+"/ws/projects/shop")
	readUntil(t, ctx, conn, msgDevServerStatus)

	if _, err := project.Ingest(core.SourceAgent, core.NewLogLine("", "Started coding agent for feature #5: Search")); err != nil {
		t.Fatal(err)
	}
	if _, err := project.Ingest(core.SourceAgent, core.NewLogLine("", "[Feature #5] Reading schema.sql")); err != nil {
		t.Fatal(err)
	}
	if _, err := project.Ingest(core.SourceDevServer, core.NewLogLine("", "ready on :3000")); err != nil {
		t.Fatal(err)
	}

	upd := readUntil(t, ctx, conn, msgAgentUpdate)
	if upd.State != "thinking" {
		t.Errorf("agent update = %+v", upd)
	}

	var attributed wsMessage
	for {
		m := readUntil(t, ctx, conn, msgLog)
		if m.FeatureID != nil {
			attributed = m
			break
		}
	}
	if *attributed.FeatureID != 5 || attributed.AgentIndex == nil || *attributed.AgentIndex != 0 {
		t.Errorf("attributed log = %+v", attributed)
	}

	dev := readUntil(t, ctx, conn, msgDevLog)
	if dev.Line != "ready on :3000" {
		t.Errorf("dev log = %+v", dev)
	}
}

func TestWebsocketPingPong(t *testing.T) {
	ts, _ := newTestServer(t)
	conn, ctx := dialWS(t, ts.URL+"/ws/projects/shop")

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	ping, _ := json.Marshal(clientMessage{Type: msgPing})
	if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatal(err)
	}
	readUntil(t, ctx, conn, msgPong)
}

func TestWebsocketUnknownProject(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/projects/blog", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("response = %v", resp)
	}
}
