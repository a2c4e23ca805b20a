package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
)

func startServer(t *testing.T, register func(*Server)) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})

	// Wait for socket to appear
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, sock
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPingRoundTrip(t *testing.T) {
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true, Project: "shop"}, nil
		})
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pong PingResponse
	if err := client.Call(ctx, MethodPing, nil, &pong); err != nil {
		t.Fatalf("ping request: %v", err)
	}
	if !pong.Pong || pong.Project != "shop" {
		t.Errorf("unexpected pong: %+v", pong)
	}
}

func TestRequestPayload(t *testing.T) {
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodLogsAppend, func(_ context.Context, msg Message) (any, error) {
			var req LogsAppendRequest
			if err := msg.UnmarshalData(&req); err != nil {
				return nil, err
			}
			if req.Log == "" {
				return nil, fmt.Errorf("log is required")
			}
			return LogsAppendResponse{Next: len(req.Lines)}, nil
		})
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp LogsAppendResponse
	if err := client.Call(ctx, MethodLogsAppend, LogsAppendRequest{Log: "agent", Lines: []string{"a", "b"}}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Next != 2 {
		t.Errorf("next: got %d", resp.Next)
	}

	err := client.Call(ctx, MethodLogsAppend, LogsAppendRequest{}, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "log is required" {
		t.Errorf("expected remote error, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, sock := startServer(t, nil)
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Request(ctx, "NoSuchMethod", nil); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestBroadcastEvent(t *testing.T) {
	srv, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	client := dial(t, sock)

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) {
		evtCh <- msg
	})

	// Ensure connection is established by doing a ping first
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()
	if _, err := client.Request(pingCtx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	evt, _ := NewEvent(EventProcessesDelta, ProcessesDelta{Removed: []string{"exec:shop:agent"}})
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventProcessesDelta {
			t.Errorf("expected method %s, got %s", EventProcessesDelta, msg.Method)
		}
		var d ProcessesDelta
		if err := msg.UnmarshalData(&d); err != nil || len(d.Removed) != 1 {
			t.Errorf("payload: %+v err=%v", d, err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestSubscribeFiltersLogEvents(t *testing.T) {
	srv, sock := startServer(t, nil)
	client := dial(t, sock)

	got := make(chan LogLineEvent, 8)
	client.OnEvent(func(msg Message) {
		var ev LogLineEvent
		if msg.Method == EventLogsLine && msg.UnmarshalData(&ev) == nil {
			got <- ev
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Subscribe(ctx, "devserver"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i, log := range []string{"agent", "devserver"} {
		evt, _ := NewEvent(EventLogsLine, LogLineEvent{Log: log, Offset: i})
		srv.BroadcastLog(log, evt)
	}

	select {
	case ev := <-got:
		if ev.Log != "devserver" {
			t.Fatalf("received %s line, want only devserver", ev.Log)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribed log line")
	}

	if err := client.Subscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	evt, _ := NewEvent(EventLogsLine, LogLineEvent{Log: "agent", Offset: 2})
	srv.BroadcastLog("agent", evt)
	select {
	case ev := <-got:
		if ev.Log != "agent" || ev.Offset != 2 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("empty subscription should deliver every log")
	}
}

// stalledConn connects without ever reading and waits until the server has
// registered it.
func stalledConn(t *testing.T, srv *Server, sock string) net.Conn {
	t.Helper()
	before := srv.Clients()
	nc, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	for i := 0; i < 100 && srv.Clients() == before; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	return nc
}

func bigLine(offset int) Message {
	evt, _ := NewEvent(EventLogsLine, LogLineEvent{
		Log:    "devserver",
		Offset: offset,
		Line:   core.NewLogLine("devserver", strings.Repeat("x", 64*1024)),
	})
	return evt
}

func TestStalledClientDoesNotBlockOthers(t *testing.T) {
	srv, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	stalledConn(t, srv, sock)

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 200; i++ {
			srv.Broadcast(bigLine(i))
		}
	}()
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a client that does not read")
	}

	client := dial(t, sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var pong PingResponse
	if err := client.Call(ctx, MethodPing, nil, &pong); err != nil || !pong.Pong {
		t.Fatalf("ping while another client is stalled: %v", err)
	}
}

func TestStalledClientDropped(t *testing.T) {
	srv, sock := startServer(t, func(s *Server) { s.queue = 4 })
	stalledConn(t, srv, sock)
	if srv.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", srv.Clients())
	}

	for i := 0; i < 200; i++ {
		srv.Broadcast(bigLine(i))
	}
	for i := 0; i < 200 && srv.Clients() != 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.Clients(); n != 0 {
		t.Fatalf("stalled client still connected, clients = %d", n)
	}
}

func TestResponseFlushedAfterHalfClose(t *testing.T) {
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	nc, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	req, _ := NewRequest(MethodPing, nil)
	raw, _ := json.Marshal(req)
	if _, err := nc.Write(append(raw, '\n')); err != nil {
		t.Fatal(err)
	}
	nc.(*net.UnixConn).CloseWrite()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(nc)
	if !scanner.Scan() {
		t.Fatalf("no response after half close: %v", scanner.Err())
	}
	var resp Message
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil || resp.ID != req.ID {
		t.Fatalf("response = %s err=%v", scanner.Bytes(), err)
	}
}

func TestConcurrentRequestsAndBroadcasts(t *testing.T) {
	srv, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	client := dial(t, sock)
	client.OnEvent(func(Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			evt, _ := NewEvent(EventLogsLine, LogLineEvent{Log: "agent", Offset: i})
			srv.Broadcast(evt)
		}
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				var pong PingResponse
				if err := client.Call(ctx, MethodPing, nil, &pong); err != nil || !pong.Pong {
					t.Errorf("ping: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestClientDoneOnShutdown(t *testing.T) {
	srv, sock := startServer(t, nil)
	client := dial(t, sock)

	for i := 0; i < 50 && srv.Clients() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	srv.Shutdown()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not notified of closed connection")
	}
	if _, err := client.Request(context.Background(), MethodPing, nil); err == nil {
		t.Error("expected error after shutdown")
	}
}

func TestUnmarshalDataEmpty(t *testing.T) {
	req := LogsReadRequest{Log: "keep"}
	if err := (Message{}).UnmarshalData(&req); err != nil || req.Log != "keep" {
		t.Errorf("empty payload should be a no-op: %+v %v", req, err)
	}
}
