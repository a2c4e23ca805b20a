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
	"sync"
	"time"
)

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

const (
	// sendQueue is how many outbound messages may wait for a client before
	// it is treated as stalled and disconnected.
	sendQueue = 1024
	// writeTimeout bounds a single write to a client.
	writeTimeout = 5 * time.Second
)

// conn owns the outbound side of one client. Every write goes through its
// queue and is performed by writeLoop, so a client that stops reading never
// blocks another. logs holds the connection's log subscription; nil means
// every log.
type conn struct {
	net.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once

	mu   sync.Mutex
	logs map[string]bool
}

func newConn(nc net.Conn, queue int) *conn {
	return &conn{
		Conn: nc,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

// finish asks writeLoop to flush what is queued and then close.
func (c *conn) finish() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *conn) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.out:
			if !c.write(line, logger) {
				return
			}
		case <-c.stop:
			for {
				select {
				case line := <-c.out:
					if !c.write(line, logger) {
						return
					}
				default:
					c.close()
					return
				}
			}
		}
	}
}

func (c *conn) write(line []byte, logger *slog.Logger) bool {
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.Write(line); err != nil {
		logger.Debug("client write error", "err", err)
		c.close()
		return false
	}
	return true
}

// send queues a response, waiting for room while the client is connected.
func (c *conn) send(line []byte) error {
	select {
	case c.out <- line:
		return nil
	case <-c.done:
		return net.ErrClosed
	}
}

// offer queues an event without waiting. It reports false when the queue is
// full.
func (c *conn) offer(line []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- line:
		return true
	default:
		return false
	}
}

func (c *conn) subscribe(logs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(logs) == 0 {
		c.logs = nil
		return
	}
	c.logs = make(map[string]bool, len(logs))
	for _, l := range logs {
		c.logs[l] = true
	}
}

func (c *conn) wants(log string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs == nil || c.logs[log]
}

// Server listens on a Unix domain socket and dispatches NDJSON messages.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	clients    map[*conn]struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	queue      int
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*conn]struct{}),
		logger:     logger,
		queue:      sendQueue,
	}
}

// Handle registers a handler for a method. Register handlers before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Start begins listening. It removes any stale socket file first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		c := newConn(nc, s.queue)
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go c.writeLoop(s.logger)
		go s.handleConn(ctx, c)
	}
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(msg Message) {
	s.fanout(msg, func(*conn) bool { return true })
}

// BroadcastLog sends an event about log only to clients subscribed to it.
func (s *Server) BroadcastLog(log string, msg Message) {
	s.fanout(msg, func(c *conn) bool { return c.wants(log) })
}

// fanout queues msg for every client deliver accepts. The client set is
// copied first so no write happens under the server lock. A client whose
// queue is full is disconnected.
func (s *Server) fanout(msg Message, deliver func(*conn) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "method", msg.Method, "err", err)
		return
	}
	line := append(data, '\n')

	s.mu.RLock()
	targets := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !deliver(c) {
			continue
		}
		if !c.offer(line) {
			s.logger.Warn("dropping stalled client", "method", msg.Method, "queued", len(c.out))
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown cleanly stops the server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, c *conn) {
	defer func() {
		c.finish()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Error("invalid message", "err", err)
			continue
		}

		if msg.Type != MsgTypeReq {
			continue
		}

		if msg.Method == MethodSubscribe {
			s.writeMessage(c, s.subscribe(c, msg))
			continue
		}

		handler, ok := s.handlers[msg.Method]
		if !ok {
			resp := NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method))
			s.writeMessage(c, resp)
			continue
		}

		result, err := handler(ctx, msg)
		var resp Message
		if err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, err.Error())
		} else if resp, err = NewResponse(msg.ID, msg.Method, result); err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("encode response: %v", err))
		}
		s.writeMessage(c, resp)
	}
}

// subscribe is answered by the server itself since the subscription
// belongs to the connection, not to any handler.
func (s *Server) subscribe(c *conn, msg Message) Message {
	var req SubscribeRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	c.subscribe(req.Logs)
	s.logger.Debug("client subscribed", "logs", req.Logs)
	resp, err := NewResponse(msg.ID, msg.Method, req)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	return resp
}

func (s *Server) writeMessage(c *conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal response error", "err", err)
		return
	}
	data = append(data, '\n')
	if err := c.send(data); err != nil {
		s.logger.Debug("write response error", "method", msg.Method, "err", err)
	}
}
