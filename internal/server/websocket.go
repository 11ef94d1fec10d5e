// Package server exposes the supervisor's health and relayed output.
//
// The status server is an HTTP endpoint with three routes:
//
//   - GET /health returns the supervisor's protocol.Health as JSON, with
//     status 503 while the sidecar is not running
//   - GET /logs returns recent relayed lines (query: lines, stream, pattern)
//   - GET /ws upgrades to a WebSocket that streams protocol.LogMessage and
//     protocol.StatusMessage frames, starting with the current status
//
// The MCP server offers the same information as tools over stdio.
//
// Example usage:
//
//	status := server.NewStatusServer(supervisor, cfg.Status, logger)
//	go status.ListenAndServe(cfg.Status.Listen)
//	defer status.Close()
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bebsworthy/sidecar/internal/buffer"
	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/protocol"
)

// Source is the supervisor as seen by the status surfaces
type Source interface {
	Health() protocol.Health
	History() *buffer.RingBuffer
	Subscribe() (<-chan interface{}, func())
}

// StatusServer serves health, history, and a live WebSocket stream
type StatusServer struct {
	source   Source
	upgrader websocket.Upgrader
	logger   *logging.Logger

	connections map[*websocket.Conn]*connection
	connMutex   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpMutex  sync.Mutex
	httpServer *http.Server

	writeTimeout time.Duration
	pingInterval time.Duration
	readTimeout  time.Duration
}

// connection serialises writes to one WebSocket client
type connection struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
	connected  time.Time
}

// NewStatusServer creates a status server and starts forwarding the
// source's messages to WebSocket clients.
func NewStatusServer(source Source, cfg config.StatusConfig, logger *logging.Logger) *StatusServer {
	if logger == nil {
		logger = logging.Discard()
	}
	defaults := config.DefaultConfig().Status
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &StatusServer{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local status endpoint; browsers of the host UI connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       logger.Component("status"),
		connections:  make(map[*websocket.Conn]*connection),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		readTimeout:  2 * cfg.PingInterval,
	}

	messages, unsubscribe := source.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forward(messages)
	}()

	return s
}

// Handler returns the HTTP routes of the status server
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	return mux
}

// ListenAndServe serves the status routes on addr until Close is called
func (s *StatusServer) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.httpMutex.Lock()
	s.httpServer = srv
	s.httpMutex.Unlock()

	s.logger.Info("Status server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.source.Health()
	code := http.StatusOK
	if !health.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *StatusServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := buffer.GetOptions{
		Lines:   100,
		Stream:  query.Get("stream"),
		Pattern: query.Get("pattern"),
	}
	if lines := query.Get("lines"); lines != "" {
		n, err := strconv.Atoi(lines)
		if err != nil || n < 0 {
			http.Error(w, "lines must be a non-negative integer", http.StatusBadRequest)
			return
		}
		opts.Lines = n
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		opts.Since = t
	}

	resp, err := queryLogs(s.source, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryLogs runs a history query for the HTTP and MCP surfaces
func queryLogs(source Source, opts buffer.GetOptions) (*protocol.LogsResponse, error) {
	switch opts.Stream {
	case "", "both", string(protocol.StreamStdout), string(protocol.StreamStderr):
	default:
		return nil, fmt.Errorf("stream must be stdout, stderr or both, got %q", opts.Stream)
	}

	entries, err := source.History().Get(opts)
	if err != nil {
		return nil, err
	}

	lines := make([]protocol.LogLine, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.ToLogLine())
	}
	return &protocol.LogsResponse{
		Source: source.Health().Name,
		Lines:  lines,
		Count:  len(lines),
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleWebSocket upgrades the request and streams messages to the client
func (s *StatusServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &connection{conn: conn, connected: time.Now()}

	// The snapshot goes out before the connection joins the broadcast set so
	// it is always the first frame.
	health := s.source.Health()
	snapshot := protocol.NewStatusMessage(health.Name, health.State, health.PID, health.Exit)
	if err := s.send(c, snapshot); err != nil {
		_ = conn.Close()
		return
	}

	s.connMutex.Lock()
	s.connections[conn] = c
	s.connMutex.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(c)
	}()
}

// handleConnection runs the read and ping loops until the client goes away
func (s *StatusServer) handleConnection(c *connection) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go s.handlePing(ctx, c)

	_ = c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	// Clients do not send anything meaningful; reading drives pong and
	// close handling.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	s.cleanup(c)
}

func (s *StatusServer) handlePing(ctx context.Context, c *connection) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMutex.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// forward broadcasts every message from the source to all clients
func (s *StatusServer) forward(messages <-chan interface{}) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := s.Broadcast(msg); err != nil {
				s.logger.Debug("Broadcast incomplete", slog.String("error", err.Error()))
			}
		}
	}
}

// Broadcast sends msg to all connected clients
func (s *StatusServer) Broadcast(msg interface{}) error {
	s.connMutex.RLock()
	clients := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		clients = append(clients, c)
	}
	s.connMutex.RUnlock()

	var failed int
	var firstErr error
	for _, c := range clients {
		if err := s.send(c, msg); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to send to %d connections: %w", failed, firstErr)
	}
	return nil
}

func (s *StatusServer) send(c *connection, msg interface{}) error {
	data, err := protocol.SerializeMessage(msg)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *StatusServer) cleanup(c *connection) {
	s.connMutex.Lock()
	delete(s.connections, c.conn)
	s.connMutex.Unlock()
	_ = c.conn.Close()

	s.logger.Debug("WebSocket client disconnected",
		slog.Duration("connected_for", time.Since(c.connected)))
}

// ConnectionCount returns the number of connected WebSocket clients
func (s *StatusServer) ConnectionCount() int {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()
	return len(s.connections)
}

// Close stops the HTTP server and disconnects all clients
func (s *StatusServer) Close() error {
	s.cancel()

	var err error
	s.httpMutex.Lock()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.httpMutex.Unlock()

	s.connMutex.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.connMutex.Unlock()

	s.wg.Wait()
	return err
}
