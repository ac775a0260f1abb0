// Package ws is the WebSocket edge of matchroom: it authenticates and
// upgrades HTTP requests, reads client frames through epoll (or a
// goroutine-per-connection fallback off Linux), evicts dead connections
// and hands every frame to the dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/matchroom/internal/logging"
	"github.com/whisper/matchroom/internal/metrics"
)

// MaxFrameBytes bounds a single client frame.
const MaxFrameBytes = 64 * 1024

// poller delivers connections that have data to read.
type poller interface {
	Add(c *Connection) error
	Remove(c *Connection) error
	Run(done <-chan struct{}, read func(*Connection))
	Close() error
}

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// HeaderAuthenticator trusts a user id header set by the gateway in front
// of the server, which owns token validation.
type HeaderAuthenticator struct {
	Header string
}

var errNoUser = errors.New("ws: missing user id")

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = "X-User-ID"
	}
	id := strings.TrimSpace(r.Header.Get(header))
	if id == "" {
		return "", errNoUser
	}
	return id, nil
}

// Hooks connects the server to the application layer.
type Hooks struct {
	// OnConnect runs after the upgrade. An error closes the connection.
	OnConnect func(ctx context.Context, c *Connection) error
	// OnMessage receives every complete text frame.
	OnMessage func(c *Connection, data []byte)
	// OnDisconnect runs once per connection after it is removed.
	OnDisconnect func(c *Connection)
}

type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int // max concurrent read workers
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket clients.
type Server struct {
	config     ServerConfig
	auth       Authenticator
	hooks      Hooks
	conns      *ConnectionManager
	poller     poller
	httpServer *http.Server
	log        *slog.Logger
	done       chan struct{}
	stopped    atomic.Bool
	startedAt  time.Time
}

func NewServer(config ServerConfig, auth Authenticator, hooks Hooks, log *slog.Logger) *Server {
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &Server{
		config: config,
		auth:   auth,
		hooks:  hooks,
		conns:  NewConnectionManager(),
		log:    logging.Component(log, "ws"),
		done:   make(chan struct{}),
	}
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins reading connections and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	p, err := newPoller(s.config.WorkerPoolSize)
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.poller.Run(s.done, s.readFrame)
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("server listening",
		"addr", ln.Addr().String(), "workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", "user", userID, "err", err)
		return
	}

	c := newConnection(uuid.NewString(), userID, netConn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.hooks.OnConnect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := s.hooks.OnConnect(ctx, c)
		cancel()
		if err != nil {
			s.log.Warn("connect hook failed", "conn", c.ID, "user", userID, "err", err)
			s.RemoveConnection(c)
			return
		}
	}

	if err := s.poller.Add(c); err != nil {
		s.log.Error("poller add failed", "conn", c.ID, "err", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Info("new connection", "conn", c.ID, "user", userID, "total", s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readFrame reads one frame from a ready connection. Control frames are
// answered in place; a read error removes the connection.
func (s *Server) readFrame(c *Connection) {
	if s.conns.Get(c.ID) == nil {
		return
	}
	// Level-triggered epoll can report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// No data after all; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
			c.writeMu.Unlock()
		}
		return
	}

	if header.Length > MaxFrameBytes {
		s.log.Warn("frame too large", "conn", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}
	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection run the disconnect hook once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	s.log.Info("connection closed", "conn", c.ID, "user", c.UserID, "total", s.conns.Count())
}

func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes every live one.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("shutting down server")
	close(s.done)

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", "err", err)
		}
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}
	s.log.Info("server stopped")
	return err
}
