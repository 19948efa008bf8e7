// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/broker"
	"github.com/gorilla/websocket"
)

const transportName = "websocket"

// IPRateLimiter decides whether a new connection from addr is accepted.
type IPRateLimiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	ReadLimit       int64
	RateLimiter     IPRateLimiter
}

type Server struct {
	config   Config
	coord    *broker.Coordinator
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConnection]struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, c *broker.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/wmq"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = broker.DefaultReadBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		coord:  c,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:  make(map[*wsConnection]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the HTTP handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting upgrades and closes every open WebSocket.
func (s *Server) Shutdown() error {
	s.logger.Info("websocket_server_shutdown_initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
	}

	// Hijacked connections are not tracked by http.Server.
	s.cancel()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.logger.Info("websocket_server_stopped")
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(&wsAddr{addr: r.RemoteAddr}) {
		s.logger.Warn("websocket_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(s.config.ReadLimit)

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	conn := newWSConnection(ws, r.RemoteAddr, s.config.WriteTimeout)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if err := broker.HandleConnection(s.ctx, s.coord, conn, transportName); err != nil {
		s.logger.Debug("websocket_handler_stopped", slog.String("error", err.Error()))
	}
}

// wsConnection implements broker.Conn. One WebSocket message is one frame;
// writes are sent as text messages.
type wsConnection struct {
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func newWSConnection(ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration) *wsConnection {
	return &wsConnection{
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConnection) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConnection) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConnection) RemoteAddr() net.Addr {
	return &wsAddr{addr: c.remoteAddr}
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
