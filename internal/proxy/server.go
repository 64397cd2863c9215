// File: internal/proxy/server.go

// Package proxy is the clicker sidecar: a WebSocket server that launches a
// browser per connected client, relays BiDi traffic in both directions and
// serves the vibium: extension commands locally.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server accepts client WebSocket connections and hands them to callbacks.
type Server struct {
	port       int
	logger     *zap.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    sync.Map // map[uint64]*ClientConn
	nextID     atomic.Uint64

	onConnect func(*ClientConn)
	onMessage func(*ClientConn, []byte)
	onClose   func(*ClientConn)
}

// ClientConn is one connected WebSocket client.
type ClientConn struct {
	ID     uint64
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPort sets the listen port.
func WithPort(port int) ServerOption {
	return func(s *Server) { s.port = port }
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithOnConnect registers the client-connected callback.
func WithOnConnect(fn func(*ClientConn)) ServerOption {
	return func(s *Server) { s.onConnect = fn }
}

// WithOnMessage registers the per-frame callback.
func WithOnMessage(fn func(*ClientConn, []byte)) ServerOption {
	return func(s *Server) { s.onMessage = fn }
}

// WithOnClose registers the client-disconnected callback.
func WithOnClose(fn func(*ClientConn)) ServerOption {
	return func(s *Server) { s.onClose = fn }
}

// NewServer creates a Server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		port:   9222,
		logger: zap.NewNop(),
		upgrader: websocket.Upgrader{
			// Local automation endpoint; origin checks would only break
			// non-browser clients.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("proxy")
	return s
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server terminated", zap.Error(err))
		}
	}()

	s.logger.Info("Listening", zap.String("addr", addr))
	return nil
}

// Stop closes all client connections and shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.clients.Range(func(_, value any) bool {
		if client, ok := value.(*ClientConn); ok {
			_ = client.Close()
		}
		return true
	})

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &ClientConn{
		ID:   s.nextID.Add(1),
		conn: conn,
	}
	s.clients.Store(client.ID, client)
	s.logger.Info("Client connected",
		zap.Uint64("client_id", client.ID), zap.String("remote", r.RemoteAddr))

	if s.onConnect != nil {
		s.onConnect(client)
	}
	s.readClient(client)
}

func (s *Server) readClient(client *ClientConn) {
	defer func() {
		s.clients.Delete(client.ID)
		_ = client.Close()
		s.logger.Info("Client disconnected", zap.Uint64("client_id", client.ID))
		if s.onClose != nil {
			s.onClose(client)
		}
	}()

	for {
		msgType, msg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Client read failed",
					zap.Uint64("client_id", client.ID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(client, msg)
		}
	}
}

// Send writes a text frame to the client.
func (c *ClientConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close closes the client connection. Idempotent.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
