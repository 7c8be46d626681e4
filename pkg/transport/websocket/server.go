package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/transport"
)

// Server accepts node upgrades on protocol.WebSocketPath. Every other path or method is forbidden.
type Server struct {
	server   *http.Server
	router   chi.Router
	upgrader websocket.Upgrader
	admit    transport.AdmitFunc
	mu       sync.Mutex
	running  bool
	closed   bool
}

// NewServer creates a websocket listener that consults admit before each upgrade
func NewServer(admit transport.AdmitFunc) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // nodes are not browsers
			},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: protocol.DefaultHandshakeTimeout,
		},
		admit: admit,
	}

	r := chi.NewRouter()
	r.Get(protocol.WebSocketPath, s.handleWebSocket)
	r.NotFound(forbidden)
	r.MethodNotAllowed(forbidden)
	s.router = r

	return s
}

func forbidden(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Close. A non-nil tlsConfig serves wss.
func (s *Server) Serve(l net.Listener, tlsConfig *tls.Config) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("websocket server already running")
	}

	s.server = &http.Server{
		Handler:           s.router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}
	s.running = true
	srv := s.server
	s.mu.Unlock()

	proto := "ws"
	if tlsConfig != nil {
		proto = "wss"
		l = tls.NewListener(l, tlsConfig)
	}
	logger.Info("Starting WebSocket server", "addr", l.Addr().String(), "protocol", proto)

	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("WebSocket server error", "protocol", proto, "err", err)
		return err
	}
	logger.Info("WebSocket server stopped", "protocol", proto)
	return nil
}

// Close stops accepting upgrades. Live connections are closed by their owners.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), protocol.DefaultShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleWebSocket admits the node identity, then upgrades. Admission happens first so a
// duplicate identity is refused with a plain 403 instead of a dropped socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get(protocol.HeaderUserAgent)
	if nodeID == "" {
		logger.Warn("WebSocket connection rejected: missing node id", "remote_addr", r.RemoteAddr)
		http.Error(w, "node id is required in User-Agent", http.StatusBadRequest)
		return
	}

	logger.Debug("WebSocket connection attempt", "node_id", nodeID, "remote_addr", r.RemoteAddr)

	admission, err := s.admit(nodeID)
	if err != nil {
		logger.Warn("WebSocket connection rejected", "node_id", nodeID, "remote_addr", r.RemoteAddr, "err", err)
		forbidden(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		logger.Error("Failed to upgrade WebSocket connection", "node_id", nodeID, "remote_addr", r.RemoteAddr, "err", err)
		if admission.Abort != nil {
			admission.Abort(err)
		}
		return
	}

	wsConn := NewWebSocketConnection(conn, nodeID)
	logger.Info("Node connected", "node_id", nodeID, "remote_addr", r.RemoteAddr)

	defer func() {
		if err := wsConn.Close(); err != nil {
			logger.Debug("Error closing websocket connection", "err", err)
		}
		logger.Info("Node disconnected", "node_id", nodeID)
	}()

	admission.Serve(wsConn)
}
