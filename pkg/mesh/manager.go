package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/events"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/transport"
)

// RequestHandler executes a request the peer tunneled to this side.
// Implementations answer by sending a response on s.
type RequestHandler interface {
	OnTunneledRequest(ctx context.Context, s *Session, msg *protocol.Message)
}

// Role fixes which message kinds a side accepts
type Role int

// Roles
const (
	// RoleServer accepts node requests and service responses
	RoleServer Role = iota
	// RoleNode accepts service requests and node responses
	RoleNode
)

func (r Role) accepts(k protocol.Kind) bool {
	switch r {
	case RoleServer:
		return k == protocol.NodeRequest || k == protocol.ServiceResponse
	case RoleNode:
		return k == protocol.ServiceRequest || k == protocol.NodeResponse
	default:
		return false
	}
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Role Role
	// Registry routes responses and unlinks sessions on close. Nil on the node side.
	Registry *Registry
	Handler  RequestHandler
	// Publisher receives active, lost and close events. Defaults to logging only.
	Publisher        events.Publisher
	LivenessInterval time.Duration
}

// Manager runs the send loop and receive dispatch of sessions
type Manager struct {
	role             Role
	registry         *Registry
	handler          RequestHandler
	publisher        events.Publisher
	livenessInterval time.Duration
}

// NewManager creates a session manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Publisher == nil {
		cfg.Publisher = events.LogPublisher{}
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 10 * time.Second
	}
	return &Manager{
		role:             cfg.Role,
		registry:         cfg.Registry,
		handler:          cfg.Handler,
		publisher:        cfg.Publisher,
		livenessInterval: cfg.LivenessInterval,
	}
}

// Run attaches conn to s and serves it until the transport closes or the session is torn down.
// On return s is closed, unlinked from the registry and a close event was published.
func (m *Manager) Run(ctx context.Context, s *Session, conn transport.Connection) {
	s.Attach(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.sendLoop(s, conn)
	}()

	// Teardown wakes the read below by closing the transport
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Closed():
		}
	}()

	m.receiveLoop(ctx, s, conn)
	m.teardown(s)
	wg.Wait()
}

// sendLoop is the single consumer of the session's transmit queue
func (m *Manager) sendLoop(s *Session, conn transport.Connection) {
	q := s.Queue()

	for {
		if !q.Wait(m.livenessInterval) {
			if q.Exited() {
				return
			}
			// The ping sent on the previous idle timeout must have been answered by now
			if err := conn.Probe(m.livenessInterval); err != nil {
				logger.Warn("Transport liveness check failed", "node_id", s.ID, "conn_id", s.ConnID, "err", err)
				m.publisher.Publish(events.Lost, s.ID)
				s.Close()
				return
			}
			continue
		}

		for item := q.Dequeue(); item != nil; item = q.Dequeue() {
			if err := m.send(s, conn, item); err != nil && err != ErrMalformedPayload {
				logger.Error("Failed to write frame, closing session", "node_id", s.ID, "conn_id", s.ConnID, "err", err)
				monitoring.IncrementErrors()
				s.Close()
				return
			}
		}
	}
}

func (m *Manager) send(s *Session, conn transport.Connection, item *WorkItem) error {
	if item.PreHook != nil {
		item.PreHook()
	}

	var err error
	if json.Valid(item.Payload) {
		err = conn.WriteMessage(item.Payload)
		if err == nil && monitoring.ShouldLogFrame() {
			logger.Debug("Frame sent", "node_id", s.ID, "bytes", len(item.Payload))
		}
	} else {
		logger.Error("Dropping malformed outbound payload", "node_id", s.ID, "bytes", len(item.Payload))
		err = ErrMalformedPayload
	}

	if item.PostHook != nil {
		item.PostHook(err)
	}
	return err
}

func (m *Manager) receiveLoop(ctx context.Context, s *Session, conn transport.Connection) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateOpen {
				logger.Info("Transport read ended", "node_id", s.ID, "conn_id", s.ConnID, "err", err)
			}
			return
		}
		m.dispatch(ctx, s, data)
	}
}

// dispatch routes one inbound frame. Bad frames are dropped; the connection stays up.
func (m *Manager) dispatch(ctx context.Context, s *Session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.drop(s, "undecodable frame", err)
		return
	}

	if s.markActive() {
		m.publisher.Publish(events.Active, s.ID)
	}

	if !m.role.accepts(msg.Kind) {
		m.drop(s, "unexpected message kind", nil, "kind", msg.Kind.String())
		return
	}

	switch {
	case msg.Kind.IsRequest():
		if m.handler == nil {
			m.drop(s, "no request handler", nil, "kind", msg.Kind.String())
			return
		}
		go m.handler.OnTunneledRequest(ctx, s, msg)

	case msg.Kind.IsResponse():
		if !m.resolve(s, msg) {
			m.drop(s, "uncorrelated response", nil, "seq", msg.Seq)
		}
	}
}

func (m *Manager) resolve(s *Session, msg *protocol.Message) bool {
	if m.registry != nil {
		return m.registry.Resolve(s.ID, msg)
	}
	return s.Resolve(msg)
}

func (m *Manager) drop(s *Session, reason string, err error, args ...any) {
	monitoring.IncrementDropped()
	if !monitoring.ShouldLogDrop() {
		return
	}
	args = append([]any{"node_id", s.ID, "reason", reason}, args...)
	if err != nil {
		args = append(args, "err", err)
	}
	logger.Warn("Dropping inbound frame", args...)
}

// teardown is the close callback of a session
func (m *Manager) teardown(s *Session) {
	if m.registry != nil {
		m.registry.RemoveSession(s)
	} else {
		s.Close()
	}
	m.publisher.Publish(events.Close, s.ID)
	logger.Info("Session ended", "node_id", s.ID, "conn_id", s.ConnID)
}
