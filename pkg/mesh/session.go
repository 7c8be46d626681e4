package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/common/utils"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/transport"
)

// State of a session
type State int32

// Sessions only move forward: Open -> Closing -> Closed
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// reply is what a waiting call receives
type reply struct {
	msg *protocol.Message
	err error
}

// Session is the live state of one node tunnel
type Session struct {
	ID          string // node identity
	ConnID      string
	ConnectedAt time.Time

	queue *WorkQueue
	seq   *atomic.Uint64

	connMu sync.RWMutex
	conn   transport.Connection

	mu           sync.Mutex
	pending      map[uint64]chan reply
	lastCode     int
	lastResponse time.Time

	state     atomic.Int32
	active    atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession creates an open session with its own sequence counter
func NewSession(id string) *Session {
	return newSession(id, new(atomic.Uint64))
}

func newSession(id string, seq *atomic.Uint64) *Session {
	return &Session{
		ID:          id,
		ConnID:      utils.GenerateConnID(),
		ConnectedAt: time.Now(),
		queue:       NewWorkQueue(),
		seq:         seq,
		pending:     make(map[uint64]chan reply),
		closed:      make(chan struct{}),
	}
}

// Queue returns the transmit queue
func (s *Session) Queue() *WorkQueue {
	return s.queue
}

// Attach binds the transport once the upgrade completed
func (s *Session) Attach(conn transport.Connection) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// Lost the race with Close: do not leak the socket.
	if s.State() != StateOpen {
		conn.Close() //nolint:errcheck
	}
}

// Conn returns the attached transport, nil before Attach
func (s *Session) Conn() transport.Connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// State returns the lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Closed is closed when teardown starts
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// NextSeq allocates a correlation id
func (s *Session) NextSeq() uint64 {
	return s.seq.Add(1)
}

// alive reports whether the session still owns its identity. A session whose upgrade
// is still in progress counts as alive.
func (s *Session) alive(window time.Duration) bool {
	if s.State() != StateOpen {
		return false
	}
	conn := s.Conn()
	if conn == nil {
		return true
	}
	if err := conn.Probe(window); err != nil {
		logger.Info("Existing session failed liveness probe", "node_id", s.ID, "conn_id", s.ConnID, "err", err)
		return false
	}
	return true
}

// markActive returns true the first time it is called
func (s *Session) markActive() bool {
	return s.active.CompareAndSwap(false, true)
}

// Send enqueues a message that expects no reply
func (s *Session) Send(msg *protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(&WorkItem{Payload: payload}); err != nil {
		return ErrConnectionClosed
	}
	return nil
}

// Call sends a request and blocks until the correlated response, the timeout,
// ctx cancellation or session teardown, whichever comes first.
func (s *Session) Call(ctx context.Context, req *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	if s.State() != StateOpen {
		return nil, ErrSessionClosing
	}

	req.Seq = s.NextSeq()
	payload, err := protocol.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	seq := req.Seq
	ch := make(chan reply, 1)

	s.mu.Lock()
	if s.State() != StateOpen {
		s.mu.Unlock()
		return nil, ErrSessionClosing
	}
	s.pending[seq] = ch
	s.mu.Unlock()

	item := &WorkItem{
		Payload: payload,
		PostHook: func(err error) {
			if err != nil {
				s.fail(seq, fmt.Errorf("send request: %w", err))
			}
		},
	}
	if err := s.queue.Enqueue(item); err != nil {
		s.forget(seq)
		return nil, ErrConnectionClosed
	}
	monitoring.IncrementRequests()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-s.closed:
		s.forget(seq)
		// A response may have landed just before teardown
		select {
		case r := <-ch:
			return r.msg, r.err
		default:
		}
		return nil, ErrConnectionClosed
	case <-timer.C:
		s.forget(seq)
		monitoring.IncrementTimeouts()
		return nil, ErrTimeout
	case <-ctx.Done():
		s.forget(seq)
		return nil, ctx.Err()
	}
}

// Resolve hands resp to the call waiting on resp.Seq. A response with no waiter,
// because it timed out or was never issued, is dropped and false is returned.
func (s *Session) Resolve(resp *protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[resp.Seq]
	if ok {
		delete(s.pending, resp.Seq)
		s.lastCode = resp.ResponseInfo.Code
		s.lastResponse = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply{msg: resp}
	monitoring.IncrementResponses()
	return true
}

func (s *Session) fail(seq uint64, err error) {
	s.mu.Lock()
	ch, ok := s.pending[seq]
	delete(s.pending, seq)
	s.mu.Unlock()

	if ok {
		ch <- reply{err: err}
	}
}

func (s *Session) forget(seq uint64) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// Pending returns the number of calls waiting for a response
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close tears the session down: blocked callers wake with ErrConnectionClosed,
// unsent frames fail their post-hooks and the transport is closed. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.mu.Lock()
		close(s.closed)
		s.pending = make(map[uint64]chan reply)
		s.mu.Unlock()

		for _, item := range s.queue.Close() {
			if item.PostHook != nil {
				item.PostHook(ErrQueueClosed)
			}
		}

		if conn := s.Conn(); conn != nil {
			if err := conn.Close(); err != nil {
				logger.Debug("Error closing session transport", "node_id", s.ID, "err", err)
			}
		}

		s.state.Store(int32(StateClosed))
		logger.Debug("Session closed", "node_id", s.ID, "conn_id", s.ConnID)
	})
}

// SessionInfo is a point-in-time view of a session for the admin API
type SessionInfo struct {
	NodeID         string    `json:"node_id"`
	ConnID         string    `json:"conn_id"`
	State          string    `json:"state"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	Pending        int       `json:"pending"`
	Queued         int       `json:"queued"`
	LastCode       int       `json:"last_code,omitempty"`
	LastResponseAt time.Time `json:"last_response_at,omitempty"`
}

// Info snapshots the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		NodeID:         s.ID,
		ConnID:         s.ConnID,
		State:          s.State().String(),
		ConnectedAt:    s.ConnectedAt,
		Pending:        len(s.pending),
		LastCode:       s.lastCode,
		LastResponseAt: s.lastResponse,
	}
	s.mu.Unlock()

	info.Queued = s.queue.Len()
	if conn := s.Conn(); conn != nil && conn.RemoteAddr() != nil {
		info.RemoteAddr = conn.RemoteAddr().String()
	}
	return info
}
