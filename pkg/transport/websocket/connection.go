package websocket

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/transport"
)

// webSocketConnection wraps a gorilla connection with the node identity and liveness tracking
type webSocketConnection struct {
	conn     *websocket.Conn
	nodeID   string
	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos of the last frame or pong from the peer
	pingSent atomic.Int64 // unix nanos of the oldest unanswered ping, 0 when none is outstanding
	done     chan struct{}
	once     sync.Once
}

var _ transport.Connection = (*webSocketConnection)(nil)

// NewWebSocketConnection wraps conn for nodeID
func NewWebSocketConnection(conn *websocket.Conn, nodeID string) transport.Connection {
	c := &webSocketConnection{
		conn:   conn,
		nodeID: nodeID,
		done:   make(chan struct{}),
	}
	c.touch()

	conn.SetReadLimit(protocol.DefaultReadLimit)
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	// Default ping handler replies with a pong; also counts as a sign of life.
	conn.SetPingHandler(func(appData string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(protocol.DefaultWriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		if e, ok := err.(net.Error); ok && e.Timeout() {
			return nil
		}
		return err
	})

	return c
}

func (c *webSocketConnection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// WriteMessage implements transport.Connection
func (c *webSocketConnection) WriteMessage(data []byte) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(protocol.DefaultWriteTimeout)) //nolint:errcheck
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	monitoring.AddBytesSent(int64(len(data)))
	return nil
}

// ReadMessage implements transport.Connection
func (c *webSocketConnection) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.touch()
		if msgType != websocket.TextMessage {
			logger.Debug("Ignoring non-text frame", "node_id", c.nodeID, "type", msgType)
			continue
		}
		monitoring.AddBytesReceived(int64(len(data)))
		return data, nil
	}
}

// Probe implements transport.Connection. A ping is outstanding until any frame or pong
// arrives; one left unanswered for window marks the peer dead.
func (c *webSocketConnection) Probe(window time.Duration) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	now := time.Now()
	if sent := c.pingSent.Load(); sent != 0 {
		if c.lastSeen.Load() < sent {
			unanswered := now.Sub(time.Unix(0, sent))
			if unanswered >= window {
				return fmt.Errorf("%w: ping unanswered for %s", transport.ErrPeerUnresponsive, unanswered.Round(time.Millisecond))
			}
			return nil
		}
	}

	if err := c.conn.WriteControl(websocket.PingMessage, nil, now.Add(protocol.DefaultWriteTimeout)); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	c.pingSent.Store(now.UnixNano())
	return nil
}

// Close sends a close frame when possible and releases the socket
func (c *webSocketConnection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		err = c.conn.Close()
		logger.Debug("WebSocket connection closed", "node_id", c.nodeID)
	})
	return err
}

// Done implements transport.Connection
func (c *webSocketConnection) Done() <-chan struct{} {
	return c.done
}

func (c *webSocketConnection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *webSocketConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *webSocketConnection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// GetNodeID returns the identity presented at upgrade
func (c *webSocketConnection) GetNodeID() string {
	return c.nodeID
}
