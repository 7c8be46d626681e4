package mesh

import (
	"net"
	"sync"
	"time"

	"github.com/buhuipao/anymesh/pkg/events"
	"github.com/buhuipao/anymesh/pkg/transport"
)

// fakeConn is an in-memory transport.Connection. Frames written to it are recorded
// and, when peer is set, delivered to the peer's inbox.
type fakeConn struct {
	nodeID string
	inbox  chan []byte
	peer   *fakeConn

	mu       sync.Mutex
	written  [][]byte
	probeErr error
	writeErr error
	windows  []time.Duration

	done chan struct{}
	once sync.Once
}

var _ transport.Connection = (*fakeConn)(nil)

func newFakeConn(nodeID string) *fakeConn {
	return &fakeConn{
		nodeID: nodeID,
		inbox:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// fakePipe returns two connected ends
func fakePipe(nodeID string) (server, node *fakeConn) {
	server = newFakeConn(nodeID)
	node = newFakeConn(nodeID)
	server.peer = node
	node.peer = server
	return server, node
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrConnectionClosed
	default:
	}

	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	c.written = append(c.written, frame)
	c.mu.Unlock()

	if c.peer != nil {
		select {
		case c.peer.inbox <- frame:
		case <-c.peer.done:
		}
	}
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.done:
		return nil, transport.ErrConnectionClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 8082}
}

func (c *fakeConn) GetNodeID() string {
	return c.nodeID
}

func (c *fakeConn) Probe(window time.Duration) error {
	select {
	case <-c.done:
		return transport.ErrConnectionClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, window)
	return c.probeErr
}

func (c *fakeConn) probeWindows() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.windows...)
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.probeErr = transport.ErrPeerUnresponsive
	c.mu.Unlock()
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(kind events.Kind, nodeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events.Event{Kind: kind, NodeID: nodeID, Timestamp: time.Now()})
	return true
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (p *recordingPublisher) has(kind events.Kind) bool {
	for _, k := range p.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
