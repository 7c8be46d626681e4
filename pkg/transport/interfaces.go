// Package transport provides the connection abstraction the mesh tunnel runs on.
package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"time"
)

var (
	// ErrConnectionClosed is returned by operations on a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPeerUnresponsive is returned by Probe when a ping went unanswered for the whole window
	ErrPeerUnresponsive = errors.New("peer unresponsive")
)

// Connection is one live tunnel between the mesh server and a node
type Connection interface {
	// WriteMessage sends one text frame
	WriteMessage(data []byte) error
	// ReadMessage blocks until the next data frame arrives
	ReadMessage() ([]byte, error)
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	// GetNodeID returns the identity presented at upgrade
	GetNodeID() string
	// Probe pings the peer. It fails if the connection is closed or an earlier ping
	// has gone unanswered for window.
	Probe(window time.Duration) error
	// Done is closed once the connection is closed
	Done() <-chan struct{}
}

// ConnectionHandler runs for the lifetime of an accepted connection
type ConnectionHandler func(Connection)

// Admission is issued for an identity before its upgrade completes
type Admission struct {
	// Serve runs for the lifetime of the upgraded connection
	Serve ConnectionHandler
	// Abort releases the admission when the handshake fails
	Abort func(err error)
}

// AdmitFunc decides whether an identity may open a connection. A non-nil error rejects the upgrade.
type AdmitFunc func(nodeID string) (*Admission, error)

// ClientConfig is the node side dial configuration
type ClientConfig struct {
	NodeID    string
	TLSConfig *tls.Config
}
