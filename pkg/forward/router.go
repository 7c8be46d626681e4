package forward

import (
	"errors"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/mesh"
)

var (
	// ErrUnknownNode means no session is registered for the target
	ErrUnknownNode = errors.New("unknown node")

	// ErrNoTunnel means the tunnel is currently down
	ErrNoTunnel = errors.New("tunnel not connected")
)

// Router resolves the session and service a front-door request targets, from the
// host and optional port of its Host header.
type Router interface {
	Route(host, port string) (*mesh.Session, *protocol.ServiceInfo, error)
}

// RegistryRouter routes "<nodeID>[:<port>]" to the node's session. The port names the
// node-local service.
type RegistryRouter struct {
	Registry *mesh.Registry
}

// Route implements Router
func (r RegistryRouter) Route(host, port string) (*mesh.Session, *protocol.ServiceInfo, error) {
	s, ok := r.Registry.Lookup(host)
	if !ok {
		return nil, nil, ErrUnknownNode
	}
	return s, &protocol.ServiceInfo{Port: port}, nil
}

// SessionRouter routes every request over the node's single tunnel. The host names the
// cloud service.
type SessionRouter struct {
	Current func() *mesh.Session
}

// Route implements Router
func (r SessionRouter) Route(host, port string) (*mesh.Session, *protocol.ServiceInfo, error) {
	s := r.Current()
	if s == nil {
		return nil, nil, ErrNoTunnel
	}
	return s, &protocol.ServiceInfo{Name: host, Port: port}, nil
}
