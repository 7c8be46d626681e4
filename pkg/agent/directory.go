package agent

import (
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/config"
)

// Directory maps service names to local ports
type Directory struct {
	ports       map[string]string
	defaultPort string
	namedOnly   bool
}

// NewDirectory builds a directory from configured services. defaultPort may be empty.
func NewDirectory(services []config.ServiceConfig, defaultPort string) *Directory {
	d := &Directory{
		ports:       make(map[string]string, len(services)),
		defaultPort: defaultPort,
	}
	for _, s := range services {
		d.ports[s.Name] = s.Port
	}
	return d
}

// NewNamedDirectory builds a directory that resolves configured service names only.
// Ports carried by the request are ignored, so the peer cannot pick arbitrary local ports.
func NewNamedDirectory(services []config.ServiceConfig) *Directory {
	d := NewDirectory(services, "")
	d.namedOnly = true
	return d
}

// Resolve finds the local port for a request: by service name, then the port the
// request carries, then the default.
func (d *Directory) Resolve(svc *protocol.ServiceInfo) (string, bool) {
	if svc != nil {
		if svc.Name != "" {
			if port, ok := d.ports[svc.Name]; ok {
				return port, true
			}
		}
		if svc.Port != "" && !d.namedOnly {
			return svc.Port, true
		}
	}
	if d.defaultPort != "" {
		return d.defaultPort, true
	}
	return "", false
}
