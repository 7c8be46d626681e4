// Package utils holds small helpers shared by the mesh server and the node agent.
package utils

import (
	"net"
	"strings"

	"github.com/rs/xid"
)

// GenerateConnID generate a unique connection ID
func GenerateConnID() string {
	// xid: 20 characters, sortable by creation time
	return xid.New().String()
}

// SplitHostPort splits "<host>[:<port>]". A missing port yields "".
func SplitHostPort(hostport string) (host, port string) {
	if hostport == "" {
		return "", ""
	}
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	// No port, or a bare IPv6 literal
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), ""
}
