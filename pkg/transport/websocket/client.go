// Package websocket provides the gorilla/websocket transport for the mesh tunnel.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/transport"
)

// Dial opens the node's tunnel to the mesh server at addr (host:port)
func Dial(ctx context.Context, addr string, config *transport.ClientConfig) (transport.Connection, error) {
	gatewayURL := url.URL{
		Scheme: protocol.SchemeWSS,
		Host:   addr,
		Path:   protocol.WebSocketPath,
	}
	if config.TLSConfig == nil {
		gatewayURL.Scheme = protocol.SchemeWS
	}

	// The node identity travels as User-Agent
	headers := http.Header{}
	headers.Set(protocol.HeaderUserAgent, config.NodeID)

	dialer := websocket.Dialer{
		TLSClientConfig:  config.TLSConfig,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: protocol.DefaultHandshakeTimeout,
	}

	logger.Info("Connecting to WebSocket endpoint", "node_id", config.NodeID, "url", gatewayURL.String())
	conn, resp, err := dialer.DialContext(ctx, gatewayURL.String(), headers)
	if err != nil {
		var statusCode int
		if resp != nil {
			statusCode = resp.StatusCode
		}
		return nil, fmt.Errorf("failed to connect to %s (status %d): %w", gatewayURL.String(), statusCode, err)
	}

	logger.Info("WebSocket connection established", "node_id", config.NodeID, "status_code", resp.StatusCode)
	return NewWebSocketConnection(conn, config.NodeID), nil
}
