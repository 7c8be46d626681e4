package protocol

import "time"

// HTTP surface constants
const (
	// WebSocketPath is the upgrade endpoint nodes dial
	WebSocketPath = "/websocket"

	// HeaderUserAgent carries the node identity on upgrade and the caller identity on the front door
	HeaderUserAgent = "User-Agent"

	// Version is reported by the admin API
	Version = "1.0.0"
)

// Scheme constants
const (
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// Timeout configuration
var (
	// DefaultHandshakeTimeout bounds the websocket handshake on the node side
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown waits
	DefaultShutdownTimeout = 3 * time.Second

	// DefaultReadLimit caps a single inbound frame
	DefaultReadLimit int64 = 16 << 20 // 16MB
)

// SetWriteTimeout sets write timeout (for testing or dynamic configuration)
func SetWriteTimeout(timeout time.Duration) {
	DefaultWriteTimeout = timeout
}
