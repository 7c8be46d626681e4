// Package mesh implements the tunnel core: per-session work queues, the node registry,
// request/response correlation and the session send and receive loops.
package mesh

import "errors"

var (
	// ErrAlreadyConnected is returned by Register when a live session holds the identity
	ErrAlreadyConnected = errors.New("node already connected")

	// ErrConnectionClosed is returned to callers whose session was torn down while they waited
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSessionClosing is returned for calls on a session that is being torn down
	ErrSessionClosing = errors.New("session closing")

	// ErrTimeout is returned when no correlated response arrived in time
	ErrTimeout = errors.New("request timed out")

	// ErrQueueClosed is returned by Enqueue after the queue exited
	ErrQueueClosed = errors.New("work queue closed")

	// ErrMalformedPayload is reported to a post-hook when the payload is not valid JSON
	ErrMalformedPayload = errors.New("malformed payload")
)
