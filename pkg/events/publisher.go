package events

import (
	"github.com/buhuipao/anymesh/pkg/logger"
)

// Publisher delivers lifecycle events, best effort. Publish never blocks the caller
// and returns false when the event was not accepted.
type Publisher interface {
	Publish(kind Kind, nodeID string) bool
}

// LogPublisher only logs events, used when no broker is configured
type LogPublisher struct{}

// Publish implements Publisher
func (LogPublisher) Publish(kind Kind, nodeID string) bool {
	if !kind.Valid() {
		return false
	}
	logger.Debug("Lifecycle event", "event", kind.String(), "object", kind.Object(), "node_id", nodeID)
	return true
}
