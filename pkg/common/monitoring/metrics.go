package monitoring

import (
	"sync/atomic"
	"time"
)

// Metrics process-wide tunnel counters
type Metrics struct {
	// Sessions
	ActiveSessions int64 // Currently registered sessions
	TotalSessions  int64 // Sessions ever registered

	// Tunneled requests
	Requests  int64 // Requests sent into the tunnel
	Timeouts  int64 // Requests that hit the forward timeout
	Responses int64 // Responses matched to a waiting call
	Dropped   int64 // Frames dropped: malformed, unknown kind or late response

	// Data transfer
	BytesSent     int64
	BytesReceived int64

	// Error statistics
	ErrorCount int64

	StartTime time.Time
}

// Uptime gets uptime duration
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.StartTime)
}

// SuccessRate share of tunneled requests that were answered
func (m *Metrics) SuccessRate() float64 {
	total := atomic.LoadInt64(&m.Requests)
	if total == 0 {
		return 100.0
	}
	answered := atomic.LoadInt64(&m.Responses)
	if answered > total {
		answered = total
	}
	return float64(answered) / float64(total) * 100
}

// Snapshot copies the counters
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		ActiveSessions: atomic.LoadInt64(&m.ActiveSessions),
		TotalSessions:  atomic.LoadInt64(&m.TotalSessions),
		Requests:       atomic.LoadInt64(&m.Requests),
		Timeouts:       atomic.LoadInt64(&m.Timeouts),
		Responses:      atomic.LoadInt64(&m.Responses),
		Dropped:        atomic.LoadInt64(&m.Dropped),
		BytesSent:      atomic.LoadInt64(&m.BytesSent),
		BytesReceived:  atomic.LoadInt64(&m.BytesReceived),
		ErrorCount:     atomic.LoadInt64(&m.ErrorCount),
		StartTime:      m.StartTime,
	}
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// GetMetrics gets global metrics
func GetMetrics() *Metrics {
	return globalMetrics
}

// IncrementActiveSessions records a registered session
func IncrementActiveSessions() {
	atomic.AddInt64(&globalMetrics.ActiveSessions, 1)
	atomic.AddInt64(&globalMetrics.TotalSessions, 1)
}

// DecrementActiveSessions records a removed session
func DecrementActiveSessions() {
	atomic.AddInt64(&globalMetrics.ActiveSessions, -1)
}

// IncrementRequests records a request sent into the tunnel
func IncrementRequests() {
	atomic.AddInt64(&globalMetrics.Requests, 1)
}

// IncrementTimeouts records a forward timeout
func IncrementTimeouts() {
	atomic.AddInt64(&globalMetrics.Timeouts, 1)
}

// IncrementResponses records a correlated response
func IncrementResponses() {
	atomic.AddInt64(&globalMetrics.Responses, 1)
}

// IncrementDropped records a dropped inbound frame
func IncrementDropped() {
	atomic.AddInt64(&globalMetrics.Dropped, 1)
}

// AddBytesSent adds bytes sent count
func AddBytesSent(bytes int64) {
	atomic.AddInt64(&globalMetrics.BytesSent, bytes)
}

// AddBytesReceived adds bytes received count
func AddBytesReceived(bytes int64) {
	atomic.AddInt64(&globalMetrics.BytesReceived, bytes)
}

// IncrementErrors increments error count
func IncrementErrors() {
	atomic.AddInt64(&globalMetrics.ErrorCount, 1)
}
