// Package monitoring provides tunnel counters, the periodic metrics reporter and log sampling.
package monitoring

import (
	"sync/atomic"
	"time"
)

// LogSampler lets one in every interval calls through
type LogSampler struct {
	counter  uint64
	interval uint64
}

// NewLogSampler creates log sampler
func NewLogSampler(interval uint64) *LogSampler {
	if interval == 0 {
		interval = 1000
	}
	return &LogSampler{
		interval: interval,
	}
}

// ShouldLog determines whether to log
func (s *LogSampler) ShouldLog() bool {
	count := atomic.AddUint64(&s.counter, 1)
	return count%s.interval == 0
}

// Count gets current count
func (s *LogSampler) Count() uint64 {
	return atomic.LoadUint64(&s.counter)
}

// RateLimiter lets at most one call through per interval
type RateLimiter struct {
	lastLog    int64 // unix nanos
	intervalNs int64
}

// NewRateLimiter creates rate limiter
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		intervalNs: interval.Nanoseconds(),
	}
}

// ShouldLog determines whether to log
func (r *RateLimiter) ShouldLog() bool {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&r.lastLog)

	if now-last < r.intervalNs {
		return false
	}

	return atomic.CompareAndSwapInt64(&r.lastLog, last, now)
}

var (
	frameSampler = NewLogSampler(100)          // per-frame logs
	dropLimiter  = NewRateLimiter(time.Second) // dropped frame warnings
)

// ShouldLogFrame determines whether to log a sent or received frame
func ShouldLogFrame() bool {
	return frameSampler.ShouldLog()
}

// ShouldLogDrop determines whether to log a dropped frame (rate limited)
func ShouldLogDrop() bool {
	return dropLimiter.ShouldLog()
}
