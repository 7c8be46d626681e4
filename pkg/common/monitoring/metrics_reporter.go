package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/buhuipao/anymesh/pkg/logger"
)

// MetricsReporter logs a one-line summary of the tunnel counters
type MetricsReporter struct {
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewMetricsReporter creates metrics reporter
func NewMetricsReporter(interval time.Duration) *MetricsReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MetricsReporter{
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts periodic reporting
func (r *MetricsReporter) Start() {
	go r.run()
}

// Stop stops reporting
func (r *MetricsReporter) Stop() {
	r.cancel()
}

func (r *MetricsReporter) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

// report logs the counters, skipping idle periods
func (r *MetricsReporter) report() {
	args, ok := summary(GetMetrics().Snapshot())
	if !ok {
		return
	}
	logger.Info("Performance", args...)
}

func summary(m Metrics) ([]any, bool) {
	if m.TotalSessions == 0 && m.Requests == 0 && m.BytesSent == 0 && m.BytesReceived == 0 {
		return nil, false
	}

	return []any{
		"uptime", fmt.Sprintf("%dm", int(m.Uptime().Minutes())),
		"sessions", fmt.Sprintf("%d/%d", m.ActiveSessions, m.TotalSessions),
		"requests", m.Requests,
		"timeouts", m.Timeouts,
		"dropped", m.Dropped,
		"success", fmt.Sprintf("%.0f%%", m.SuccessRate()),
		"sent", sizestr.ToString(m.BytesSent),
		"recv", sizestr.ToString(m.BytesReceived),
		"errors", m.ErrorCount,
	}, true
}

var globalReporter *MetricsReporter

// StartMetricsReporter starts the global metrics reporter
func StartMetricsReporter(interval time.Duration) {
	if globalReporter != nil {
		globalReporter.Stop()
	}
	globalReporter = NewMetricsReporter(interval)
	globalReporter.Start()
}

// StopMetricsReporter stops the global metrics reporter
func StopMetricsReporter() {
	if globalReporter != nil {
		globalReporter.Stop()
		globalReporter = nil
	}
}
