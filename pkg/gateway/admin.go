package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/mesh"
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Nodes   []mesh.SessionInfo `json:"nodes"`
	Metrics MetricsView        `json:"metrics"`
}

// MetricsView is the JSON form of the tunnel counters
type MetricsView struct {
	ActiveSessions int64   `json:"active_sessions"`
	TotalSessions  int64   `json:"total_sessions"`
	Requests       int64   `json:"requests"`
	Timeouts       int64   `json:"timeouts"`
	Dropped        int64   `json:"dropped"`
	BytesSent      int64   `json:"bytes_sent"`
	BytesReceived  int64   `json:"bytes_received"`
	Errors         int64   `json:"errors"`
	SuccessRate    float64 `json:"success_rate"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

func (g *Gateway) adminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/ping", handlePing)
	r.Get("/version", handleVersion)
	r.Get("/status", g.handleStatus)
	r.NotFound(forbidden)
	r.MethodNotAllowed(forbidden)
	return r
}

func forbidden(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusForbidden)
	render.PlainText(w, r, http.StatusText(http.StatusForbidden))
}

func handlePing(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "OK")
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{
		"version": protocol.Version,
	})
}

// handleStatus lists connected nodes. No node connected is reported as 404.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	nodes := g.registry.Snapshot()
	if len(nodes) == 0 {
		render.Status(r, http.StatusNotFound)
	}

	m := monitoring.GetMetrics().Snapshot()
	render.JSON(w, r, StatusResponse{
		Nodes: nodes,
		Metrics: MetricsView{
			ActiveSessions: m.ActiveSessions,
			TotalSessions:  m.TotalSessions,
			Requests:       m.Requests,
			Timeouts:       m.Timeouts,
			Dropped:        m.Dropped,
			BytesSent:      m.BytesSent,
			BytesReceived:  m.BytesReceived,
			Errors:         m.ErrorCount,
			SuccessRate:    m.SuccessRate(),
			UptimeSeconds:  int64(m.Uptime().Seconds()),
		},
	})
}
