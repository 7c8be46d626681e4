// Package forward implements the HTTP front door that turns calls into tunneled requests.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/common/utils"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/mesh"
)

// Config configures a Service
type Config struct {
	// Kind of the requests issued: ServiceRequest on the server, NodeRequest on a node
	Kind        protocol.Kind
	Router      Router
	Timeout     time.Duration
	MaxBodySize int64
}

// Service is the front door. Every call is serialized, sent down the target tunnel,
// and answered with the correlated response.
type Service struct {
	kind        protocol.Kind
	router      Router
	timeout     time.Duration
	maxBodySize int64
}

var _ http.Handler = (*Service)(nil)

// New creates a front door
func New(cfg Config) *Service {
	if cfg.Kind == protocol.KindUnknown {
		cfg.Kind = protocol.ServiceRequest
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{
		kind:        cfg.Kind,
		router:      cfg.Router,
		timeout:     cfg.Timeout,
		maxBodySize: cfg.MaxBodySize,
	}
}

// ServeHTTP implements http.Handler
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, port := utils.SplitHostPort(r.Host)
	caller := r.Header.Get(protocol.HeaderUserAgent)

	if host == "" {
		logger.Warn("Front door request without target host", "caller", caller, "remote_addr", r.RemoteAddr)
		writeStatus(w, http.StatusBadRequest)
		return
	}

	session, svc, err := s.router.Route(host, port)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrUnknownNode) {
			status = http.StatusNotFound
		}
		logger.Info("Front door target unavailable", "target", host, "caller", caller, "status", status, "err", err)
		writeStatus(w, status)
		return
	}
	if session.State() != mesh.StateOpen {
		logger.Info("Front door target is closing", "node_id", session.ID, "caller", caller)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	reqInfo, err := s.readRequest(w, r)
	if err != nil {
		logger.Warn("Malformed front door request", "node_id", session.ID, "caller", caller, "err", err)
		writeStatus(w, http.StatusBadRequest)
		return
	}

	msg := &protocol.Message{
		Kind:        s.kind,
		NodeInfo:    &protocol.NodeInfo{NodeID: session.ID, Port: port},
		ServiceInfo: svc,
		RequestInfo: reqInfo,
	}

	start := time.Now()
	resp, err := session.Call(r.Context(), msg, s.timeout)
	if err != nil {
		status := callStatus(err)
		if status == 0 {
			logger.Debug("Caller went away", "node_id", session.ID, "caller", caller, "seq", msg.Seq)
			return
		}
		logger.Warn("Tunneled call failed", "node_id", session.ID, "caller", caller, "seq", msg.Seq,
			"method", reqInfo.Method, "path", reqInfo.Path, "status", status, "err", err)
		writeStatus(w, status)
		return
	}

	logger.Debug("Tunneled call completed", "node_id", session.ID, "caller", caller, "seq", msg.Seq,
		"method", reqInfo.Method, "path", reqInfo.Path, "code", resp.ResponseInfo.Code, "elapsed", time.Since(start))

	w.WriteHeader(resp.ResponseInfo.Code)
	if resp.ResponseInfo.Length > 0 {
		if _, err := io.WriteString(w, resp.ResponseInfo.Data); err != nil {
			logger.Debug("Error writing front door response", "node_id", session.ID, "err", err)
		}
	}
}

// callStatus maps a Call error to an HTTP status. 0 means the caller is gone.
func callStatus(err error) int {
	switch {
	case errors.Is(err, mesh.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, mesh.ErrConnectionClosed), errors.Is(err, mesh.ErrSessionClosing):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrNotText):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownKind):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled):
		return 0
	default:
		// send failures: the tunnel is broken
		monitoring.IncrementErrors()
		return http.StatusServiceUnavailable
	}
}

// readRequest serializes r. The body is capped at the configured size.
func (s *Service) readRequest(w http.ResponseWriter, r *http.Request) (*protocol.RequestInfo, error) {
	body := r.Body
	if s.maxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, protocol.ErrNotText
	}

	info := &protocol.RequestInfo{
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Path:      r.URL.Path,
		MapURL:    flatten(r.URL.Query()),
		MapHeader: flatten(url.Values(r.Header)),
		RawData:   string(data),
		Length:    len(data),
	}

	if isForm(r.Header.Get("Content-Type")) && len(data) > 0 {
		form, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		info.MapPost = flatten(form)
	}
	return info, nil
}

func isForm(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// flatten keeps the first value of each key
func flatten(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	m := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return m
}

func writeStatus(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}
