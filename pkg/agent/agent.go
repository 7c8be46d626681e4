// Package agent executes tunneled requests against local HTTP services.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/mesh"
)

// DefaultHost is where local services listen
const DefaultHost = "127.0.0.1"

var errBodyTooLarge = errors.New("local response body too large")

// Config configures an Agent
type Config struct {
	Directory   *Directory
	Host        string
	Timeout     time.Duration
	MaxBodySize int64
}

// Agent answers every tunneled request with exactly one response
type Agent struct {
	dir         *Directory
	host        string
	client      *http.Client
	maxBodySize int64
}

var _ mesh.RequestHandler = (*Agent)(nil)

// New creates an agent
func New(cfg Config) *Agent {
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory(nil, "")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Agent{
		dir:  cfg.Directory,
		host: cfg.Host,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects are the caller's business
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBodySize: cfg.MaxBodySize,
	}
}

// OnTunneledRequest implements mesh.RequestHandler
func (a *Agent) OnTunneledRequest(ctx context.Context, s *mesh.Session, msg *protocol.Message) {
	code, body := a.Execute(ctx, msg)
	if err := s.Send(protocol.NewResponse(msg, code, body)); err != nil {
		logger.Warn("Failed to enqueue tunneled response", "node_id", s.ID, "seq", msg.Seq, "err", err)
	}
}

// Execute runs msg against the local service and returns the status and body to tunnel back.
// Failures are turned into synthesized responses.
func (a *Agent) Execute(ctx context.Context, msg *protocol.Message) (int, []byte) {
	info := msg.RequestInfo

	port, ok := a.dir.Resolve(msg.ServiceInfo)
	if !ok {
		logger.Warn("No local service for tunneled request", "seq", msg.Seq, "service", serviceName(msg), "path", info.Path)
		return http.StatusNotFound, []byte(http.StatusText(http.StatusNotFound))
	}

	req, err := a.newLocalRequest(ctx, net.JoinHostPort(a.host, port), info)
	if err != nil {
		logger.Warn("Cannot rebuild tunneled request", "seq", msg.Seq, "err", err)
		return http.StatusBadRequest, []byte(http.StatusText(http.StatusBadRequest))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		logger.Warn("Local service call failed", "seq", msg.Seq, "url", req.URL.String(), "err", err)
		return http.StatusServiceUnavailable, []byte(http.StatusText(http.StatusServiceUnavailable))
	}
	defer resp.Body.Close()

	body, err := a.readBody(resp.Body)
	if err != nil {
		logger.Warn("Failed to read local service response", "seq", msg.Seq, "url", req.URL.String(), "err", err)
		return http.StatusServiceUnavailable, []byte(http.StatusText(http.StatusServiceUnavailable))
	}
	if !utf8.Valid(body) {
		logger.Warn("Local service returned a binary body", "seq", msg.Seq, "url", req.URL.String(), "code", resp.StatusCode, "bytes", len(body))
		return http.StatusBadGateway, []byte(http.StatusText(http.StatusBadGateway))
	}

	logger.Debug("Local service call completed", "seq", msg.Seq, "method", req.Method, "url", req.URL.String(), "code", resp.StatusCode, "bytes", len(body))
	return resp.StatusCode, body
}

func (a *Agent) readBody(r io.Reader) ([]byte, error) {
	if a.maxBodySize <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, a.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > a.maxBodySize {
		return nil, fmt.Errorf("%w: limit %d", errBodyTooLarge, a.maxBodySize)
	}
	return body, nil
}

// newLocalRequest rebuilds the HTTP request against hostport
func (a *Agent) newLocalRequest(ctx context.Context, hostport string, info *protocol.RequestInfo) (*http.Request, error) {
	target := info.URL
	if target == "" {
		target = info.Path
		if len(info.MapURL) > 0 {
			q := url.Values{}
			for k, v := range info.MapURL {
				q.Set(k, v)
			}
			target += "?" + q.Encode()
		}
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	u, err := url.Parse("http://" + hostport + target)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var body io.Reader
	if info.RawData != "" {
		body = bytes.NewBufferString(info.RawData)
	}

	req, err := http.NewRequestWithContext(ctx, info.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range info.MapHeader {
		switch http.CanonicalHeaderKey(k) {
		// The transport negotiates and decodes compression itself
		case "Host", "Content-Length", "Connection", "Transfer-Encoding", "Accept-Encoding":
			continue
		}
		req.Header.Set(k, v)
	}
	return req, nil
}

func serviceName(msg *protocol.Message) string {
	if msg.ServiceInfo == nil {
		return ""
	}
	return msg.ServiceInfo.Name
}
