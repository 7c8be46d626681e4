package agent

import (
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/mesh"
)

func localService(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func request(method, uri string, body string) *protocol.Message {
	u, _ := url.Parse(uri)
	return &protocol.Message{
		Kind: protocol.ServiceRequest,
		Seq:  5,
		RequestInfo: &protocol.RequestInfo{
			Method:  method,
			URL:     u.RequestURI(),
			Path:    u.Path,
			RawData: body,
			Length:  len(body),
		},
	}
}

func TestDirectoryResolve(t *testing.T) {
	dir := NewDirectory([]config.ServiceConfig{{Name: "noded", Port: "8095"}}, "8080")
	noDefault := NewDirectory(nil, "")
	named := NewNamedDirectory([]config.ServiceConfig{{Name: "registry", Port: "8090"}})

	tests := []struct {
		name     string
		dir      *Directory
		svc      *protocol.ServiceInfo
		wantPort string
		wantOK   bool
	}{
		{"by name", dir, &protocol.ServiceInfo{Name: "noded", Port: "9999"}, "8095", true},
		{"unknown name falls back to port", dir, &protocol.ServiceInfo{Name: "other", Port: "9000"}, "9000", true},
		{"port only", dir, &protocol.ServiceInfo{Port: "9000"}, "9000", true},
		{"default", dir, &protocol.ServiceInfo{}, "8080", true},
		{"nil service info", dir, nil, "8080", true},
		{"nothing matches", noDefault, &protocol.ServiceInfo{Name: "other"}, "", false},
		{"named only by name", named, &protocol.ServiceInfo{Name: "registry", Port: "8084"}, "8090", true},
		{"named only ignores carried port", named, &protocol.ServiceInfo{Name: "other", Port: "8084"}, "", false},
		{"named only port without name", named, &protocol.ServiceInfo{Port: "8084"}, "", false},
		{"named only nil service info", named, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := tt.dir.Resolve(tt.svc)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestExecuteGet(t *testing.T) {
	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("verbose"))
		assert.Equal(t, "control-plane", r.Header.Get("X-Caller"))
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})

	a := New(Config{Directory: NewDirectory(nil, port)})
	msg := request("GET", "/status?verbose=1", "")
	msg.RequestInfo.MapHeader = map[string]string{"X-Caller": "control-plane", "Host": "N1:9000"}

	code, body := a.Execute(context.Background(), msg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestExecutePostBody(t *testing.T) {
	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(data) //nolint:errcheck
	})

	a := New(Config{Directory: NewDirectory([]config.ServiceConfig{{Name: "noded", Port: port}}, "")})
	msg := request("POST", "/v1/config", `{"k":"v"}`)
	msg.ServiceInfo = &protocol.ServiceInfo{Name: "noded"}

	code, body := a.Execute(context.Background(), msg)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, `{"k":"v"}`, string(body))
}

func TestExecuteRebuildsURLFromPath(t *testing.T) {
	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path + "?" + r.URL.RawQuery)) //nolint:errcheck
	})

	a := New(Config{Directory: NewDirectory(nil, port)})
	msg := &protocol.Message{
		Kind: protocol.ServiceRequest,
		Seq:  1,
		RequestInfo: &protocol.RequestInfo{
			Method: "GET",
			Path:   "/ping",
			MapURL: map[string]string{"a": "b"},
		},
	}

	code, body := a.Execute(context.Background(), msg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/ping?a=b", string(body))
}

// A gzip-capable service answers the agent's own transport, which decodes the body
func TestExecuteDropsCallerAcceptEncoding(t *testing.T) {
	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte("plain")) //nolint:errcheck
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"compressed":true}`)) //nolint:errcheck
		gz.Close()
	})

	a := New(Config{Directory: NewDirectory(nil, port)})
	msg := request("GET", "/status", "")
	msg.RequestInfo.MapHeader = map[string]string{"Accept-Encoding": "gzip, deflate"}

	code, body := a.Execute(context.Background(), msg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"compressed":true}`, string(body))

	resp := protocol.NewResponse(msg, code, body)
	_, err := protocol.Encode(resp)
	assert.NoError(t, err)
}

func TestExecuteFailures(t *testing.T) {
	slowPort := localService(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	})
	bigPort := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048)) //nolint:errcheck
	})
	binaryPort := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x1f, 0x8b, 0x08, 0xff, 0x00}) //nolint:errcheck
	})

	// A port nothing listens on
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, deadPort, _ := net.SplitHostPort(l.Addr().String())
	l.Close()

	tests := []struct {
		name     string
		agent    *Agent
		wantCode int
	}{
		{"no service", New(Config{Directory: NewDirectory(nil, "")}), http.StatusNotFound},
		{"connection refused", New(Config{Directory: NewDirectory(nil, deadPort)}), http.StatusServiceUnavailable},
		{"local timeout", New(Config{Directory: NewDirectory(nil, slowPort), Timeout: 50 * time.Millisecond}), http.StatusServiceUnavailable},
		{"body too large", New(Config{Directory: NewDirectory(nil, bigPort), MaxBodySize: 1024}), http.StatusServiceUnavailable},
		{"binary body", New(Config{Directory: NewDirectory(nil, binaryPort)}), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := tt.agent.Execute(context.Background(), request("GET", "/status", ""))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, http.StatusText(tt.wantCode), string(body))
		})
	}
}

func TestOnTunneledRequestEnqueuesResponse(t *testing.T) {
	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})

	a := New(Config{Directory: NewDirectory(nil, port)})
	s := mesh.NewSession("N1")
	msg := request("GET", "/status", "")
	msg.NodeInfo = &protocol.NodeInfo{NodeID: "N1", Port: "9000"}

	a.OnTunneledRequest(context.Background(), s, msg)

	item := s.Queue().Dequeue()
	require.NotNil(t, item)
	resp, err := protocol.Decode(item.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ServiceResponse, resp.Kind)
	assert.Equal(t, msg.Seq, resp.Seq)
	assert.Equal(t, 200, resp.ResponseInfo.Code)
	assert.Equal(t, `{"ok":true}`, resp.ResponseInfo.Data)
	assert.Equal(t, "N1", resp.NodeInfo.NodeID)
}
