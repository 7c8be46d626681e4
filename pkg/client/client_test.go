package client

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/gateway"
	"github.com/buhuipao/anymesh/pkg/mesh"
)

const testInterval = 100 * time.Millisecond

func gatewayConfig(listenAddr string) *config.Config {
	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			ListenAddr:       listenAddr,
			ForwardAddr:      "127.0.0.1:0",
			LivenessInterval: testInterval,
			RequestTimeout:   2 * time.Second,
		},
	}
	cfg.ApplyDefaults()
	cfg.Gateway.AdminAddr = ""
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config) *gateway.Gateway {
	t.Helper()
	g, err := gateway.NewGateway(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	t.Cleanup(func() { g.Stop() }) //nolint:errcheck
	return g
}

func clientConfig(gatewayAddr string) *config.Config {
	cfg := &config.Config{
		Client: config.ClientConfig{
			NodeID:            "N1",
			GatewayAddr:       gatewayAddr,
			ReconnectInterval: 50 * time.Millisecond,
			LivenessInterval:  testInterval,
			RequestTimeout:    2 * time.Second,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func startClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() }) //nolint:errcheck
	return c
}

func localService(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func call(t *testing.T, addr net.Addr, host, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+addr.String()+path, nil)
	require.NoError(t, err)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func waitRegistered(t *testing.T, g *gateway.Gateway, nodeID string) *mesh.Session {
	t.Helper()
	var s *mesh.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = g.Registry().Lookup(nodeID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return s
}

func TestClientServesTunneledRequests(t *testing.T) {
	g := startGateway(t, gatewayConfig("127.0.0.1:0"))

	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})
	cfg := clientConfig(g.WebSocketAddr().String())
	cfg.Client.DefaultServicePort = port
	c := startClient(t, cfg)

	waitRegistered(t, g, "N1")
	require.Eventually(t, func() bool { return c.Session() != nil }, time.Second, 10*time.Millisecond)

	code, body := call(t, g.ForwardAddr(), "N1", "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"ok":true}`, body)
}

func TestClientNamedService(t *testing.T) {
	g := startGateway(t, gatewayConfig("127.0.0.1:0"))

	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("noded" + r.URL.Path)) //nolint:errcheck
	})
	cfg := clientConfig("ws://" + g.WebSocketAddr().String())
	cfg.Client.Services = []config.ServiceConfig{{Name: "noded", Port: port}}
	startClient(t, cfg)
	waitRegistered(t, g, "N1")

	// No port in the host and no default: nothing to route to
	code, _ := call(t, g.ForwardAddr(), "N1", "/v1/info")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := call(t, g.ForwardAddr(), "N1:"+port, "/v1/info")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "noded/v1/info", body)
}

func TestClientReconnectsAfterEviction(t *testing.T) {
	g := startGateway(t, gatewayConfig("127.0.0.1:0"))
	startClient(t, clientConfig(g.WebSocketAddr().String()))

	first := waitRegistered(t, g, "N1")
	g.Registry().Remove("N1")

	require.Eventually(t, func() bool {
		s, ok := g.Registry().Lookup("N1")
		return ok && s.ConnID != first.ConnID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientRetriesUntilGatewayIsUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	startClient(t, clientConfig(addr))
	time.Sleep(3 * 50 * time.Millisecond)

	g := startGateway(t, gatewayConfig(addr))
	waitRegistered(t, g, "N1")
}

func TestClientLocalFrontDoor(t *testing.T) {
	gcfg := gatewayConfig("127.0.0.1:0")
	port := localService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("registry" + r.URL.Path)) //nolint:errcheck
	})
	gcfg.Gateway.Services = []config.ServiceConfig{{Name: "registry", Port: port}}
	g := startGateway(t, gcfg)

	cfg := clientConfig(g.WebSocketAddr().String())
	cfg.Client.LocalForwardAddr = "127.0.0.1:0"
	c := startClient(t, cfg)
	require.NotNil(t, c.LocalForwardAddr())

	waitRegistered(t, g, "N1")
	require.Eventually(t, func() bool { return c.Session() != nil }, time.Second, 10*time.Millisecond)

	code, body := call(t, c.LocalForwardAddr(), "registry", "/v1/nodes")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "registry/v1/nodes", body)
}

func TestClientLocalFrontDoorWithoutTunnel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := clientConfig(addr)
	cfg.Client.LocalForwardAddr = "127.0.0.1:0"
	c := startClient(t, cfg)

	code, _ := call(t, c.LocalForwardAddr(), "registry", "/v1/nodes")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestClientStop(t *testing.T) {
	g := startGateway(t, gatewayConfig("127.0.0.1:0"))
	c, err := NewClient(clientConfig(g.WebSocketAddr().String()))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	waitRegistered(t, g, "N1")

	start := time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Nil(t, c.Session())

	require.Eventually(t, func() bool { return g.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayTarget(t *testing.T) {
	tests := []struct {
		in         string
		wantAddr   string
		wantSecure bool
	}{
		{"mesh.example.com:8082", "mesh.example.com:8082", false},
		{"ws://mesh.example.com:8082", "mesh.example.com:8082", false},
		{"wss://mesh.example.com:443", "mesh.example.com:443", true},
	}
	for _, tt := range tests {
		addr, secure := gatewayTarget(tt.in)
		assert.Equal(t, tt.wantAddr, addr, tt.in)
		assert.Equal(t, tt.wantSecure, secure, tt.in)
	}
}

func TestCreateTLSConfig(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	tests := []struct {
		name    string
		cc      config.ClientConfig
		wantErr bool
	}{
		{
			name: "system roots",
			cc:   config.ClientConfig{NodeID: "N1"},
		},
		{
			name: "skip verify",
			cc:   config.ClientConfig{NodeID: "N1", SkipVerify: true},
		},
		{
			name:    "missing cert file",
			cc:      config.ClientConfig{NodeID: "N1", GatewayTLSCert: filepath.Join(dir, "missing.pem")},
			wantErr: true,
		},
		{
			name:    "unparsable cert file",
			cc:      config.ClientConfig{NodeID: "N1", GatewayTLSCert: garbage},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tlsConfig, err := createTLSConfig(&tt.cc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cc.SkipVerify, tlsConfig.InsecureSkipVerify)
			assert.Nil(t, tlsConfig.RootCAs)
		})
	}
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := clientConfig("")
	_, err := NewClient(cfg)
	assert.Error(t, err)

	cfg = clientConfig("wss://127.0.0.1:1")
	cfg.Client.GatewayTLSCert = filepath.Join(t.TempDir(), "missing.pem")
	_, err = NewClient(cfg)
	assert.Error(t, err)
}
