// Package client implements the node side of the mesh: it keeps one tunnel to the
// mesh server open, executes tunneled requests locally and offers a local front door
// for calls back to the control plane.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/requestlog"

	"github.com/buhuipao/anymesh/pkg/agent"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/events"
	"github.com/buhuipao/anymesh/pkg/forward"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/mesh"
	"github.com/buhuipao/anymesh/pkg/transport"
	"github.com/buhuipao/anymesh/pkg/transport/websocket"
)

// Client is the node agent
type Client struct {
	config    *config.ClientConfig
	manager   *mesh.Manager
	publisher events.Publisher
	broker    *events.AMQPPublisher // nil without a broker url

	gatewayAddr string
	tlsConfig   *tls.Config

	current atomic.Pointer[mesh.Session]

	mu        sync.Mutex
	front     *http.Server
	frontAddr net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates the node agent from cfg
func NewClient(cfg *config.Config) (*Client, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	cc := &cfg.Client

	logger.Info("Creating new client", "node_id", cc.NodeID, "gateway_addr", cc.GatewayAddr,
		"services", len(cc.Services), "local_forward_addr", cc.LocalForwardAddr, "broker_enabled", cfg.Broker.URL != "")

	addr, secure := gatewayTarget(cc.GatewayAddr)
	var tlsConfig *tls.Config
	if secure || cc.GatewayTLSCert != "" || cc.SkipVerify {
		var err error
		tlsConfig, err = createTLSConfig(cc)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:      cc,
		gatewayAddr: addr,
		tlsConfig:   tlsConfig,
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Broker.URL != "" {
		c.broker = events.NewAMQPPublisher(cfg.Broker, events.SourceDevice)
		c.publisher = c.broker
	} else {
		c.publisher = events.LogPublisher{}
	}

	c.manager = mesh.NewManager(mesh.ManagerConfig{
		Role: mesh.RoleNode,
		Handler: agent.New(agent.Config{
			Directory:   agent.NewDirectory(cc.Services, cc.DefaultServicePort),
			Timeout:     cc.LocalCallTimeout,
			MaxBodySize: cc.MaxBodySize,
		}),
		Publisher:        c.publisher,
		LivenessInterval: cc.LivenessInterval,
	})

	return c, nil
}

// gatewayTarget strips an optional ws:// or wss:// scheme from addr
func gatewayTarget(addr string) (string, bool) {
	switch {
	case strings.HasPrefix(addr, protocol.SchemeWSS+"://"):
		return strings.TrimPrefix(addr, protocol.SchemeWSS+"://"), true
	case strings.HasPrefix(addr, protocol.SchemeWS+"://"):
		return strings.TrimPrefix(addr, protocol.SchemeWS+"://"), false
	default:
		return addr, false
	}
}

// Start opens the local front door, if configured, and starts the connection loop
func (c *Client) Start() error {
	logger.Info("Starting mesh client", "node_id", c.config.NodeID, "gateway_addr", c.gatewayAddr, "tls_enabled", c.tlsConfig != nil)

	if c.config.LocalForwardAddr != "" {
		if err := c.startFrontDoor(); err != nil {
			return err
		}
	}

	if c.broker != nil {
		c.broker.Start()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectionLoop()
	}()

	logger.Info("Client started successfully", "node_id", c.config.NodeID)
	return nil
}

// startFrontDoor serves node requests: every local call is tunneled to the control plane
func (c *Client) startFrontDoor() error {
	l, err := net.Listen("tcp", c.config.LocalForwardAddr)
	if err != nil {
		logger.Error("Failed to listen for local front door", "addr", c.config.LocalForwardAddr, "err", err)
		return fmt.Errorf("failed to listen on %s: %w", c.config.LocalForwardAddr, err)
	}

	var h http.Handler = forward.New(forward.Config{
		Kind:        protocol.NodeRequest,
		Router:      forward.SessionRouter{Current: c.Session},
		Timeout:     c.config.RequestTimeout,
		MaxBodySize: c.config.MaxBodySize,
	})
	if logger.DebugEnabled() {
		h = requestlog.Wrap(h)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.mu.Lock()
	c.front = srv
	c.frontAddr = l.Addr()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Info("Starting local front door", "addr", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Local front door stopped unexpectedly", "err", err)
		}
	}()
	return nil
}

// connectionLoop keeps one tunnel open, retrying every reconnect interval forever
func (c *Client) connectionLoop() {
	log := logger.With("node_id", c.config.NodeID, "gateway_addr", c.gatewayAddr)
	b := &backoff.Backoff{
		Min:    c.config.ReconnectInterval,
		Max:    c.config.ReconnectInterval,
		Factor: 1,
	}
	retry := false

	for {
		if retry {
			d := b.Duration()
			log.Info("Reconnecting to gateway", "attempt", int(b.Attempt()), "retrying_in", d)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(d):
			}
		}
		if c.ctx.Err() != nil {
			log.Debug("Connection loop stopping")
			return
		}
		retry = true

		conn, err := websocket.Dial(c.ctx, c.gatewayAddr, &transport.ClientConfig{
			NodeID:    c.config.NodeID,
			TLSConfig: c.tlsConfig,
		})
		if err != nil {
			c.publisher.Publish(events.Fail, c.config.NodeID)
			log.Error("Failed to connect to gateway", "err", err)
			continue
		}
		b.Reset()
		c.publisher.Publish(events.Connect, c.config.NodeID)

		c.serve(conn)
		log.Info("Connection to gateway lost")
	}
}

// serve runs one tunnel until it is torn down
func (c *Client) serve(conn transport.Connection) {
	s := mesh.NewSession(c.config.NodeID)
	c.current.Store(s)
	defer c.current.CompareAndSwap(s, nil)

	logger.Info("Tunnel established", "node_id", c.config.NodeID, "conn_id", s.ConnID, "remote_addr", conn.RemoteAddr())
	c.manager.Run(c.ctx, s, conn)
}

// Session is the live tunnel, nil while disconnected
func (c *Client) Session() *mesh.Session {
	return c.current.Load()
}

// LocalForwardAddr is the bound local front door address, nil when disabled
func (c *Client) LocalForwardAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frontAddr
}

// Stop stops the client gracefully
func (c *Client) Stop() error {
	logger.Info("Initiating graceful client shutdown", "node_id", c.config.NodeID)

	// Step 1: Cancel the connection loop and the live session
	c.cancel()
	if s := c.Session(); s != nil {
		s.Close()
	}

	// Step 2: Stop the local front door
	c.mu.Lock()
	front := c.front
	c.mu.Unlock()
	if front != nil {
		ctx, cancel := context.WithTimeout(context.Background(), protocol.DefaultShutdownTimeout)
		if err := front.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down local front door", "err", err)
		}
		cancel()
	}

	// Step 3: Wait for all goroutines to finish
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("All client goroutines finished gracefully", "node_id", c.config.NodeID)
	case <-time.After(3 * time.Second):
		logger.Warn("Timeout waiting for client goroutines to finish", "node_id", c.config.NodeID)
	}

	if c.broker != nil {
		c.broker.Stop()
	}

	logger.Info("Client shutdown completed", "node_id", c.config.NodeID)
	return nil
}

// createTLSConfig trusts GatewayTLSCert when set, the system roots otherwise
func createTLSConfig(cc *config.ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}

	if cc.SkipVerify {
		logger.Warn("TLS certificate verification disabled", "node_id", cc.NodeID)
		tlsConfig.InsecureSkipVerify = true //nolint:gosec
	}

	if cc.GatewayTLSCert != "" {
		certData, err := os.ReadFile(cc.GatewayTLSCert)
		if err != nil {
			logger.Error("Failed to read gateway TLS certificate file", "node_id", cc.NodeID, "cert_file", cc.GatewayTLSCert, "err", err)
			return nil, fmt.Errorf("failed to read gateway TLS certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(certData) {
			logger.Error("Failed to parse gateway TLS certificate", "node_id", cc.NodeID, "cert_file", cc.GatewayTLSCert)
			return nil, fmt.Errorf("failed to parse gateway TLS certificate %s", cc.GatewayTLSCert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
