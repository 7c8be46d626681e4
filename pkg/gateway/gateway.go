// Package gateway wires the mesh server: the websocket listener nodes connect to,
// the HTTP front door that tunnels calls to them, and the admin API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/requestlog"
	"golang.org/x/net/netutil"

	"github.com/buhuipao/anymesh/pkg/agent"
	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/events"
	"github.com/buhuipao/anymesh/pkg/forward"
	"github.com/buhuipao/anymesh/pkg/logger"
	"github.com/buhuipao/anymesh/pkg/mesh"
	"github.com/buhuipao/anymesh/pkg/transport"
	"github.com/buhuipao/anymesh/pkg/transport/websocket"
)

const metricsInterval = 30 * time.Second

// Gateway is the mesh server
type Gateway struct {
	config    *config.GatewayConfig
	registry  *mesh.Registry
	manager   *mesh.Manager
	publisher events.Publisher
	broker    *events.AMQPPublisher // nil without a broker url

	wsServer *websocket.Server
	front    *http.Server
	admin    *http.Server

	mu        sync.Mutex
	wsAddr    net.Addr
	frontAddr net.Addr
	adminAddr net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates the mesh server from cfg
func NewGateway(cfg *config.Config) (*Gateway, error) {
	if err := cfg.ValidateGateway(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	gc := &cfg.Gateway

	logger.Info("Creating new gateway", "listen_addr", gc.ListenAddr, "forward_addr", gc.ForwardAddr,
		"admin_addr", gc.AdminAddr, "tls_enabled", gc.TLSCert != "", "broker_enabled", cfg.Broker.URL != "")

	interval := gc.LivenessInterval
	if interval <= 0 {
		interval = config.DefaultLivenessInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   gc,
		registry: mesh.NewRegistry(interval),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Broker.URL != "" {
		g.broker = events.NewAMQPPublisher(cfg.Broker, events.SourceCloud)
		g.publisher = g.broker
	} else {
		g.publisher = events.LogPublisher{}
	}

	// Requests nodes send to the control plane reach configured services only
	local := agent.New(agent.Config{
		Directory:   agent.NewNamedDirectory(gc.Services),
		Timeout:     gc.LocalCallTimeout,
		MaxBodySize: gc.MaxBodySize,
	})

	g.manager = mesh.NewManager(mesh.ManagerConfig{
		Role:             mesh.RoleServer,
		Registry:         g.registry,
		Handler:          local,
		Publisher:        g.publisher,
		LivenessInterval: interval,
	})
	g.wsServer = websocket.NewServer(g.admit)

	return g, nil
}

// Registry exposes the node registry
func (g *Gateway) Registry() *mesh.Registry {
	return g.registry
}

// Start binds every listener and serves in the background
func (g *Gateway) Start() error {
	logger.Info("Starting gateway server", "listen_addr", g.config.ListenAddr)

	tlsConfig, err := g.loadTLS()
	if err != nil {
		return err
	}

	wsListener, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		logger.Error("Failed to listen for nodes", "listen_addr", g.config.ListenAddr, "err", err)
		return fmt.Errorf("failed to listen on %s: %w", g.config.ListenAddr, err)
	}

	frontListener, err := net.Listen("tcp", g.config.ForwardAddr)
	if err != nil {
		wsListener.Close()
		logger.Error("Failed to listen for front door", "forward_addr", g.config.ForwardAddr, "err", err)
		return fmt.Errorf("failed to listen on %s: %w", g.config.ForwardAddr, err)
	}

	var adminListener net.Listener
	if g.config.AdminAddr != "" {
		adminListener, err = net.Listen("tcp", g.config.AdminAddr)
		if err != nil {
			wsListener.Close()
			frontListener.Close()
			logger.Error("Failed to listen for admin API", "admin_addr", g.config.AdminAddr, "err", err)
			return fmt.Errorf("failed to listen on %s: %w", g.config.AdminAddr, err)
		}
	}

	g.mu.Lock()
	g.wsAddr = wsListener.Addr()
	g.frontAddr = frontListener.Addr()
	g.front = &http.Server{
		Handler:           g.frontHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if adminListener != nil {
		g.adminAddr = adminListener.Addr()
		g.admin = &http.Server{
			Handler:           g.adminRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.wsServer.Serve(wsListener, tlsConfig); err != nil {
			logger.Error("Node listener stopped unexpectedly", "err", err)
		}
	}()

	var front net.Listener = frontListener
	if g.config.MaxConnections > 0 {
		front = netutil.LimitListener(frontListener, g.config.MaxConnections)
	}
	g.serveHTTP("front door", g.front, front)
	if adminListener != nil {
		g.serveHTTP("admin API", g.admin, adminListener)
	}

	// Every listener is bound, nothing below can fail
	if g.broker != nil {
		g.broker.Start()
	}
	monitoring.StartMetricsReporter(metricsInterval)

	logger.Info("Gateway started successfully", "listen_addr", g.wsAddr.String(),
		"forward_addr", g.frontAddr.String(), "max_connections", g.config.MaxConnections)
	return nil
}

func (g *Gateway) serveHTTP(name string, srv *http.Server, l net.Listener) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		logger.Info("Starting "+name, "addr", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" stopped unexpectedly", "err", err)
		}
	}()
}

// frontHandler tunnels every call as a service request to the node named by the Host header
func (g *Gateway) frontHandler() http.Handler {
	var h http.Handler = forward.New(forward.Config{
		Kind:        protocol.ServiceRequest,
		Router:      forward.RegistryRouter{Registry: g.registry},
		Timeout:     g.config.RequestTimeout,
		MaxBodySize: g.config.MaxBodySize,
	})
	if logger.DebugEnabled() {
		h = requestlog.Wrap(h)
	}
	return h
}

// admit runs before the websocket upgrade. A live incumbent for nodeID refuses the upgrade.
func (g *Gateway) admit(nodeID string) (*transport.Admission, error) {
	if g.ctx.Err() != nil {
		return nil, errors.New("gateway is stopping")
	}

	s, err := g.registry.Register(nodeID)
	if err != nil {
		g.publisher.Publish(events.Fail, nodeID)
		return nil, err
	}
	g.publisher.Publish(events.Connect, nodeID)

	// Counted while the upgrade request is still in flight, so Stop's listener
	// shutdown orders it before the final Wait. Released by Serve or Abort.
	g.wg.Add(1)
	return &transport.Admission{
		Serve: func(conn transport.Connection) {
			defer g.wg.Done()
			// Blocks until the tunnel is torn down
			g.manager.Run(g.ctx, s, conn)
		},
		Abort: func(err error) {
			defer g.wg.Done()
			g.registry.RemoveSession(s)
			g.publisher.Publish(events.Fail, nodeID)
		},
	}, nil
}

// Stop stops the gateway gracefully
func (g *Gateway) Stop() error {
	logger.Info("Initiating graceful gateway shutdown...")

	// Step 1: Signal sessions to stop
	g.cancel()

	// Step 2: Stop accepting nodes
	if err := g.wsServer.Close(); err != nil {
		logger.Error("Error shutting down node listener", "err", err)
	}

	// Step 3: Stop the HTTP servers
	g.mu.Lock()
	servers := []*http.Server{g.front, g.admin}
	g.mu.Unlock()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), protocol.DefaultShutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down HTTP server", "err", err)
		}
		cancel()
	}

	// Step 4: Close every session, waking blocked callers
	count := g.registry.Len()
	g.registry.CloseAll()

	// Step 5: Wait for session goroutines
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All gateway goroutines finished gracefully")
	case <-time.After(8 * time.Second):
		logger.Warn("Timeout waiting for gateway goroutines to finish")
	}

	// Step 6: Flush lifecycle events
	if g.broker != nil {
		g.broker.Stop()
	}
	monitoring.StopMetricsReporter()

	logger.Info("Gateway shutdown completed", "final_node_count", count)
	return nil
}

// WebSocketAddr is the bound node listener address, nil before Start
func (g *Gateway) WebSocketAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wsAddr
}

// ForwardAddr is the bound front door address, nil before Start
func (g *Gateway) ForwardAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frontAddr
}

// AdminAddr is the bound admin API address, nil before Start or when disabled
func (g *Gateway) AdminAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adminAddr
}
