package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Default values applied by ApplyDefaults
const (
	DefaultListenAddr        = ":8082"
	DefaultForwardAddr       = ":8083"
	DefaultAdminAddr         = ":8084"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultLivenessInterval  = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultMaxBodySize       = 4 << 20 // 4MB
	DefaultMaxConnections    = 1024
	DefaultLocalCallTimeout  = 10 * time.Second
	DefaultBrokerExchange    = "amq.topic"
	DefaultBrokerContainer   = "mesh"
	DefaultBrokerBufferSize  = 256
)

// Config represents the main configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Client  ClientConfig  `yaml:"client"`
	Broker  BrokerConfig  `yaml:"broker"`
	Log     LogConfig     `yaml:"log"`
}

// ServiceConfig maps a service name to the local port it listens on
type ServiceConfig struct {
	Name string `yaml:"name"`
	Port string `yaml:"port"`
}

// GatewayConfig represents the configuration for the mesh server
type GatewayConfig struct {
	ListenAddr       string          `yaml:"listen_addr"`  // websocket listener
	ForwardAddr      string          `yaml:"forward_addr"` // HTTP front door
	AdminAddr        string          `yaml:"admin_addr"`
	TLSCert          string          `yaml:"tls_cert"`
	TLSKey           string          `yaml:"tls_key"`
	RequestTimeout   time.Duration   `yaml:"request_timeout"`
	LivenessInterval time.Duration   `yaml:"liveness_interval"`
	MaxBodySize      int64           `yaml:"max_body_size"`
	MaxConnections   int             `yaml:"max_connections"`
	LocalCallTimeout time.Duration   `yaml:"local_call_timeout"`
	Services         []ServiceConfig `yaml:"services"`
}

// ClientConfig represents the configuration for the node agent
type ClientConfig struct {
	NodeID             string          `yaml:"node_id"`
	GatewayAddr        string          `yaml:"gateway_addr"`
	GatewayTLSCert     string          `yaml:"gateway_tls_cert"`
	SkipVerify         bool            `yaml:"skip_verify"`
	ReconnectInterval  time.Duration   `yaml:"reconnect_interval"`
	LivenessInterval   time.Duration   `yaml:"liveness_interval"`
	RequestTimeout     time.Duration   `yaml:"request_timeout"`
	LocalCallTimeout   time.Duration   `yaml:"local_call_timeout"`
	LocalForwardAddr   string          `yaml:"local_forward_addr"`
	MaxBodySize        int64           `yaml:"max_body_size"`
	DefaultServicePort string          `yaml:"default_service_port"`
	Services           []ServiceConfig `yaml:"services"`
}

// BrokerConfig represents the message broker used for lifecycle events.
// An empty URL disables publishing.
type BrokerConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	Container  string `yaml:"container"`
	BufferSize int    `yaml:"buffer_size"`
}

// LogConfig represents the logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

var conf *Config

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}

	config.ApplyDefaults()

	conf = &config

	return &config, nil
}

// GetConfig returns the last loaded configuration
func GetConfig() *Config {
	return conf
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	g := &c.Gateway
	if g.ListenAddr == "" {
		g.ListenAddr = DefaultListenAddr
	}
	if g.ForwardAddr == "" {
		g.ForwardAddr = DefaultForwardAddr
	}
	if g.AdminAddr == "" {
		g.AdminAddr = DefaultAdminAddr
	}
	if g.RequestTimeout <= 0 {
		g.RequestTimeout = DefaultRequestTimeout
	}
	if g.LivenessInterval <= 0 {
		g.LivenessInterval = DefaultLivenessInterval
	}
	if g.MaxBodySize <= 0 {
		g.MaxBodySize = DefaultMaxBodySize
	}
	if g.MaxConnections <= 0 {
		g.MaxConnections = DefaultMaxConnections
	}
	if g.LocalCallTimeout <= 0 {
		g.LocalCallTimeout = DefaultLocalCallTimeout
	}

	cl := &c.Client
	if cl.ReconnectInterval <= 0 {
		cl.ReconnectInterval = DefaultReconnectInterval
	}
	if cl.LivenessInterval <= 0 {
		cl.LivenessInterval = DefaultLivenessInterval
	}
	if cl.RequestTimeout <= 0 {
		cl.RequestTimeout = DefaultRequestTimeout
	}
	if cl.LocalCallTimeout <= 0 {
		cl.LocalCallTimeout = DefaultLocalCallTimeout
	}
	if cl.MaxBodySize <= 0 {
		cl.MaxBodySize = DefaultMaxBodySize
	}

	b := &c.Broker
	if b.Exchange == "" {
		b.Exchange = DefaultBrokerExchange
	}
	if b.Container == "" {
		b.Container = DefaultBrokerContainer
	}
	if b.BufferSize <= 0 {
		b.BufferSize = DefaultBrokerBufferSize
	}
}

// ValidateGateway checks the settings the mesh server cannot run without
func (c *Config) ValidateGateway() error {
	if (c.Gateway.TLSCert == "") != (c.Gateway.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	for _, s := range c.Gateway.Services {
		if s.Name == "" || s.Port == "" {
			return fmt.Errorf("gateway service entries need both name and port")
		}
	}
	return nil
}

// ValidateClient checks the settings the node agent cannot run without
func (c *Config) ValidateClient() error {
	if c.Client.NodeID == "" {
		return fmt.Errorf("client.node_id is required")
	}
	if c.Client.GatewayAddr == "" {
		return fmt.Errorf("client.gateway_addr is required")
	}
	for _, s := range c.Client.Services {
		if s.Name == "" || s.Port == "" {
			return fmt.Errorf("client service entries need both name and port")
		}
	}
	return nil
}
