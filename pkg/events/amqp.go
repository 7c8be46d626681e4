package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/logger"
)

// brokerDialTimeout bounds the TCP connect and the AMQP handshake
const brokerDialTimeout = 3 * time.Second

// broker is the slice of an AMQP channel the publisher needs
type broker interface {
	Publish(exchange, key string, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url, exchange string) (broker, error)

// amqpBroker owns one connection and one channel
type amqpBroker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func dialAMQP(url, exchange string) (broker, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(brokerDialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", redact(url), err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// amq.* exchanges are predeclared by the broker
	if !strings.HasPrefix(exchange, "amq.") {
		if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	return &amqpBroker{conn: conn, channel: channel}, nil
}

func (b *amqpBroker) Publish(exchange, key string, msg amqp.Publishing) error {
	return b.channel.Publish(exchange, key, false, false, msg)
}

func (b *amqpBroker) Close() error {
	b.channel.Close() //nolint:errcheck
	return b.conn.Close()
}

// redact strips credentials from a broker URL for logging
func redact(url string) string {
	if i := strings.LastIndex(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "****" + url[i:]
		}
	}
	return url
}

// AMQPPublisher buffers events and publishes them from a single worker, so a slow or
// unreachable broker never stalls the tunnel.
type AMQPPublisher struct {
	url       string
	exchange  string
	container string
	source    Source
	dial      dialFunc

	// flushTimeout bounds the delivery of buffered events on Stop
	flushTimeout time.Duration

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher creates a publisher for cfg. Call Start before publishing.
func NewAMQPPublisher(cfg config.BrokerConfig, source Source) *AMQPPublisher {
	return newAMQPPublisher(cfg, source, dialAMQP)
}

func newAMQPPublisher(cfg config.BrokerConfig, source Source, dial dialFunc) *AMQPPublisher {
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBrokerBufferSize
	}
	return &AMQPPublisher{
		url:       cfg.URL,
		exchange:  cfg.Exchange,
		container: cfg.Container,
		source:       source,
		dial:         dial,
		flushTimeout: protocol.DefaultShutdownTimeout,
		events:       make(chan Event, size),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the worker
func (p *AMQPPublisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop flushes what is buffered and stops the worker. The flush gives up once the
// broker cannot be reached or the flush timeout passes.
func (p *AMQPPublisher) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
}

// Publish implements Publisher
func (p *AMQPPublisher) Publish(kind Kind, nodeID string) bool {
	if !kind.Valid() {
		logger.Error("Refusing to publish invalid event", "kind", int(kind), "node_id", nodeID)
		return false
	}

	select {
	case <-p.stopCh:
		return false
	default:
	}

	select {
	case p.events <- Event{Kind: kind, NodeID: nodeID, Timestamp: time.Now()}:
		return true
	default:
		logger.Warn("Event buffer full, dropping event", "event", kind.String(), "node_id", nodeID)
		return false
	}
}

func (p *AMQPPublisher) run() {
	defer p.wg.Done()

	var b broker
	defer func() {
		if b != nil {
			b.Close() //nolint:errcheck
		}
	}()

	for {
		select {
		case <-p.stopCh:
			b = p.flush(b)
			return
		default:
		}

		select {
		case <-p.stopCh:
			b = p.flush(b)
			return
		case e := <-p.events:
			b, _ = p.deliver(b, e)
		}
	}
}

// flush delivers what is left in the buffer and drops the rest after a failed dial
// or the flush timeout
func (p *AMQPPublisher) flush(b broker) broker {
	deadline := time.Now().Add(p.flushTimeout)
	for {
		select {
		case e := <-p.events:
			if time.Now().After(deadline) {
				p.drop(1, "flush timeout")
				return b
			}
			var reachable bool
			if b, reachable = p.deliver(b, e); !reachable {
				p.drop(0, "broker unreachable")
				return b
			}
		default:
			return b
		}
	}
}

// drop discards the buffer; counted are events already taken from it
func (p *AMQPPublisher) drop(counted int, reason string) {
	n := counted
	for {
		select {
		case <-p.events:
			n++
		default:
			if n > 0 {
				logger.Warn("Dropping buffered events on shutdown", "count", n, "reason", reason)
			}
			return
		}
	}
}

// deliver publishes e, connecting first if needed. It returns the broker to use next,
// nil after a failure so the next event reconnects, and false when the dial failed.
func (p *AMQPPublisher) deliver(b broker, e Event) (broker, bool) {
	key, err := RoutingKey(e.Kind, p.source, p.container)
	if err != nil {
		logger.Error("Error creating routing key, ignoring event", "err", err)
		return b, true
	}

	body, err := Marshal(e, p.source)
	if err != nil {
		logger.Error("Error serializing event", "event", e.Kind.String(), "node_id", e.NodeID, "err", err)
		return b, true
	}

	if b == nil {
		b, err = p.dial(p.url, p.exchange)
		if err != nil {
			logger.Error("Broker unavailable, dropping event", "key", key, "node_id", e.NodeID, "err", err)
			return nil, false
		}
	}

	err = b.Publish(p.exchange, key, amqp.Publishing{
		ContentType: "application/octet-stream",
		Timestamp:   e.Timestamp,
		Body:        body,
	})
	if err != nil {
		logger.Error("Error publishing event", "key", key, "node_id", e.NodeID, "err", err)
		b.Close() //nolint:errcheck
		return nil, true
	}

	logger.Debug("Event published", "exchange", p.exchange, "key", key, "node_id", e.NodeID)
	return b, true
}
