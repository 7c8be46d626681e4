// Package events publishes node link and certificate lifecycle events to an AMQP broker.
package events

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind is a lifecycle state change
type Kind int

// Link and certificate lifecycle kinds
const (
	Connect Kind = iota + 1
	Fail
	Active
	Lost
	End
	Close
	Valid
	Invalid
	Update
	Expired
)

var kindStates = map[Kind]string{
	Connect: "connect",
	Fail:    "fail",
	Active:  "active",
	Lost:    "lost",
	End:     "end",
	Close:   "close",
	Valid:   "valid",
	Invalid: "invalid",
	Update:  "update",
	Expired: "expired",
}

// String returns the routing key state
func (k Kind) String() string {
	if s, ok := kindStates[k]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kindStates[k]
	return ok
}

// Object returns the routing key object: link for connection states, cert for certificate states
func (k Kind) Object() string {
	switch k {
	case Valid, Invalid, Update, Expired:
		return "cert"
	default:
		return "link"
	}
}

// Type returns the routing key type. A certificate update is a request, everything else an event.
func (k Kind) Type() string {
	if k == Update {
		return "request"
	}
	return "event"
}

// Source is where the event originates
type Source string

// Event sources
const (
	SourceCloud  Source = "cloud"
	SourceDevice Source = "device"
)

// Event is one lifecycle notification
type Event struct {
	Kind      Kind
	NodeID    string
	Timestamp time.Time
}

// RoutingKey builds <type>.<source>.<container>.<object>.<state>
func RoutingKey(kind Kind, source Source, container string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid event kind %d", int(kind))
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s", kind.Type(), source, container, kind.Object(), kind), nil
}

// Marshal encodes the event as a protobuf Any wrapping a Struct
func Marshal(e Event, source Source) ([]byte, error) {
	body, err := structpb.NewStruct(map[string]interface{}{
		"node_id":   e.NodeID,
		"object":    e.Kind.Object(),
		"state":     e.Kind.String(),
		"source":    string(source),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("build event body: %w", err)
	}

	packed, err := anypb.New(body)
	if err != nil {
		return nil, fmt.Errorf("pack event: %w", err)
	}
	return proto.Marshal(packed)
}

// Unmarshal decodes a payload produced by Marshal into its fields
func Unmarshal(data []byte) (map[string]interface{}, error) {
	var packed anypb.Any
	if err := proto.Unmarshal(data, &packed); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	var body structpb.Struct
	if err := packed.UnmarshalTo(&body); err != nil {
		return nil, fmt.Errorf("unpack event: %w", err)
	}
	return body.AsMap(), nil
}
