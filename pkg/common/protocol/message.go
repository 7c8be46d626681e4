package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrUnknownKind is returned for an envelope whose type is not one of the four message kinds
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMalformed is returned for an envelope that fails validation
	ErrMalformed = errors.New("malformed message")

	// ErrNotText is returned for a message carrying bytes that are not valid UTF-8.
	// Frames are JSON text, so such a message would not survive the round trip.
	ErrNotText = fmt.Errorf("%w: not valid UTF-8", ErrMalformed)
)

// Kind identifies the direction and role of a tunnel message
type Kind int

// Message kinds. Service* travel server -> node -> server, Node* travel node -> server -> node.
const (
	KindUnknown Kind = iota
	ServiceRequest
	ServiceResponse
	NodeRequest
	NodeResponse
)

var kindNames = map[Kind]string{
	ServiceRequest:  "service_request",
	ServiceResponse: "service_response",
	NodeRequest:     "node_request",
	NodeResponse:    "node_response",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire name to a Kind
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsRequest reports whether the peer is asked to execute something locally
func (k Kind) IsRequest() bool {
	return k == ServiceRequest || k == NodeRequest
}

// IsResponse reports whether the message answers a request this side made
func (k Kind) IsResponse() bool {
	return k == ServiceResponse || k == NodeResponse
}

// ResponseKind returns the kind that answers k
func (k Kind) ResponseKind() Kind {
	switch k {
	case ServiceRequest:
		return ServiceResponse
	case NodeRequest:
		return NodeResponse
	default:
		return KindUnknown
	}
}

// MarshalJSON implements json.Marshaler
func (k Kind) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: type must be a string", ErrMalformed)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NodeInfo identifies the node end of the tunnel
type NodeInfo struct {
	NodeID string `json:"node_id"`
	Port   string `json:"port"`
}

// ServiceInfo identifies the local service a request targets
type ServiceInfo struct {
	Name string `json:"name"`
	Port string `json:"port"`
}

// RequestInfo is a serialized HTTP request
type RequestInfo struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Path      string            `json:"path"`
	MapURL    map[string]string `json:"map_url,omitempty"`
	MapHeader map[string]string `json:"map_header,omitempty"`
	MapPost   map[string]string `json:"map_post,omitempty"`
	RawData   string            `json:"raw_data,omitempty"`
	Length    int               `json:"length"`
}

// ResponseInfo is a serialized HTTP response
type ResponseInfo struct {
	Code   int    `json:"code"`
	Data   string `json:"data"`
	Length int    `json:"length"`
}

// Message is the envelope exchanged over the websocket, one per text frame
type Message struct {
	Kind         Kind          `json:"type"`
	NodeInfo     *NodeInfo     `json:"node_info,omitempty"`
	ServiceInfo  *ServiceInfo  `json:"service_info,omitempty"`
	RequestInfo  *RequestInfo  `json:"request_info,omitempty"`
	ResponseInfo *ResponseInfo `json:"response_info,omitempty"`
	Seq          uint64        `json:"seq"`
}

// Validate checks the invariants a peer relies on
func (m *Message) Validate() error {
	if _, ok := kindNames[m.Kind]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(m.Kind))
	}
	if m.Seq == 0 {
		return fmt.Errorf("%w: seq is required", ErrMalformed)
	}

	if m.Kind.IsRequest() {
		if m.RequestInfo == nil {
			return fmt.Errorf("%w: %s without request_info", ErrMalformed, m.Kind)
		}
		if m.RequestInfo.Method == "" {
			return fmt.Errorf("%w: request_info.method is empty", ErrMalformed)
		}
		if m.RequestInfo.Length != len(m.RequestInfo.RawData) {
			return fmt.Errorf("%w: request length mismatch declared=%d actual=%d",
				ErrMalformed, m.RequestInfo.Length, len(m.RequestInfo.RawData))
		}
		return m.RequestInfo.validText()
	}

	if m.ResponseInfo == nil {
		return fmt.Errorf("%w: %s without response_info", ErrMalformed, m.Kind)
	}
	if m.ResponseInfo.Code < 100 || m.ResponseInfo.Code > 599 {
		return fmt.Errorf("%w: invalid status code %d", ErrMalformed, m.ResponseInfo.Code)
	}
	if m.ResponseInfo.Length != len(m.ResponseInfo.Data) {
		return fmt.Errorf("%w: response length mismatch declared=%d actual=%d",
			ErrMalformed, m.ResponseInfo.Length, len(m.ResponseInfo.Data))
	}
	if !utf8.ValidString(m.ResponseInfo.Data) {
		return fmt.Errorf("%w: response data", ErrNotText)
	}
	return nil
}

func (r *RequestInfo) validText() error {
	if !utf8.ValidString(r.RawData) {
		return fmt.Errorf("%w: request raw_data", ErrNotText)
	}
	if !utf8.ValidString(r.URL) || !utf8.ValidString(r.Path) {
		return fmt.Errorf("%w: request url", ErrNotText)
	}
	for _, m := range []map[string]string{r.MapURL, r.MapHeader, r.MapPost} {
		for k, v := range m {
			if !utf8.ValidString(k) || !utf8.ValidString(v) {
				return fmt.Errorf("%w: request field %q", ErrNotText, k)
			}
		}
	}
	return nil
}

// Encode validates and serializes a message
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a frame
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewResponse builds the message answering req
func NewResponse(req *Message, code int, body []byte) *Message {
	resp := &Message{
		Kind: req.Kind.ResponseKind(),
		Seq:  req.Seq,
		ResponseInfo: &ResponseInfo{
			Code:   code,
			Data:   string(body),
			Length: len(body),
		},
	}
	if req.NodeInfo != nil {
		ni := *req.NodeInfo
		resp.NodeInfo = &ni
	}
	if req.ServiceInfo != nil {
		si := *req.ServiceInfo
		resp.ServiceInfo = &si
	}
	return resp
}
