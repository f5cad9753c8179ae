// ABOUTME: Wire-level message types exchanged between workers and the gateway.
// ABOUTME: Frame is the tagged union carried on the duplex channel stream.

package wire

// AgentID addresses one logical agent instance. Type identifies the agent
// implementation, Key the instance (e.g., one per conversation). Values are
// immutable once constructed.
type AgentID struct {
	Type string `cbor:"1,keyasint"`
	Key  string `cbor:"2,keyasint"`
}

// String returns the canonical "type/key" form used in logs and store keys.
func (id AgentID) String() string {
	return id.Type + "/" + id.Key
}

// IsZero reports whether the id is the empty AgentID.
func (id AgentID) IsZero() bool {
	return id.Type == "" && id.Key == ""
}

// Request is a point-to-point RPC addressed to a logical agent instance.
type Request struct {
	RequestID   string  `cbor:"1,keyasint"`
	Target      AgentID `cbor:"2,keyasint"`
	Method      string  `cbor:"3,keyasint"`
	Payload     []byte  `cbor:"4,keyasint,omitempty"`
	ContentType string  `cbor:"5,keyasint,omitempty"`
}

// Response correlates to an outstanding Request by RequestID. Exactly one of
// Payload or Error is meaningful.
type Response struct {
	RequestID   string `cbor:"1,keyasint"`
	Payload     []byte `cbor:"2,keyasint,omitempty"`
	ContentType string `cbor:"3,keyasint,omitempty"`
	Error       string `cbor:"4,keyasint,omitempty"`
}

// Event is a broadcast message. Topic identifies the event category, Key the
// target instance or scope (CloudEvent type and source, respectively).
// Events are never correlated to a response.
type Event struct {
	Topic       string `cbor:"1,keyasint"`
	Key         string `cbor:"2,keyasint"`
	Payload     []byte `cbor:"3,keyasint,omitempty"`
	ContentType string `cbor:"4,keyasint,omitempty"`
}

// Hello is sent by the gateway as the first frame on a freshly established
// channel, acknowledging the worker's identity.
type Hello struct {
	ServerID string `cbor:"1,keyasint"`
	ClientID string `cbor:"2,keyasint"`
}

// Frame is the three-way tagged union (plus the Hello control frame) carried
// on the channel stream. Exactly one field is non-nil.
type Frame struct {
	Hello    *Hello    `cbor:"1,keyasint,omitempty"`
	Request  *Request  `cbor:"2,keyasint,omitempty"`
	Response *Response `cbor:"3,keyasint,omitempty"`
	Event    *Event    `cbor:"4,keyasint,omitempty"`
}

// Kind returns a short name for the populated union member, for logs and
// metrics labels.
func (f *Frame) Kind() string {
	switch {
	case f.Hello != nil:
		return "hello"
	case f.Request != nil:
		return "request"
	case f.Response != nil:
		return "response"
	case f.Event != nil:
		return "event"
	default:
		return "empty"
	}
}

// Subscription binds a topic (exact) or topic prefix to an agent type.
// Exactly one of Topic or TopicPrefix is set.
type Subscription struct {
	ID          string `cbor:"1,keyasint"`
	AgentType   string `cbor:"2,keyasint"`
	Topic       string `cbor:"3,keyasint,omitempty"`
	TopicPrefix string `cbor:"4,keyasint,omitempty"`
}

// Unary RPC request/response messages for the Runtime service.

type RegisterAgentTypeRequest struct {
	Type string `cbor:"1,keyasint"`
}

type RegisterAgentTypeResponse struct{}

type AddSubscriptionRequest struct {
	AgentType   string `cbor:"1,keyasint"`
	Topic       string `cbor:"2,keyasint,omitempty"`
	TopicPrefix string `cbor:"3,keyasint,omitempty"`
}

type AddSubscriptionResponse struct {
	ID string `cbor:"1,keyasint"`
}

type RemoveSubscriptionRequest struct {
	ID string `cbor:"1,keyasint"`
}

type RemoveSubscriptionResponse struct{}

type ListSubscriptionsRequest struct{}

type ListSubscriptionsResponse struct {
	Subscriptions []Subscription `cbor:"1,keyasint,omitempty"`
}

type GetStateRequest struct {
	AgentID AgentID `cbor:"1,keyasint"`
}

type GetStateResponse struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
	ETag string `cbor:"2,keyasint,omitempty"`
}

type SaveStateRequest struct {
	AgentID AgentID `cbor:"1,keyasint"`
	Data    []byte  `cbor:"2,keyasint,omitempty"`
	ETag    string  `cbor:"3,keyasint,omitempty"`
}

type SaveStateResponse struct {
	ETag string `cbor:"1,keyasint"`
}

type PublishEventRequest struct {
	Event *Event `cbor:"1,keyasint"`
}

type PublishEventResponse struct{}
