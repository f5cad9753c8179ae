// ABOUTME: Explicit handler registration table for one agent type.
// ABOUTME: Built once at startup; consulted in O(1) by the mailbox pump.

package host

import (
	"context"
	"fmt"

	"github.com/2389/loom-runtime/internal/wire"
)

// EventHandler processes one event delivered to an agent instance. Errors
// are logged; events have no reply path.
type EventHandler func(ctx context.Context, agent wire.AgentID, ev *wire.Event) error

// RequestHandler processes one RPC addressed to an agent instance and
// returns the response payload and its content type. Errors (and panics) are
// captured into an error-bearing response for the caller.
type RequestHandler func(ctx context.Context, agent wire.AgentID, req *wire.Request) ([]byte, string, error)

// SubscriptionSpec declares a topic binding requested at registration time.
// Exactly one of Topic or TopicPrefix is set.
type SubscriptionSpec struct {
	Topic       string
	TopicPrefix string
}

// AgentType is the startup-time registration table for one agent
// implementation: event handlers keyed by event topic, request handlers
// keyed by method name, and the topic subscriptions to establish. The table
// is immutable once the host is running.
type AgentType struct {
	name          string
	events        map[string]EventHandler
	requests      map[string]RequestHandler
	subscriptions []SubscriptionSpec
}

// NewAgentType starts a registration table for the named agent type.
func NewAgentType(name string) *AgentType {
	return &AgentType{
		name:     name,
		events:   make(map[string]EventHandler),
		requests: make(map[string]RequestHandler),
	}
}

// Name returns the agent type name.
func (t *AgentType) Name() string {
	return t.name
}

// HandleEvent registers a handler for events whose topic equals topic. An
// empty topic registers the catch-all handler, which receives events whose
// topic has no exact match (typical with prefix subscriptions).
func (t *AgentType) HandleEvent(topic string, h EventHandler) *AgentType {
	t.events[topic] = h
	return t
}

// HandleRequest registers a handler for requests with the given method name.
// An empty method registers the catch-all handler.
func (t *AgentType) HandleRequest(method string, h RequestHandler) *AgentType {
	t.requests[method] = h
	return t
}

// Subscribe declares an exact-topic subscription for this agent type.
func (t *AgentType) Subscribe(topic string) *AgentType {
	t.subscriptions = append(t.subscriptions, SubscriptionSpec{Topic: topic})
	return t
}

// SubscribePrefix declares a topic-prefix subscription for this agent type.
func (t *AgentType) SubscribePrefix(prefix string) *AgentType {
	t.subscriptions = append(t.subscriptions, SubscriptionSpec{TopicPrefix: prefix})
	return t
}

func (t *AgentType) eventHandler(topic string) (EventHandler, bool) {
	if h, ok := t.events[topic]; ok {
		return h, true
	}
	h, ok := t.events[""]
	return h, ok
}

func (t *AgentType) requestHandler(method string) (RequestHandler, bool) {
	if h, ok := t.requests[method]; ok {
		return h, true
	}
	h, ok := t.requests[""]
	return h, ok
}

// safeInvoke runs a request handler, converting panics into errors so one
// misbehaving handler cannot take down the mailbox pump.
func safeInvoke(ctx context.Context, h RequestHandler, agent wire.AgentID, req *wire.Request) (payload []byte, contentType string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, agent, req)
}
