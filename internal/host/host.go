// ABOUTME: Worker-side runtime: dials a gateway, registers agent types, and
// ABOUTME: pumps inbound frames into per-instance mailboxes.

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/loom-runtime/internal/mailbox"
	"github.com/2389/loom-runtime/internal/store"
	"github.com/2389/loom-runtime/internal/wire"
	"github.com/2389/loom-runtime/internal/worker"
)

var (
	// ErrNotConnected indicates the host has no live channel to the gateway.
	ErrNotConnected = errors.New("host not connected")

	// ErrAlreadyRunning indicates Run was called on a running host.
	ErrAlreadyRunning = errors.New("host already running")

	// ErrRequestTimeout indicates no response arrived within the RPC timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

// DefaultRPCTimeout bounds how long Call.Await waits for a response.
const DefaultRPCTimeout = 30 * time.Second

// RuntimeAPI is the slice of the gateway client surface the host uses.
// *wire.RuntimeClient satisfies it.
type RuntimeAPI interface {
	RegisterAgentType(ctx context.Context, in *wire.RegisterAgentTypeRequest) (*wire.RegisterAgentTypeResponse, error)
	AddSubscription(ctx context.Context, in *wire.AddSubscriptionRequest) (*wire.AddSubscriptionResponse, error)
	GetState(ctx context.Context, in *wire.GetStateRequest) (*wire.GetStateResponse, error)
	SaveState(ctx context.Context, in *wire.SaveStateRequest) (*wire.SaveStateResponse, error)
	PublishEvent(ctx context.Context, in *wire.PublishEventRequest) (*wire.PublishEventResponse, error)
	OpenChannel(ctx context.Context) (wire.ClientChannel, error)
}

// Host runs agent types inside one worker process. It owns the channel to
// the gateway, routes inbound frames to per-instance mailboxes (created on
// first delivery), and tracks requests this process has issued so responses
// find their way back to the issuing agent.
type Host struct {
	clientID   string
	client     RuntimeAPI
	logger     *slog.Logger
	rpcTimeout time.Duration
	cc         *grpc.ClientConn

	mu        sync.Mutex
	types     map[string]*AgentType
	mailboxes map[wire.AgentID]*mailbox.Mailbox
	pending   map[string]*pendingCall
	conn      *worker.Connection
	runCtx    context.Context
}

// pendingCall tracks one outbound request: who issued it and where to
// deliver the response once the owner's mailbox dispatches it.
type pendingCall struct {
	owner wire.AgentID
	ch    chan *wire.Response
}

// Option configures a Host.
type Option func(*Host)

// WithRPCTimeout overrides the default per-request timeout.
func WithRPCTimeout(d time.Duration) Option {
	return func(h *Host) { h.rpcTimeout = d }
}

// New creates a host over an existing gateway client. clientID identifies
// this worker process to the gateway and must be stable for its lifetime.
func New(client RuntimeAPI, clientID string, logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		clientID:   clientID,
		client:     client,
		logger:     logger.With("client_id", clientID),
		rpcTimeout: DefaultRPCTimeout,
		types:      make(map[string]*AgentType),
		mailboxes:  make(map[wire.AgentID]*mailbox.Mailbox),
		pending:    make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dial connects to the gateway at addr and returns a host bound to it.
func Dial(addr, clientID string, logger *slog.Logger, opts ...Option) (*Host, error) {
	cc, err := wire.Dial(addr)
	if err != nil {
		return nil, err
	}
	h := New(wire.NewRuntimeClient(cc), clientID, logger, opts...)
	h.cc = cc
	return h, nil
}

// Register adds an agent type to the host. All types must be registered
// before Run; the table is immutable once the channel is up.
func (h *Host) Register(t *AgentType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		return ErrAlreadyRunning
	}
	if _, ok := h.types[t.name]; ok {
		return fmt.Errorf("agent type %q already registered", t.name)
	}
	h.types[t.name] = t
	return nil
}

// Run opens the channel, registers every agent type and subscription with
// the gateway, then blocks pumping frames until ctx is cancelled, Close is
// called, or the channel fails.
func (h *Host) Run(ctx context.Context) error {
	ctx = wire.WithClientID(ctx, h.clientID)

	ch, err := h.client.OpenChannel(ctx)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	conn := worker.NewConnection(h.clientID, ch, h.route, h.logger)

	h.mu.Lock()
	if h.conn != nil {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.conn = conn
	h.runCtx = ctx
	types := make([]*AgentType, 0, len(h.types))
	for _, t := range h.types {
		types = append(types, t)
	}
	h.mu.Unlock()
	defer h.teardown()

	for _, t := range types {
		if _, err := h.client.RegisterAgentType(ctx, &wire.RegisterAgentTypeRequest{Type: t.name}); err != nil {
			conn.Close()
			return fmt.Errorf("registering agent type %q: %w", t.name, err)
		}
		for _, sub := range t.subscriptions {
			req := &wire.AddSubscriptionRequest{
				AgentType:   t.name,
				Topic:       sub.Topic,
				TopicPrefix: sub.TopicPrefix,
			}
			if _, err := h.client.AddSubscription(ctx, req); err != nil {
				conn.Close()
				return fmt.Errorf("subscribing %q: %w", t.name, err)
			}
		}
	}
	conn.SetState(worker.StateLive)
	h.logger.Info("host running", "agent_types", len(types))

	err = conn.Connect()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close tears down the channel. Run returns once its pumps have exited.
func (h *Host) Close() error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if h.cc != nil {
		return h.cc.Close()
	}
	return nil
}

// teardown closes every mailbox and fails outstanding calls after the
// channel goes away.
func (h *Host) teardown() {
	h.mu.Lock()
	boxes := make([]*mailbox.Mailbox, 0, len(h.mailboxes))
	for _, mb := range h.mailboxes {
		boxes = append(boxes, mb)
	}
	h.mailboxes = make(map[wire.AgentID]*mailbox.Mailbox)
	for id, pc := range h.pending {
		close(pc.ch)
		delete(h.pending, id)
	}
	h.conn = nil
	h.mu.Unlock()

	for _, mb := range boxes {
		mb.Close()
		<-mb.Done()
	}
}

// route is the channel dispatch function. The read pump invokes it
// synchronously, so frames reach each instance's mailbox in wire arrival
// order; every branch only enqueues and never waits on handlers.
func (h *Host) route(conn *worker.Connection, f *wire.Frame) {
	switch {
	case f.Hello != nil:
		h.logger.Debug("channel established", "server_id", f.Hello.ServerID)

	case f.Request != nil:
		h.routeRequest(conn, f)

	case f.Event != nil:
		h.routeEvent(f)

	case f.Response != nil:
		h.routeResponse(f)

	default:
		h.logger.Warn("dropping frame with no routable payload")
	}
}

func (h *Host) routeRequest(conn *worker.Connection, f *wire.Frame) {
	req := f.Request
	h.mu.Lock()
	_, ok := h.types[req.Target.Type]
	h.mu.Unlock()
	if !ok {
		// Misrouted: the gateway believes this worker hosts the type.
		h.logger.Error("request for unhosted agent type",
			"agent_id", req.Target.String(),
			"request_id", req.RequestID,
		)
		resp := &wire.Response{
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("worker %s does not host agent type %q", h.clientID, req.Target.Type),
		}
		if err := conn.SendMessage(&wire.Frame{Response: resp}); err != nil {
			h.logger.Error("sending error response", "request_id", req.RequestID, "error", err)
		}
		return
	}
	h.deliver(req.Target, f)
}

func (h *Host) routeEvent(f *wire.Frame) {
	ev := f.Event
	h.mu.Lock()
	targets := make([]wire.AgentID, 0, 1)
	for name, t := range h.types {
		if _, ok := t.eventHandler(ev.Topic); ok {
			targets = append(targets, wire.AgentID{Type: name, Key: ev.Key})
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Debug("no handler for event topic", "topic", ev.Topic)
		return
	}
	for _, id := range targets {
		h.deliver(id, f)
	}
}

// routeResponse hands a response to the mailbox of the agent that issued
// the request, preserving ordering with that agent's other messages. The
// pending entry itself is consumed later, by fulfill, on the pump.
func (h *Host) routeResponse(f *wire.Frame) {
	resp := f.Response
	h.mu.Lock()
	pc, ok := h.pending[resp.RequestID]
	h.mu.Unlock()
	if !ok {
		h.logger.Error("response for unknown request id", "request_id", resp.RequestID)
		return
	}
	if pc.owner.IsZero() {
		// Issued by the process itself, not an agent; complete directly.
		h.fulfill(resp)
		return
	}
	h.deliver(pc.owner, f)
}

// deliver enqueues a frame on the instance's mailbox, creating it on first
// use.
func (h *Host) deliver(id wire.AgentID, f *wire.Frame) {
	h.mu.Lock()
	mb, ok := h.mailboxes[id]
	if !ok {
		t := h.types[id.Type]
		if t == nil || h.runCtx == nil {
			h.mu.Unlock()
			h.logger.Error("no mailbox for agent", "agent_id", id.String())
			return
		}
		disp := &instanceDispatcher{host: h, typ: t, agent: id}
		mb = mailbox.New(h.runCtx, id, disp, h.sendFrame, h.logger)
		h.mailboxes[id] = mb
	}
	h.mu.Unlock()

	if err := mb.ReceiveMessage(f); err != nil {
		h.logger.Warn("mailbox rejected frame", "agent_id", id.String(), "error", err)
	}
}

func (h *Host) sendFrame(f *wire.Frame) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendMessage(f)
}

// Call is a handle on one outstanding request.
type Call struct {
	RequestID string
	host      *Host
	ch        chan *wire.Response
}

// Done yields the response exactly once; the channel is closed without a
// value if the host shuts down first.
func (c *Call) Done() <-chan *wire.Response {
	return c.ch
}

// Await blocks for the response, bounded by the host's RPC timeout. It must
// not be called from inside the issuing agent's own handlers; the response
// is delivered through that agent's mailbox, which a blocked handler would
// never drain. Handlers should select on Done asynchronously instead.
func (c *Call) Await(ctx context.Context) (*wire.Response, error) {
	timer := time.NewTimer(c.host.rpcTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-c.ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		c.host.abandon(c.RequestID)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.host.abandon(c.RequestID)
		return nil, ctx.Err()
	}
}

// SendRequest issues a request to target on behalf of from and returns a
// handle for the response. A zero from means the process itself is the
// caller and the response bypasses mailbox ordering.
func (h *Host) SendRequest(from, target wire.AgentID, method string, payload []byte, contentType string) (*Call, error) {
	call := &Call{
		RequestID: uuid.New().String(),
		host:      h,
		ch:        make(chan *wire.Response, 1),
	}
	h.mu.Lock()
	if h.conn == nil {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	h.pending[call.RequestID] = &pendingCall{owner: from, ch: call.ch}
	h.mu.Unlock()

	req := &wire.Request{
		RequestID:   call.RequestID,
		Target:      target,
		Method:      method,
		Payload:     payload,
		ContentType: contentType,
	}
	if err := h.sendFrame(&wire.Frame{Request: req}); err != nil {
		h.abandon(call.RequestID)
		return nil, err
	}
	return call, nil
}

// Invoke is SendRequest followed by Await. The same handler-reentrancy
// caveat applies.
func (h *Host) Invoke(ctx context.Context, from, target wire.AgentID, method string, payload []byte, contentType string) (*wire.Response, error) {
	call, err := h.SendRequest(from, target, method, payload, contentType)
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

// fulfill completes a pending call. A missing entry means the caller gave
// up (timeout or cancellation) before the response arrived.
func (h *Host) fulfill(resp *wire.Response) {
	h.mu.Lock()
	pc, ok := h.pending[resp.RequestID]
	if ok {
		delete(h.pending, resp.RequestID)
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("response for abandoned request", "request_id", resp.RequestID)
		return
	}
	pc.ch <- resp
}

func (h *Host) abandon(requestID string) {
	h.mu.Lock()
	delete(h.pending, requestID)
	h.mu.Unlock()
}

// PublishEvent sends an event into the runtime: over the channel when it is
// live, otherwise through the unary RPC, so a host can publish without
// hosting any agent types at all.
func (h *Host) PublishEvent(ctx context.Context, ev *wire.Event) error {
	if ev.Topic == "" {
		return errors.New("event topic is required")
	}
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn != nil && conn.Live() {
		return conn.SendMessage(&wire.Frame{Event: ev})
	}
	_, err := h.client.PublishEvent(wire.WithClientID(ctx, h.clientID), &wire.PublishEventRequest{Event: ev})
	return err
}

// GetState reads an agent's persisted state and its version tag.
func (h *Host) GetState(ctx context.Context, id wire.AgentID) ([]byte, string, error) {
	resp, err := h.client.GetState(wire.WithClientID(ctx, h.clientID), &wire.GetStateRequest{AgentID: id})
	if err != nil {
		return nil, "", err
	}
	return resp.Data, resp.ETag, nil
}

// SaveState writes an agent's state, guarded by etag, and returns the new
// tag. A concurrent-modification rejection surfaces as store.ErrETagMismatch.
func (h *Host) SaveState(ctx context.Context, id wire.AgentID, data []byte, etag string) (string, error) {
	req := &wire.SaveStateRequest{AgentID: id, Data: data, ETag: etag}
	resp, err := h.client.SaveState(wire.WithClientID(ctx, h.clientID), req)
	if err != nil {
		if status.Code(err) == codes.Aborted {
			return "", store.ErrETagMismatch
		}
		return "", err
	}
	return resp.ETag, nil
}

// instanceDispatcher adapts one agent instance's handler table to the
// mailbox dispatch interface.
type instanceDispatcher struct {
	host  *Host
	typ   *AgentType
	agent wire.AgentID
}

func (d *instanceDispatcher) OnRequest(ctx context.Context, req *wire.Request) *wire.Response {
	handler, ok := d.typ.requestHandler(req.Method)
	if !ok {
		return &wire.Response{
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("agent type %q has no handler for method %q", d.typ.name, req.Method),
		}
	}
	payload, contentType, err := safeInvoke(ctx, handler, d.agent, req)
	if err != nil {
		return &wire.Response{RequestID: req.RequestID, Error: err.Error()}
	}
	return &wire.Response{RequestID: req.RequestID, Payload: payload, ContentType: contentType}
}

func (d *instanceDispatcher) OnEvent(ctx context.Context, ev *wire.Event) {
	handler, ok := d.typ.eventHandler(ev.Topic)
	if !ok {
		return
	}
	if err := handler(ctx, d.agent, ev); err != nil {
		d.host.logger.Error("event handler failed",
			"agent_id", d.agent.String(),
			"topic", ev.Topic,
			"error", err,
		)
	}
}

func (d *instanceDispatcher) OnResponse(ctx context.Context, resp *wire.Response) {
	d.host.fulfill(resp)
}
