// ABOUTME: Represents one live duplex channel to a worker process.
// ABOUTME: Owns the outbound queue, read/write pumps, and pending-request table.

package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/loom-runtime/internal/wire"
)

// outboundQueueSize bounds the per-connection outbound queue. SendMessage
// never blocks on network I/O; it only waits for queue space.
const outboundQueueSize = 256

// ErrConnectionClosed indicates the connection has been torn down and can no
// longer accept or deliver messages.
var ErrConnectionClosed = errors.New("connection closed")

// ErrAlreadyConnected indicates Connect was called twice on one instance.
var ErrAlreadyConnected = errors.New("connection pumps already started")

// State tracks a connection's position in its lifecycle. There is no
// transition out of StateTerminated; a reconnecting worker gets a brand-new
// Connection.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateLive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateLive:
		return "live"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DispatchFunc receives each inbound frame. The read pump invokes it
// synchronously, preserving wire arrival order into downstream queues;
// implementations must hand genuinely blocking work to their own goroutine.
type DispatchFunc func(*Connection, *wire.Frame)

// Connection decouples logical sends from physical writes and physical reads
// from logical dispatch, so each direction can fail and resume independently.
type Connection struct {
	ID string

	channel  wire.Channel
	dispatch DispatchFunc
	outbound chan *wire.Frame
	logger   *slog.Logger

	state   atomic.Int32
	started atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.RWMutex
	types   map[string]struct{}
	pending map[string]chan *wire.Response
}

// NewConnection wraps one established channel stream. dispatch is called for
// every inbound frame; it must be safe for concurrent use.
func NewConnection(id string, channel wire.Channel, dispatch DispatchFunc, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:       id,
		channel:  channel,
		dispatch: dispatch,
		outbound: make(chan *wire.Frame, outboundQueueSize),
		logger:   logger.With("connection_id", id),
		closed:   make(chan struct{}),
		types:    make(map[string]struct{}),
		pending:  make(map[string]chan *wire.Response),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetState records a lifecycle transition. Terminated is sticky.
func (c *Connection) SetState(s State) {
	if c.State() == StateTerminated {
		return
	}
	c.state.Store(int32(s))
}

// Live reports whether both pumps are running and the connection has not
// been torn down.
func (c *Connection) Live() bool {
	return c.State() == StateLive
}

// Connect starts the read and write pumps and blocks until both have exited.
// The returned error is the first pump failure, or nil on a clean remote
// close. Connect may be called at most once.
func (c *Connection) Connect() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	c.SetState(StateLive)

	errs := make(chan error, 2)
	go func() { errs <- c.readPump() }()
	go func() { errs <- c.writePump() }()

	// First pump exit tears the connection down so the second unblocks.
	first := <-errs
	c.Close()
	second := <-errs

	c.logger.Debug("connection pumps exited", "state", c.State().String())
	if first != nil {
		return first
	}
	return second
}

// Close marks the connection terminated, wakes both pumps, and fails every
// pending request. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.SetState(StateTerminated)
		close(c.closed)

		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
	})
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// SendMessage enqueues a frame for the write pump. It returns immediately
// once the queue accepts the frame and never performs network I/O. Returns
// ErrConnectionClosed after teardown rather than dropping silently.
func (c *Connection) SendMessage(f *wire.Frame) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// readPump reads inbound frames until the stream ends. Frames are dispatched
// synchronously, one at a time: two frames for the same agent must reach its
// mailbox in wire order, and dispatch only enqueues, so the pump never waits
// on message processing.
func (c *Connection) readPump() error {
	for {
		f, err := c.channel.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		c.dispatch(c, f)
	}
}

// writePump drains the outbound queue in FIFO order. FIFO is the only
// ordering guarantee for a single connection's outbound traffic.
func (c *Connection) writePump() error {
	for {
		select {
		case f := <-c.outbound:
			if err := c.channel.Send(f); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-c.closed:
			return nil
		}
	}
}

// AddType records that this worker can host the given agent type.
func (c *Connection) AddType(agentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[agentType] = struct{}{}
}

// Supports reports whether the worker registered the given agent type.
func (c *Connection) Supports(agentType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[agentType]
	return ok
}

// SupportedTypes returns the agent types registered on this connection.
func (c *Connection) SupportedTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	return out
}

// CreateRequest registers a pending request and returns its single-delivery
// channel. The channel is closed without a value if the request is cancelled
// (CloseRequest) or the connection is torn down.
func (c *Connection) CreateRequest(requestID string) <-chan *wire.Response {
	ch := make(chan *wire.Response, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		close(ch)
	default:
		c.pending[requestID] = ch
	}
	return ch
}

// CloseRequest abandons a pending request, e.g. after a timeout. Safe to call
// after the request was already fulfilled.
func (c *Connection) CloseRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.pending[requestID]; ok {
		delete(c.pending, requestID)
		close(ch)
	}
}

// HandleResponse fulfills the pending request matching resp.RequestID,
// removing it from the table. A response with no matching entry indicates a
// correlation bug upstream and is logged loudly, never delivered.
func (c *Connection) HandleResponse(resp *wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Error("response for unknown request id",
			"request_id", resp.RequestID,
		)
		return
	}
	ch <- resp
	close(ch)
}

// PendingCount returns the number of outstanding requests on this connection.
func (c *Connection) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}
