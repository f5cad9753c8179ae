// ABOUTME: Per-agent single-consumer queue serializing delivery of inbound
// ABOUTME: messages into agent handler code, in strict arrival order.

package mailbox

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/loom-runtime/internal/wire"
)

// ErrMailboxClosed indicates the mailbox no longer accepts messages.
var ErrMailboxClosed = errors.New("mailbox closed")

// Dispatcher receives dequeued messages, one at a time, on the pump
// goroutine. OnRequest returns the response to send back, or nil to send
// nothing; handler failures must be captured into the response rather than
// propagated, since events and responses have no reply path.
type Dispatcher interface {
	OnEvent(ctx context.Context, ev *wire.Event)
	OnRequest(ctx context.Context, req *wire.Request) *wire.Response
	OnResponse(ctx context.Context, resp *wire.Response)
}

// SendFunc forwards a frame back through the owning runtime context,
// typically the connection's outbound queue.
type SendFunc func(*wire.Frame) error

// Mailbox gives one logical agent instance exclusive, ordered access to its
// handler logic. Messages may arrive concurrently from any goroutine; the
// single pump dispatches them FIFO. There is no ordering relationship across
// different mailboxes.
type Mailbox struct {
	agent  wire.AgentID
	disp   Dispatcher
	send   SendFunc
	logger *slog.Logger

	mu     sync.Mutex
	queue  *list.List
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates a mailbox for agent and starts its pump goroutine. The pump
// runs until Close; ctx is passed through to handlers.
func New(ctx context.Context, agent wire.AgentID, disp Dispatcher, send SendFunc, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailbox{
		agent:  agent,
		disp:   disp,
		send:   send,
		logger: logger.With("agent_id", agent.String()),
		queue:  list.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.pump(ctx)
	return m
}

// Agent returns the agent instance this mailbox serves.
func (m *Mailbox) Agent() wire.AgentID {
	return m.agent
}

// ReceiveMessage enqueues a frame without blocking. The queue is unbounded;
// backpressure is the pump's problem, never the caller's.
func (m *Mailbox) ReceiveMessage(f *wire.Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue.PushBack(f)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting messages. The pump drains what was already queued,
// then exits; Done is closed afterwards.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the pump has drained and exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// pump dequeues strictly in arrival order. A failure processing one message
// is isolated and logged; the loop always continues to the next.
func (m *Mailbox) pump(ctx context.Context) {
	defer close(m.done)
	for {
		m.mu.Lock()
		el := m.queue.Front()
		if el != nil {
			m.queue.Remove(el)
		}
		closed := m.closed
		m.mu.Unlock()

		if el != nil {
			m.dispatch(ctx, el.Value.(*wire.Frame))
			continue
		}
		if closed {
			return
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mailbox) dispatch(ctx context.Context, f *wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic processing message",
				"kind", f.Kind(),
				"panic", fmt.Sprint(r),
			)
		}
	}()

	switch {
	case f.Request != nil:
		resp := m.disp.OnRequest(ctx, f.Request)
		if resp == nil {
			return
		}
		if err := m.send(&wire.Frame{Response: resp}); err != nil {
			m.logger.Error("sending response",
				"request_id", f.Request.RequestID,
				"error", err,
			)
		}
	case f.Response != nil:
		m.disp.OnResponse(ctx, f.Response)
	case f.Event != nil:
		m.disp.OnEvent(ctx, f.Event)
	default:
		m.logger.Warn("dropping frame with no routable payload", "kind", f.Kind())
	}
}

// Len returns the number of queued, not-yet-dispatched messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}
