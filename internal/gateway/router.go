// ABOUTME: Frame classification and routing between connections and registry.
// ABOUTME: RPC proxying with fresh correlation ids, timeouts, event fan-out.

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-runtime/internal/wire"
	"github.com/2389/loom-runtime/internal/worker"
)

// OnReceivedMessage classifies an inbound frame from a worker connection and
// routes it. Invoked synchronously from the connection's read pump, so every
// branch must only enqueue; the request branch awaits a downstream RPC and
// gets its own goroutine.
func (g *Gateway) OnReceivedMessage(conn *worker.Connection, f *wire.Frame) {
	g.registry.Touch(conn.ID)
	g.recorder.FramesRouted.WithLabelValues(f.Kind()).Inc()

	switch {
	case f.Request != nil:
		go g.dispatchRequest(conn, f.Request)
	case f.Response != nil:
		// The pending entry lives on the connection the request was
		// forwarded to, which is the one this response arrived on.
		conn.HandleResponse(f.Response)
	case f.Event != nil:
		g.DispatchEvent(f.Event)
	case f.Hello != nil:
		g.logger.Debug("ignoring hello frame from worker", "client_id", conn.ID)
	default:
		g.logger.Warn("dropping frame with no routable payload", "client_id", conn.ID)
	}
}

// dispatchRequest proxies a worker-originated request to its target and
// sends the outcome back on the originating connection, under the caller's
// original request id. Runs on its own goroutine since it blocks for up to
// the RPC timeout.
func (g *Gateway) dispatchRequest(origin *worker.Connection, req *wire.Request) {
	resp, err := g.InvokeRequest(context.Background(), req)
	if err != nil {
		resp = &wire.Response{
			RequestID: req.RequestID,
			Error:     err.Error(),
		}
	}
	if err := origin.SendMessage(&wire.Frame{Response: resp}); err != nil {
		g.logger.Warn("failed to deliver response to origin",
			"client_id", origin.ID,
			"request_id", req.RequestID,
			"error", err,
		)
	}
}

// InvokeRequest resolves the target agent instance via the placement
// directory, forwards the request under a fresh correlation id, and awaits
// the response within the configured timeout. On success the caller's
// original RequestID is restored, so correlation is transparent to it.
func (g *Gateway) InvokeRequest(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	conn, isNew, err := g.registry.GetOrPlaceAgent(req.Target)
	if err != nil {
		return nil, fmt.Errorf("placing agent %s: %w", req.Target, err)
	}
	if isNew {
		g.recorder.Placements.Inc()
	}

	// A fresh correlation id prevents cross-talk if the caller's request id
	// collides across hops.
	corrID := uuid.New().String()
	respCh := conn.CreateRequest(corrID)
	defer conn.CloseRequest(corrID)

	fwd := *req
	fwd.RequestID = corrID
	if err := conn.SendMessage(&wire.Frame{Request: &fwd}); err != nil {
		return nil, fmt.Errorf("forwarding request to %s: %w", conn.ID, err)
	}

	timer := time.NewTimer(g.rpcTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("awaiting response from %s: %w", conn.ID, worker.ErrConnectionClosed)
		}
		out := *resp
		out.RequestID = req.RequestID
		return &out, nil
	case <-timer.C:
		g.recorder.RPCTimeouts.Inc()
		return nil, fmt.Errorf("request %s to %s: %w", req.RequestID, req.Target, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DispatchEvent fans an event out to the agent types subscribed to its
// (topic, key). Delivery is per matching type, not per replica: exactly one
// connection per type receives it, unless broadcast mode is configured.
// Undeliverable types are logged and skipped; event delivery is
// at-least-once, not transactional.
func (g *Gateway) DispatchEvent(ev *wire.Event) {
	types := g.registry.SubscribedAgentTypes(ev.Topic, ev.Key)
	if len(types) == 0 {
		g.logger.Debug("event matched no subscriptions", "topic", ev.Topic, "key", ev.Key)
		return
	}

	frame := &wire.Frame{Event: ev}
	for _, agentType := range types {
		if g.broadcastEvents {
			for _, conn := range g.registry.ConnectionsForType(agentType) {
				g.sendEvent(conn, agentType, frame)
			}
			continue
		}
		conn, ok := g.registry.PickConnectionForType(agentType)
		if !ok {
			g.logger.Warn("no connection supports subscribed type",
				"agent_type", agentType,
				"topic", ev.Topic,
			)
			continue
		}
		g.sendEvent(conn, agentType, frame)
	}
}

func (g *Gateway) sendEvent(conn *worker.Connection, agentType string, frame *wire.Frame) {
	if err := conn.SendMessage(frame); err != nil {
		g.logger.Warn("failed to deliver event",
			"client_id", conn.ID,
			"agent_type", agentType,
			"error", err,
		)
		return
	}
	g.recorder.EventsDispatched.Inc()
}
