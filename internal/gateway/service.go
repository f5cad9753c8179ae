// ABOUTME: loom.v1.Runtime gRPC service implementation.
// ABOUTME: Channel handshake, registration RPCs, state RPCs, event injection.

package gateway

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/loom-runtime/internal/registry"
	"github.com/2389/loom-runtime/internal/store"
	"github.com/2389/loom-runtime/internal/wire"
	"github.com/2389/loom-runtime/internal/worker"
)

// runtimeService adapts Gateway to the wire.RuntimeServer interface and maps
// internal errors onto gRPC status codes.
type runtimeService struct {
	gateway *Gateway
}

// OpenChannel handles the duplex stream with one worker process.
// Protocol flow:
//  1. Worker identifies itself via client-id metadata on the stream
//  2. Gateway replays any registrations that arrived before the channel
//  3. Gateway sends a Hello frame
//  4. Frames flow until either side closes; teardown cascades cleanup
func (s *runtimeService) OpenChannel(ch wire.Channel) error {
	clientID, ok := wire.ClientIDFromContext(ch.Context())
	if !ok {
		return status.Error(codes.InvalidArgument, "client-id metadata is required")
	}

	conn, err := s.gateway.attachWorker(clientID, ch)
	if err != nil {
		if errors.Is(err, ErrDuplicateClient) {
			return status.Errorf(codes.AlreadyExists, "client %s already connected", clientID)
		}
		return status.Errorf(codes.Internal, "attaching worker: %v", err)
	}
	defer s.gateway.detachWorker(conn)

	if err := conn.SendMessage(&wire.Frame{Hello: &wire.Hello{
		ServerID: s.gateway.serverID,
		ClientID: clientID,
	}}); err != nil {
		return status.Errorf(codes.Internal, "sending hello: %v", err)
	}

	// Blocks until both pumps have exited.
	if err := conn.Connect(); err != nil {
		s.gateway.logger.Warn("worker channel ended with error",
			"client_id", clientID,
			"error", err,
		)
	}
	return nil
}

func (s *runtimeService) RegisterAgentType(ctx context.Context, req *wire.RegisterAgentTypeRequest) (*wire.RegisterAgentTypeResponse, error) {
	clientID, ok := wire.ClientIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "client-id metadata is required")
	}
	if req.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "agent type is required")
	}
	s.gateway.registerAgentType(clientID, req.Type)
	return &wire.RegisterAgentTypeResponse{}, nil
}

func (s *runtimeService) AddSubscription(ctx context.Context, req *wire.AddSubscriptionRequest) (*wire.AddSubscriptionResponse, error) {
	id, err := s.gateway.registry.Subscribe(req.AgentType, req.Topic, req.TopicPrefix)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &wire.AddSubscriptionResponse{ID: id}, nil
}

func (s *runtimeService) RemoveSubscription(ctx context.Context, req *wire.RemoveSubscriptionRequest) (*wire.RemoveSubscriptionResponse, error) {
	if err := s.gateway.registry.Unsubscribe(req.ID); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &wire.RemoveSubscriptionResponse{}, nil
}

func (s *runtimeService) ListSubscriptions(ctx context.Context, req *wire.ListSubscriptionsRequest) (*wire.ListSubscriptionsResponse, error) {
	return &wire.ListSubscriptionsResponse{
		Subscriptions: s.gateway.registry.Subscriptions(),
	}, nil
}

func (s *runtimeService) GetState(ctx context.Context, req *wire.GetStateRequest) (*wire.GetStateResponse, error) {
	st, err := s.gateway.store.Read(ctx, req.AgentID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading state: %v", err)
	}
	return &wire.GetStateResponse{Data: st.Data, ETag: st.ETag}, nil
}

func (s *runtimeService) SaveState(ctx context.Context, req *wire.SaveStateRequest) (*wire.SaveStateResponse, error) {
	etag, err := s.gateway.store.Write(ctx, req.AgentID, req.Data, req.ETag)
	if err != nil {
		if errors.Is(err, store.ErrETagMismatch) {
			return nil, status.Error(codes.Aborted, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "writing state: %v", err)
	}
	return &wire.SaveStateResponse{ETag: etag}, nil
}

func (s *runtimeService) PublishEvent(ctx context.Context, req *wire.PublishEventRequest) (*wire.PublishEventResponse, error) {
	if req.Event == nil || req.Event.Topic == "" {
		return nil, status.Error(codes.InvalidArgument, "event with topic is required")
	}
	s.gateway.DispatchEvent(req.Event)
	return &wire.PublishEventResponse{}, nil
}

func (s *runtimeService) InvokeRequest(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	resp, err := s.gateway.InvokeRequest(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAgentNotFound):
			return nil, status.Errorf(codes.NotFound, "agent %s: %v", req.Target, err)
		case errors.Is(err, ErrRequestTimeout):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		default:
			return nil, status.Errorf(codes.Internal, "invoking request: %v", err)
		}
	}
	return resp, nil
}

// attachWorker creates the Connection for a freshly opened channel, flushes
// dangling registrations queued for this client id, and adds the worker to
// the registry.
func (g *Gateway) attachWorker(clientID string, ch wire.Channel) (*worker.Connection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.connections[clientID]; exists {
		return nil, ErrDuplicateClient
	}

	conn := worker.NewConnection(clientID, ch, g.OnReceivedMessage, g.logger)
	g.connections[clientID] = conn
	g.registry.AddWorker(conn)

	// Registration RPCs can outrun channel establishment; replay them now.
	if queued := g.dangling[clientID]; len(queued) > 0 {
		delete(g.dangling, clientID)
		for _, agentType := range queued {
			conn.AddType(agentType)
			g.registry.RegisterAgentType(agentType, conn)
		}
		g.logger.Info("flushed dangling registrations",
			"client_id", clientID,
			"count", len(queued),
		)
	}
	conn.SetState(worker.StateRegistered)
	g.recorder.ConnectedWorkers.Inc()
	return conn, nil
}

// detachWorker cascades teardown: the connection vanishes from the registry's
// type lists and placement directory, so the next request for an instance it
// hosted triggers fresh placement with state reloaded from the store.
func (g *Gateway) detachWorker(conn *worker.Connection) {
	conn.Close()
	g.registry.RemoveWorker(conn.ID)

	g.mu.Lock()
	delete(g.connections, conn.ID)
	g.mu.Unlock()

	g.recorder.ConnectedWorkers.Dec()
	g.logger.Info("worker detached", "client_id", conn.ID)
}

// maxDanglingRegistrations caps how many pre-channel registrations one client
// id may queue, so a client that registers but never opens a channel cannot
// grow the queue without bound.
const maxDanglingRegistrations = 64

// registerAgentType records a type registration, deferring it if the channel
// for this client id is not established yet.
func (g *Gateway) registerAgentType(clientID, agentType string) {
	g.mu.Lock()
	conn, ok := g.connections[clientID]
	if !ok {
		if len(g.dangling[clientID]) >= maxDanglingRegistrations {
			g.mu.Unlock()
			g.logger.Warn("dropping registration, dangling queue full",
				"client_id", clientID,
				"agent_type", agentType,
			)
			return
		}
		g.dangling[clientID] = append(g.dangling[clientID], agentType)
		g.mu.Unlock()
		g.logger.Debug("queued registration for unestablished channel",
			"client_id", clientID,
			"agent_type", agentType,
		)
		return
	}
	g.mu.Unlock()

	conn.AddType(agentType)
	// The registry refuses the registration if the worker raced a detach
	// between the lookup above and this call; the conn is already dead then
	// and the cascade has cleaned up.
	if g.registry.RegisterAgentType(agentType, conn) {
		g.registry.Touch(clientID)
	}
}
