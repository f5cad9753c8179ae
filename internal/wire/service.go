// ABOUTME: Hand-written gRPC service descriptor for the loom.v1.Runtime service.
// ABOUTME: Replaces protoc output; messages travel through the CBOR codec.

package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "loom.v1.Runtime"

// Channel is the duplex frame stream between a worker process and the
// gateway. Both ends of the OpenChannel stream satisfy it.
type Channel interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

// ClientChannel is the worker-side view of a channel, which can also
// half-close the send direction.
type ClientChannel interface {
	Channel
	CloseSend() error
}

// RuntimeServer is the gateway-side service surface.
type RuntimeServer interface {
	OpenChannel(Channel) error
	RegisterAgentType(context.Context, *RegisterAgentTypeRequest) (*RegisterAgentTypeResponse, error)
	AddSubscription(context.Context, *AddSubscriptionRequest) (*AddSubscriptionResponse, error)
	RemoveSubscription(context.Context, *RemoveSubscriptionRequest) (*RemoveSubscriptionResponse, error)
	ListSubscriptions(context.Context, *ListSubscriptionsRequest) (*ListSubscriptionsResponse, error)
	GetState(context.Context, *GetStateRequest) (*GetStateResponse, error)
	SaveState(context.Context, *SaveStateRequest) (*SaveStateResponse, error)
	PublishEvent(context.Context, *PublishEventRequest) (*PublishEventResponse, error)
	InvokeRequest(context.Context, *Request) (*Response, error)
}

// RegisterRuntimeServer registers srv with the gRPC server s.
func RegisterRuntimeServer(s grpc.ServiceRegistrar, srv RuntimeServer) {
	s.RegisterService(&runtimeServiceDesc, srv)
}

// unaryMethod builds a grpc.MethodDesc for one unary RPC. It mirrors what
// protoc-gen-go-grpc emits, minus the generated types.
func unaryMethod[Req, Resp any](name string, invoke func(RuntimeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				resp, err := invoke(srv.(RuntimeServer), ctx, in)
				return resp, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := invoke(srv.(RuntimeServer), ctx, req.(*Req))
				return resp, err
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var runtimeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuntimeServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RegisterAgentType", RuntimeServer.RegisterAgentType),
		unaryMethod("AddSubscription", RuntimeServer.AddSubscription),
		unaryMethod("RemoveSubscription", RuntimeServer.RemoveSubscription),
		unaryMethod("ListSubscriptions", RuntimeServer.ListSubscriptions),
		unaryMethod("GetState", RuntimeServer.GetState),
		unaryMethod("SaveState", RuntimeServer.SaveState),
		unaryMethod("PublishEvent", RuntimeServer.PublishEvent),
		unaryMethod("InvokeRequest", RuntimeServer.InvokeRequest),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "OpenChannel",
			Handler:       openChannelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "loom/v1/runtime",
}

func openChannelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RuntimeServer).OpenChannel(&serverChannel{stream})
}

// serverChannel adapts a grpc.ServerStream to the Channel interface.
type serverChannel struct {
	s grpc.ServerStream
}

func (c *serverChannel) Send(f *Frame) error {
	return c.s.SendMsg(f)
}

func (c *serverChannel) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.s.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *serverChannel) Context() context.Context {
	return c.s.Context()
}

// clientIDHeader carries the worker's client identifier on every call.
const clientIDHeader = "loom-client-id"

// WithClientID returns a context whose outgoing metadata identifies the
// calling worker process.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, clientIDHeader, clientID)
}

// ClientIDFromContext extracts the worker client identifier from incoming
// metadata. The second return is false when the header is absent.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(clientIDHeader)
	if len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}
