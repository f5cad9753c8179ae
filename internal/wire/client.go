// ABOUTME: Worker-side client for the loom.v1.Runtime service.
// ABOUTME: Thin wrappers over grpc.ClientConn.Invoke and NewStream.

package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RuntimeClient invokes the Runtime service on a gateway.
type RuntimeClient struct {
	cc *grpc.ClientConn
}

// NewRuntimeClient wraps an established client connection.
func NewRuntimeClient(cc *grpc.ClientConn) *RuntimeClient {
	return &RuntimeClient{cc: cc}
}

// Dial creates a client connection to the gateway at addr with the CBOR
// codec installed. The caller owns the returned connection.
func Dial(addr string) (*grpc.ClientConn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s: %w", addr, err)
	}
	return cc, nil
}

func invoke[Req, Resp any](ctx context.Context, cc *grpc.ClientConn, method string, in *Req) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RuntimeClient) RegisterAgentType(ctx context.Context, in *RegisterAgentTypeRequest) (*RegisterAgentTypeResponse, error) {
	return invoke[RegisterAgentTypeRequest, RegisterAgentTypeResponse](ctx, c.cc, "RegisterAgentType", in)
}

func (c *RuntimeClient) AddSubscription(ctx context.Context, in *AddSubscriptionRequest) (*AddSubscriptionResponse, error) {
	return invoke[AddSubscriptionRequest, AddSubscriptionResponse](ctx, c.cc, "AddSubscription", in)
}

func (c *RuntimeClient) RemoveSubscription(ctx context.Context, in *RemoveSubscriptionRequest) (*RemoveSubscriptionResponse, error) {
	return invoke[RemoveSubscriptionRequest, RemoveSubscriptionResponse](ctx, c.cc, "RemoveSubscription", in)
}

func (c *RuntimeClient) ListSubscriptions(ctx context.Context, in *ListSubscriptionsRequest) (*ListSubscriptionsResponse, error) {
	return invoke[ListSubscriptionsRequest, ListSubscriptionsResponse](ctx, c.cc, "ListSubscriptions", in)
}

func (c *RuntimeClient) GetState(ctx context.Context, in *GetStateRequest) (*GetStateResponse, error) {
	return invoke[GetStateRequest, GetStateResponse](ctx, c.cc, "GetState", in)
}

func (c *RuntimeClient) SaveState(ctx context.Context, in *SaveStateRequest) (*SaveStateResponse, error) {
	return invoke[SaveStateRequest, SaveStateResponse](ctx, c.cc, "SaveState", in)
}

func (c *RuntimeClient) PublishEvent(ctx context.Context, in *PublishEventRequest) (*PublishEventResponse, error) {
	return invoke[PublishEventRequest, PublishEventResponse](ctx, c.cc, "PublishEvent", in)
}

func (c *RuntimeClient) InvokeRequest(ctx context.Context, in *Request) (*Response, error) {
	return invoke[Request, Response](ctx, c.cc, "InvokeRequest", in)
}

// OpenChannel opens the duplex frame stream. The context must carry the
// worker's client identifier (see WithClientID); the stream lives until the
// context is cancelled or either side closes.
func (c *RuntimeClient) OpenChannel(ctx context.Context) (ClientChannel, error) {
	s, err := c.cc.NewStream(ctx, &runtimeServiceDesc.Streams[0], "/"+ServiceName+"/OpenChannel")
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return &clientChannel{s}, nil
}

// clientChannel adapts a grpc.ClientStream to the ClientChannel interface.
type clientChannel struct {
	grpc.ClientStream
}

func (c *clientChannel) Send(f *Frame) error {
	return c.SendMsg(f)
}

func (c *clientChannel) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
