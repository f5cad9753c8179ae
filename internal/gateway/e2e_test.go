// ABOUTME: End-to-end tests over a real gRPC server on bufconn: a host
// ABOUTME: process attaches, serves requests, and reads state through RPCs.

package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/loom-runtime/internal/config"
	"github.com/2389/loom-runtime/internal/host"
	"github.com/2389/loom-runtime/internal/store"
	"github.com/2389/loom-runtime/internal/wire"
)

// startBufconnGateway serves the gateway's gRPC server on an in-memory
// listener and returns a connected client conn.
func startBufconnGateway(t *testing.T) (*Gateway, *grpc.ClientConn) {
	t.Helper()
	cfg := config.Default()
	g := newGateway(cfg, store.NewMemoryStore(), nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = g.grpcServer.Serve(lis) }()
	t.Cleanup(func() {
		g.grpcServer.Stop()
		g.registry.Close()
		_ = g.store.Close()
	})

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return g, cc
}

func TestEndToEndRequestRoundTrip(t *testing.T) {
	g, cc := startBufconnGateway(t)

	h := host.New(wire.NewRuntimeClient(cc), "worker-e2e", nil)
	echo := host.NewAgentType("echo").
		HandleRequest("echo", func(_ context.Context, agent wire.AgentID, req *wire.Request) ([]byte, string, error) {
			return append([]byte(agent.Key+": "), req.Payload...), "text/plain", nil
		})
	require.NoError(t, h.Register(echo))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	})

	waitFor(t, func() bool {
		return g.registry.WorkerCount() == 1 && len(g.registry.ConnectionsForType("echo")) == 1
	}, "worker attached over gRPC")

	t.Run("gateway invoke reaches handler", func(t *testing.T) {
		resp, err := g.InvokeRequest(context.Background(), &wire.Request{
			RequestID: "e2e-1",
			Target:    wire.AgentID{Type: "echo", Key: "conv-1"},
			Method:    "echo",
			Payload:   []byte("ping"),
		})
		require.NoError(t, err)
		assert.Equal(t, "e2e-1", resp.RequestID)
		assert.Equal(t, "conv-1: ping", string(resp.Payload))
		assert.Empty(t, resp.Error)
	})

	t.Run("external caller via unary rpc", func(t *testing.T) {
		client := wire.NewRuntimeClient(cc)
		callCtx := wire.WithClientID(context.Background(), "external-caller")
		resp, err := client.InvokeRequest(callCtx, &wire.Request{
			RequestID: "ext-1",
			Target:    wire.AgentID{Type: "echo", Key: "conv-2"},
			Method:    "echo",
			Payload:   []byte("hello"),
		})
		require.NoError(t, err)
		assert.Equal(t, "ext-1", resp.RequestID)
		assert.Equal(t, "conv-2: hello", string(resp.Payload))
	})

	t.Run("state rpcs against gateway store", func(t *testing.T) {
		ctx := context.Background()
		agent := wire.AgentID{Type: "echo", Key: "conv-1"}

		etag, err := h.SaveState(ctx, agent, []byte("remembered"), "")
		require.NoError(t, err)
		require.NotEmpty(t, etag)

		data, gotETag, err := h.GetState(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, "remembered", string(data))
		assert.Equal(t, etag, gotETag)

		_, err = h.SaveState(ctx, agent, []byte("clobber"), "stale")
		assert.ErrorIs(t, err, store.ErrETagMismatch)
	})

	t.Run("event published by host reaches subscriber", func(t *testing.T) {
		_, err := g.registry.Subscribe("echo", "e2e.topic", "")
		require.NoError(t, err)

		require.NoError(t, h.PublishEvent(context.Background(), &wire.Event{
			Topic: "e2e.topic",
			Key:   "conv-1",
		}))
		// Delivery loops back to the only subscriber, this same host; the
		// type has no event handler, so arrival is observable only as
		// routed frames.
		waitFor(t, func() bool {
			return testutil.ToFloat64(g.recorder.EventsDispatched) >= 1
		}, "event dispatched")
	})
}

func TestEndToEndDuplicateClientRejected(t *testing.T) {
	g, cc := startBufconnGateway(t)

	h1 := host.New(wire.NewRuntimeClient(cc), "same-id", nil)
	require.NoError(t, h1.Register(host.NewAgentType("echo")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done1 := make(chan error, 1)
	go func() { done1 <- h1.Run(ctx) }()
	waitFor(t, func() bool { return g.registry.WorkerCount() == 1 }, "first worker attached")

	// Second channel under the same client id is refused by the gateway;
	// its Run ends in error while the first keeps serving.
	h2 := host.New(wire.NewRuntimeClient(cc), "same-id", nil)
	require.NoError(t, h2.Register(host.NewAgentType("echo")))
	err := h2.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, g.registry.WorkerCount())
}
