// ABOUTME: Tests for gateway routing: RPC proxying with correlation ids,
// ABOUTME: timeout cleanup, event fan-out, and registration replay.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/loom-runtime/internal/config"
	"github.com/2389/loom-runtime/internal/registry"
	"github.com/2389/loom-runtime/internal/store"
	"github.com/2389/loom-runtime/internal/wire"
	"github.com/2389/loom-runtime/internal/worker"
)

// workerChannel is an in-memory wire.Channel standing in for a worker
// process. behavior, if set, runs for every frame the gateway writes and may
// push reply frames into the inbound stream.
type workerChannel struct {
	inbound  chan *wire.Frame
	behavior func(*workerChannel, *wire.Frame)

	mu       sync.Mutex
	received []*wire.Frame
}

func newWorkerChannel(behavior func(*workerChannel, *wire.Frame)) *workerChannel {
	return &workerChannel{
		inbound:  make(chan *wire.Frame, 16),
		behavior: behavior,
	}
}

func (w *workerChannel) Send(f *wire.Frame) error {
	w.mu.Lock()
	w.received = append(w.received, f)
	w.mu.Unlock()
	if w.behavior != nil {
		w.behavior(w, f)
	}
	return nil
}

func (w *workerChannel) Recv() (*wire.Frame, error) {
	f, ok := <-w.inbound
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

func (w *workerChannel) Context() context.Context {
	return context.Background()
}

func (w *workerChannel) receivedFrames() []*wire.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*wire.Frame, len(w.received))
	copy(out, w.received)
	return out
}

// echoBehavior answers every request with a response carrying the same
// correlation id and the request payload.
func echoBehavior(w *workerChannel, f *wire.Frame) {
	if f.Request == nil {
		return
	}
	w.inbound <- &wire.Frame{Response: &wire.Response{
		RequestID:   f.Request.RequestID,
		Payload:     f.Request.Payload,
		ContentType: f.Request.ContentType,
	}}
}

func testGateway(t *testing.T, rpcTimeout time.Duration) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.RPCTimeout = rpcTimeout
	g := newGateway(cfg, store.NewMemoryStore(), nil)
	t.Cleanup(func() {
		g.registry.Close()
		_ = g.store.Close()
	})
	return g
}

// attach wires a worker channel into the gateway and starts its pumps, the
// way OpenChannel does.
func attach(t *testing.T, g *Gateway, clientID string, ch *workerChannel, agentTypes ...string) *worker.Connection {
	t.Helper()
	conn, err := g.attachWorker(clientID, ch)
	if err != nil {
		t.Fatalf("attaching %s: %v", clientID, err)
	}
	for _, typ := range agentTypes {
		g.registerAgentType(clientID, typ)
	}
	go func() { _ = conn.Connect() }()
	t.Cleanup(func() { g.detachWorker(conn) })
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestInvokeRequestRoundTrip(t *testing.T) {
	g := testGateway(t, 2*time.Second)
	ch := newWorkerChannel(echoBehavior)
	conn := attach(t, g, "w1", ch, "writer")

	req := &wire.Request{
		RequestID:   "caller-original-id",
		Target:      wire.AgentID{Type: "writer", Key: "conv-1"},
		Method:      "write",
		Payload:     []byte("hello"),
		ContentType: "text/plain",
	}
	resp, err := g.InvokeRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The caller sees its own request id, not the correlation id.
	if resp.RequestID != "caller-original-id" {
		t.Errorf("response id = %q, want caller's original", resp.RequestID)
	}
	if string(resp.Payload) != "hello" {
		t.Errorf("payload = %q", resp.Payload)
	}

	// The worker saw a fresh correlation id, not the caller's.
	var forwarded *wire.Request
	for _, f := range ch.receivedFrames() {
		if f.Request != nil {
			forwarded = f.Request
		}
	}
	if forwarded == nil {
		t.Fatal("worker never received the forwarded request")
	}
	if forwarded.RequestID == "caller-original-id" {
		t.Error("forwarded request must carry a fresh correlation id")
	}
	if forwarded.Method != "write" || forwarded.Target.Key != "conv-1" {
		t.Errorf("forwarded request mangled: %+v", forwarded)
	}

	if n := conn.PendingCount(); n != 0 {
		t.Errorf("pending table must be empty after completion, got %d", n)
	}
}

func TestInvokeRequestTimeout(t *testing.T) {
	g := testGateway(t, 50*time.Millisecond)
	ch := newWorkerChannel(nil) // never responds
	conn := attach(t, g, "w1", ch, "writer")

	req := &wire.Request{
		RequestID: "r1",
		Target:    wire.AgentID{Type: "writer", Key: "conv-1"},
	}
	_, err := g.InvokeRequest(context.Background(), req)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	// The abandoned entry must not leak.
	if n := conn.PendingCount(); n != 0 {
		t.Errorf("pending table leaked %d entries after timeout", n)
	}
}

func TestInvokeRequestLateResponseDropped(t *testing.T) {
	g := testGateway(t, 50*time.Millisecond)
	corrIDs := make(chan string, 1)
	ch := newWorkerChannel(func(w *workerChannel, f *wire.Frame) {
		if f.Request != nil {
			corrIDs <- f.Request.RequestID
		}
	})
	conn := attach(t, g, "w1", ch, "writer")

	_, err := g.InvokeRequest(context.Background(), &wire.Request{
		RequestID: "r1",
		Target:    wire.AgentID{Type: "writer", Key: "conv-1"},
	})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// A response arriving after abandonment is logged and dropped, never
	// delivered or re-tabled.
	ch.inbound <- &wire.Frame{Response: &wire.Response{RequestID: <-corrIDs}}
	time.Sleep(50 * time.Millisecond)
	if n := conn.PendingCount(); n != 0 {
		t.Errorf("late response recreated a pending entry")
	}
}

func TestInvokeRequestNoWorker(t *testing.T) {
	g := testGateway(t, time.Second)
	_, err := g.InvokeRequest(context.Background(), &wire.Request{
		RequestID: "r1",
		Target:    wire.AgentID{Type: "ghost", Key: "k"},
	})
	if !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestInvokeRequestPlacementSticky(t *testing.T) {
	g := testGateway(t, 2*time.Second)
	ch1 := newWorkerChannel(echoBehavior)
	ch2 := newWorkerChannel(echoBehavior)
	attach(t, g, "w1", ch1, "writer")
	attach(t, g, "w2", ch2, "writer")

	target := wire.AgentID{Type: "writer", Key: "conv-1"}
	for i := 0; i < 5; i++ {
		if _, err := g.InvokeRequest(context.Background(), &wire.Request{RequestID: "r", Target: target}); err != nil {
			t.Fatal(err)
		}
	}

	requests := func(ch *workerChannel) int {
		n := 0
		for _, f := range ch.receivedFrames() {
			if f.Request != nil {
				n++
			}
		}
		return n
	}
	n1, n2 := requests(ch1), requests(ch2)
	if n1+n2 != 5 {
		t.Fatalf("expected 5 forwarded requests, got %d", n1+n2)
	}
	if n1 != 0 && n2 != 0 {
		t.Errorf("one instance split across workers: w1=%d w2=%d", n1, n2)
	}
}

func TestInvokeRequestConcurrentStickiness(t *testing.T) {
	g := testGateway(t, 5*time.Second)
	channels := make([]*workerChannel, 3)
	for i := range channels {
		channels[i] = newWorkerChannel(echoBehavior)
		attach(t, g, []string{"w0", "w1", "w2"}[i], channels[i], "writer")
	}

	// 100 concurrent requests to one instance must all land on the same
	// connection and all complete.
	target := wire.AgentID{Type: "writer", Key: "conv-1"}
	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.InvokeRequest(context.Background(), &wire.Request{RequestID: "r", Target: target})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	served := 0
	for _, ch := range channels {
		got := 0
		for _, f := range ch.receivedFrames() {
			if f.Request != nil {
				got++
			}
		}
		if got > 0 {
			served++
			if got != n {
				t.Errorf("serving worker saw %d requests, want %d", got, n)
			}
		}
	}
	if served != 1 {
		t.Errorf("instance split across %d workers", served)
	}
}

func TestDispatchRequestProxiesWorkerTraffic(t *testing.T) {
	g := testGateway(t, 2*time.Second)
	target := newWorkerChannel(echoBehavior)
	origin := newWorkerChannel(nil)
	attach(t, g, "target", target, "writer")
	originConn := attach(t, g, "origin", origin, "critic")

	// A request arriving from the origin worker's stream is proxied and the
	// outcome is sent back on the origin connection under the original id.
	g.OnReceivedMessage(originConn, &wire.Frame{Request: &wire.Request{
		RequestID: "origin-req-1",
		Target:    wire.AgentID{Type: "writer", Key: "conv-1"},
		Payload:   []byte("ping"),
	}})

	waitFor(t, func() bool {
		for _, f := range origin.receivedFrames() {
			if f.Response != nil && f.Response.RequestID == "origin-req-1" {
				return string(f.Response.Payload) == "ping"
			}
		}
		return false
	}, "proxied response on origin connection")
}

func TestDispatchEventExactlyOnePerType(t *testing.T) {
	g := testGateway(t, time.Second)
	ch1 := newWorkerChannel(nil)
	ch2 := newWorkerChannel(nil)
	chCritic := newWorkerChannel(nil)
	attach(t, g, "w1", ch1, "writer")
	attach(t, g, "w2", ch2, "writer")
	attach(t, g, "w3", chCritic, "critic")

	if _, err := g.registry.Subscribe("writer", "tasks.created", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.registry.Subscribe("critic", "", "tasks."); err != nil {
		t.Fatal(err)
	}

	g.DispatchEvent(&wire.Event{Topic: "tasks.created", Key: "conv-1"})

	events := func(ch *workerChannel) int {
		n := 0
		for _, f := range ch.receivedFrames() {
			if f.Event != nil {
				n++
			}
		}
		return n
	}
	waitFor(t, func() bool { return events(chCritic) == 1 }, "critic delivery")
	waitFor(t, func() bool { return events(ch1)+events(ch2) == 1 }, "single writer delivery")
}

func TestDispatchEventBroadcastMode(t *testing.T) {
	g := testGateway(t, time.Second)
	g.broadcastEvents = true
	ch1 := newWorkerChannel(nil)
	ch2 := newWorkerChannel(nil)
	attach(t, g, "w1", ch1, "writer")
	attach(t, g, "w2", ch2, "writer")

	if _, err := g.registry.Subscribe("writer", "tasks.created", ""); err != nil {
		t.Fatal(err)
	}
	g.DispatchEvent(&wire.Event{Topic: "tasks.created", Key: "conv-1"})

	has := func(ch *workerChannel) bool {
		for _, f := range ch.receivedFrames() {
			if f.Event != nil {
				return true
			}
		}
		return false
	}
	waitFor(t, func() bool { return has(ch1) && has(ch2) }, "broadcast to every replica")
}

func TestDispatchEventNoSubscribers(t *testing.T) {
	g := testGateway(t, time.Second)
	ch := newWorkerChannel(nil)
	attach(t, g, "w1", ch, "writer")

	// No subscription matches; a registered type alone gets nothing.
	g.DispatchEvent(&wire.Event{Topic: "tasks.created", Key: "conv-1"})
	time.Sleep(30 * time.Millisecond)
	for _, f := range ch.receivedFrames() {
		if f.Event != nil {
			t.Fatal("unsubscribed worker received event")
		}
	}
}

func TestAttachWorker(t *testing.T) {
	t.Run("duplicate client id rejected", func(t *testing.T) {
		g := testGateway(t, time.Second)
		attach(t, g, "w1", newWorkerChannel(nil))

		_, err := g.attachWorker("w1", newWorkerChannel(nil))
		if !errors.Is(err, ErrDuplicateClient) {
			t.Fatalf("expected ErrDuplicateClient, got %v", err)
		}
	})

	t.Run("dangling registrations replayed", func(t *testing.T) {
		g := testGateway(t, time.Second)

		// Registration RPCs land before the channel is up.
		g.registerAgentType("w1", "writer")
		g.registerAgentType("w1", "critic")
		if len(g.registry.ConnectionsForType("writer")) != 0 {
			t.Fatal("registration must stay dangling until the channel opens")
		}

		conn := attach(t, g, "w1", newWorkerChannel(nil))
		if !conn.Supports("writer") || !conn.Supports("critic") {
			t.Error("dangling registrations not replayed onto connection")
		}
		if len(g.registry.ConnectionsForType("writer")) != 1 {
			t.Error("dangling registrations not replayed into registry")
		}
	})

	t.Run("dangling queue is capped per client", func(t *testing.T) {
		g := testGateway(t, time.Second)

		for i := 0; i < maxDanglingRegistrations*2; i++ {
			g.registerAgentType("w1", fmt.Sprintf("type-%03d", i))
		}
		g.mu.Lock()
		queued := len(g.dangling["w1"])
		g.mu.Unlock()
		if queued != maxDanglingRegistrations {
			t.Fatalf("dangling queue = %d, want %d", queued, maxDanglingRegistrations)
		}

		// The retained head of the queue replays on attachment.
		conn := attach(t, g, "w1", newWorkerChannel(nil))
		if got := len(conn.SupportedTypes()); got != maxDanglingRegistrations {
			t.Errorf("replayed %d types, want %d", got, maxDanglingRegistrations)
		}
		if !conn.Supports("type-000") {
			t.Error("oldest queued registration lost")
		}
	})
}

func TestDetachWorkerCascades(t *testing.T) {
	g := testGateway(t, time.Second)
	conn, err := g.attachWorker("w1", newWorkerChannel(nil))
	if err != nil {
		t.Fatal(err)
	}
	g.registerAgentType("w1", "writer")
	if _, _, err := g.registry.GetOrPlaceAgent(wire.AgentID{Type: "writer", Key: "conv-1"}); err != nil {
		t.Fatal(err)
	}

	g.detachWorker(conn)

	if g.registry.WorkerCount() != 0 {
		t.Error("worker still tracked after detach")
	}
	if g.registry.PlacementCount() != 0 {
		t.Error("placements survived detach")
	}
	if conn.State() != worker.StateTerminated {
		t.Errorf("connection state = %s, want terminated", conn.State())
	}
	// A second detach of the same (or an unknown) connection is harmless.
	g.detachWorker(conn)
}

func TestGenerateServerID(t *testing.T) {
	a, b := generateServerID(), generateServerID()
	if a == b {
		t.Fatalf("consecutive server ids collide: %s", a)
	}
	if !strings.HasPrefix(a, "loom-gateway-") {
		t.Errorf("unexpected server id format: %s", a)
	}
}
