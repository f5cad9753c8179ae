// ABOUTME: Minimal echo worker for E2E testing — hosts one agent type that
// ABOUTME: echoes requests and counts events it has seen in persisted state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/2389/loom-runtime/internal/host"
	"github.com/2389/loom-runtime/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gateway gRPC address")
	clientID := flag.String("id", "e2e-echo-worker", "worker client ID")
	agentType := flag.String("type", "echo", "agent type to host")
	topic := flag.String("topic", "echo.event", "event topic to subscribe to")
	flag.Parse()

	if err := run(*addr, *clientID, *agentType, *topic); err != nil {
		log.Fatal(err)
	}
}

func run(addr, clientID, agentType, topic string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	h, err := host.Dial(addr, clientID, logger)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer h.Close()

	echo := host.NewAgentType(agentType).
		HandleRequest("echo", func(ctx context.Context, agent wire.AgentID, req *wire.Request) ([]byte, string, error) {
			logger.Info("echoing request",
				"agent_id", agent.String(),
				"request_id", req.RequestID,
			)
			return req.Payload, req.ContentType, nil
		}).
		HandleRequest("", func(ctx context.Context, agent wire.AgentID, req *wire.Request) ([]byte, string, error) {
			return nil, "", fmt.Errorf("unknown method %q", req.Method)
		}).
		HandleEvent(topic, func(ctx context.Context, agent wire.AgentID, ev *wire.Event) error {
			return countEvent(ctx, h, agent)
		}).
		Subscribe(topic)

	if err := h.Register(echo); err != nil {
		return err
	}

	logger.Info("echo worker starting", "gateway", addr, "agent_type", agentType)
	return h.Run(ctx)
}

// countEvent bumps a per-instance counter in the state store, retrying once
// on a concurrent write.
func countEvent(ctx context.Context, h *host.Host, agent wire.AgentID) error {
	for attempt := 0; attempt < 2; attempt++ {
		data, etag, err := h.GetState(ctx, agent)
		if err != nil {
			return fmt.Errorf("reading state: %w", err)
		}
		count := 0
		if len(data) > 0 {
			count, _ = strconv.Atoi(string(data))
		}
		count++
		if _, err = h.SaveState(ctx, agent, []byte(strconv.Itoa(count)), etag); err == nil {
			return nil
		}
	}
	return fmt.Errorf("state for %s kept changing underneath us", agent)
}
