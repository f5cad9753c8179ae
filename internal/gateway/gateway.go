// ABOUTME: Gateway orchestrator that owns the gRPC and HTTP servers.
// ABOUTME: Wires registry, state store, and metrics; manages lifecycle.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/loom-runtime/internal/config"
	"github.com/2389/loom-runtime/internal/metrics"
	"github.com/2389/loom-runtime/internal/registry"
	"github.com/2389/loom-runtime/internal/store"
	"github.com/2389/loom-runtime/internal/wire"
	"github.com/2389/loom-runtime/internal/worker"
)

// ErrDuplicateClient indicates a worker opened a channel with a client id
// that already has a live connection.
var ErrDuplicateClient = errors.New("client id already connected")

// ErrRequestTimeout indicates an RPC invocation exceeded the request timeout.
var ErrRequestTimeout = errors.New("request timed out")

// ErrMissingClientID indicates a call arrived without client identification.
var ErrMissingClientID = errors.New("missing client id metadata")

// Gateway is the front door worker processes dial into. It accepts channel
// streams, registers agent types with the registry, and routes requests,
// responses, and events between connections.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	store    store.StateStore
	recorder *metrics.Recorder

	grpcServer *grpc.Server
	httpServer *http.Server

	serverID        string
	rpcTimeout      time.Duration
	broadcastEvents bool

	mu          sync.Mutex
	connections map[string]*worker.Connection
	dangling    map[string][]string // client id -> agent types registered pre-channel
}

// New creates a Gateway from configuration, opening the state store and
// assembling both servers.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return newGateway(cfg, st, logger), nil
}

// newGateway wires a Gateway around an existing store. Tests use it with a
// MemoryStore.
func newGateway(cfg *config.Config, st store.StateStore, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:             cfg,
		logger:          logger.With("component", "gateway"),
		registry:        registry.New(logger, cfg.Runtime.WorkerTimeout),
		store:           st,
		recorder:        metrics.NewRecorder(),
		serverID:        generateServerID(),
		rpcTimeout:      cfg.Runtime.RPCTimeout,
		broadcastEvents: cfg.Runtime.BroadcastEvents,
		connections:     make(map[string]*worker.Connection),
		dangling:        make(map[string][]string),
	}

	g.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	wire.RegisterRuntimeServer(g.grpcServer, &runtimeService{gateway: g})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, g.recorder.Handler())
		g.logger.Info("metrics endpoint enabled", "path", path)
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

// Run starts the servers and the registry purge sweep, blocking until the
// context is cancelled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, err := net.Listen("tcp", g.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on gRPC address: %w", err)
	}
	httpLn, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.registry.StartPurge(g.cfg.Runtime.PurgeInterval)
	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServers starts the gRPC and HTTP servers in goroutines.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Shutdown gracefully stops both servers, the purge sweep, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}

	g.registry.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one worker is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.WorkerCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", n)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "loom-gateway-" + uuid.New().String()
}
