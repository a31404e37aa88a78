// turnstream - session-scoped streaming reconstruction server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/turnstream/internal/agent"
	"github.com/ashureev/turnstream/internal/api"
	"github.com/ashureev/turnstream/internal/config"
	"github.com/ashureev/turnstream/internal/convlog"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/ashureev/turnstream/internal/middleware"
	"github.com/ashureev/turnstream/internal/relay"
	"github.com/ashureev/turnstream/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// agentHealthService is the gRPC health service name mirroring the backend.
const agentHealthService = "turnstream.agent"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	clientCfg := agent.DefaultClientConfig()
	clientCfg.BaseURL = cfg.Agent.BaseURL
	clientCfg.RequestTimeout = cfg.Agent.RequestTimeout
	backend, err := agent.NewClient(clientCfg, logger)
	if err != nil {
		slog.Error("Failed to initialize agent client", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		Backend:             backend,
		History:             store.FallbackHistory{Primary: backend, Secondary: repo, Logger: logger},
		Diagnostics:         cfg.Engine.DiagnosticsEnabled,
		PlanSettleDelay:     cfg.Engine.PlanSettleDelay,
		DefaultAllowedTools: cfg.Engine.DefaultAllowedTools,
		OnFirstMessage: func(sessionID, userMessage string) {
			slog.Info("First message in session", "session_id", sessionID, "message_length", len(userMessage))
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// Bus subscribers.
	persister := store.NewPersister(repo, store.PersisterConfig{}, logger)
	defer eng.Subscribe(persister.Listen)()

	conversationLogger, err := convlog.NewConversationLogger(convlog.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer eng.Subscribe(convlog.NewRecorder(conversationLogger).Listen)()

	var turnRelay *relay.Relay
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				slog.Warn("Failed to close redis client", "error", closeErr)
			}
		}()
		turnRelay = relay.New(rdb, relay.Config{Prefix: cfg.Redis.ChannelPrefix}, logger)
		defer eng.Subscribe(turnRelay.Listen)()
		slog.Info("Turn relay enabled", "redis_addr", cfg.Redis.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// gRPC health service, optionally mirroring the agent backend.
	healthServer := health.NewServer()
	var grpcServer *grpc.Server
	if cfg.GRPCPort != "" {
		grpcServer, err = startGRPCHealth(":"+cfg.GRPCPort, healthServer)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Agent.GRPCAddr != "" {
		probeCfg := agent.DefaultHealthProbeConfig()
		probeCfg.Address = cfg.Agent.GRPCAddr
		probe, err := agent.NewHealthProbe(probeCfg, logger)
		if err != nil {
			slog.Warn("Agent health probe unavailable", "error", err, "address", cfg.Agent.GRPCAddr)
			healthServer.SetServingStatus(agentHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		} else {
			defer probe.Close()
			go watchAgentHealth(ctx, probe, healthServer, 15*time.Second)
		}
	}

	if cfg.TranscriptTTL > 0 {
		store.StartTTLWorker(ctx, repo, cfg.TranscriptTTL, 0, func(sessionID string) {
			if !eng.Streaming(sessionID) {
				eng.Remove(sessionID)
			}
		}, logger)
	}

	// Initialize handlers.
	sessionHandler := api.NewHandler(eng, api.Options{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		RetryDelay:         cfg.SSE.RetryDelay,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		SendsPerMinute:     cfg.RateLimit.SendsPerMinute,
		SendBurst:          cfg.RateLimit.Burst,
		AllowedOrigins:     cfg.AllowedOrigins(),
		Dev:                cfg.IsDevelopment(),
	}, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	sessionHandler.RegisterRoutes(r)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		slog.Warn("Turns still running at shutdown", "error", err)
	}
	if err := persister.Close(shutdownCtx); err != nil {
		slog.Warn("Persister did not drain", "error", err)
	}
	if turnRelay != nil {
		if err := turnRelay.Close(shutdownCtx); err != nil {
			slog.Warn("Relay did not drain", "error", err)
		}
	}
	if err := conversationLogger.Close(); err != nil {
		slog.Warn("Failed to close conversation logger", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	slog.Info("Server stopped successfully")
}

func startGRPCHealth(addr string, hs *health.Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return gs, nil
}

// watchAgentHealth mirrors the agent backend's health into hs until ctx ends.
func watchAgentHealth(ctx context.Context, probe *agent.HealthProbe, hs *health.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := probe.Check(checkCtx); err != nil {
			slog.Warn("Agent backend unhealthy", "error", err, "address", probe.Addr())
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		cancel()
		hs.SetServingStatus(agentHealthService, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
