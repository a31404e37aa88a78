package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	// ErrNotServing is returned by Check when the backend reports anything
	// other than SERVING.
	ErrNotServing = errors.New("agent backend not serving")
)

// HealthProbe checks the agent backend through the standard gRPC health
// service.
type HealthProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	addr    string
	service string
	logger  *slog.Logger
}

// HealthProbeConfig holds configuration for the health probe.
type HealthProbeConfig struct {
	Address string
	// Service is the health service name; empty checks the whole server.
	Service          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultHealthProbeConfig returns default configuration.
func DefaultHealthProbeConfig() HealthProbeConfig {
	return HealthProbeConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewHealthProbe connects to the backend's gRPC endpoint and waits until the
// connection is ready so bad endpoints fail at startup.
func NewHealthProbe(cfg HealthProbeConfig, logger *slog.Logger) (*HealthProbe, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultHealthProbeConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create health client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to agent backend health endpoint", "address", cfg.Address)
	return &HealthProbe{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		service: cfg.Service,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Check asks the backend for its serving status.
func (p *HealthProbe) Check(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if st := resp.GetStatus(); st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, st)
	}
	return nil
}

// Addr returns the probed address.
func (p *HealthProbe) Addr() string {
	return p.addr
}

// Close closes the gRPC connection.
func (p *HealthProbe) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
