// Package server hosts the gRPC side of the pipeline: the standard health service,
// driven by a periodic database probe, and server reflection.
package server

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/helixir/literature-pipeline/internal/database"
)

// ServiceName is the health-checked service name.
const ServiceName = "literaturepipeline.v1.Pipeline"

const defaultProbeInterval = 10 * time.Second

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// ProbeInterval is how often readiness is re-evaluated.
	ProbeInterval time.Duration
}

// GRPCServer serves grpc.health.v1 for orchestrators and load balancers.
type GRPCServer struct {
	cfg     GRPCConfig
	server  *grpc.Server
	health  *health.Server
	checker HealthChecker
	logger  zerolog.Logger
}

// NewGRPCServer creates the gRPC server. The service starts NOT_SERVING until the
// first probe succeeds.
func NewGRPCServer(cfg GRPCConfig, checker HealthChecker, logger zerolog.Logger) *GRPCServer {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	logger = logger.With().Str("component", "grpc").Logger()

	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxConcurrentStreams(100),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Minute,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	reflection.Register(srv)

	return &GRPCServer{
		cfg:     cfg,
		server:  srv,
		health:  hs,
		checker: checker,
		logger:  logger,
	}
}

// Serve accepts connections on lis until Shutdown is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("address", lis.Addr().String()).Msg("gRPC server starting")
	return s.server.Serve(lis)
}

// Watch probes the health checker until ctx is done.
func (s *GRPCServer) Watch(ctx context.Context) {
	s.probe(ctx)
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *GRPCServer) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeInterval)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if s.checker != nil {
		if hs := s.checker.Health(probeCtx); !hs.Healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn().Str("error", hs.Error).Msg("readiness probe failed")
		}
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Shutdown marks the service NOT_SERVING and stops the server, forcing the stop when
// ctx expires first.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info().Msg("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC server forced shutdown due to timeout")
		s.server.Stop()
	}
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("gRPC request")
		return resp, err
	}
}
