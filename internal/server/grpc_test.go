package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/helixir/literature-pipeline/internal/database"
)

type switchChecker struct{ healthy atomic.Bool }

func (c *switchChecker) Health(context.Context) database.HealthStatus {
	if c.healthy.Load() {
		return database.HealthStatus{Status: "healthy"}
	}
	return database.HealthStatus{Status: "unhealthy", Error: "connection refused"}
}

func startGRPC(t *testing.T, checker HealthChecker) (*GRPCServer, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(GRPCConfig{ProbeInterval: time.Second}, checker, zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGRPCServer_HealthFollowsProbe(t *testing.T) {
	checker := &switchChecker{}
	srv, client := startGRPC(t, checker)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client))

	checker.healthy.Store(true)
	srv.probe(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client))

	checker.healthy.Store(false)
	srv.probe(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client))
}

func TestGRPCServer_NilCheckerServes(t *testing.T) {
	srv, client := startGRPC(t, nil)
	srv.probe(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client))
}

func TestGRPCServer_WatchStopsWithContext(t *testing.T) {
	checker := &switchChecker{}
	checker.healthy.Store(true)
	srv, client := startGRPC(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Watch(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
