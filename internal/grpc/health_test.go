package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealthServer(t *testing.T) (*HealthServer, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewHealthServer(nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func statusIs(client healthpb.HealthClient, want healthpb.HealthCheckResponse_ServingStatus) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == want
	}
}

func TestHealthStartsNotServing(t *testing.T) {
	_, client := startHealthServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ServiceName))
}

func TestHealthSetServing(t *testing.T) {
	srv, client := startHealthServer(t)

	srv.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ServiceName))

	srv.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ""))
}

func TestMonitorFollowsChecker(t *testing.T) {
	srv, client := startHealthServer(t)

	var failing atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Monitor(ctx, 10*time.Millisecond, func(context.Context) error {
		if failing.Load() {
			return errors.New("db down")
		}
		return nil
	})

	assert.Eventually(t, statusIs(client, healthpb.HealthCheckResponse_SERVING), time.Second, 10*time.Millisecond)

	failing.Store(true)
	assert.Eventually(t, statusIs(client, healthpb.HealthCheckResponse_NOT_SERVING), time.Second, 10*time.Millisecond)
}
