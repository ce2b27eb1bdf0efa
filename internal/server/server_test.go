package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/geostream/internal/jobmanager"
)

type source struct {
	managers []*jobmanager.Manager
	exiting  atomic.Bool
}

func (s *source) Managers() []*jobmanager.Manager { return s.managers }
func (s *source) ShouldExit() bool                { return s.exiting.Load() }

func TestHealthFollowsManagers(t *testing.T) {
	src := &source{managers: []*jobmanager.Manager{
		jobmanager.New("import", jobmanager.Options{}),
		jobmanager.New("process", jobmanager.Options{}),
	}}
	t.Cleanup(func() {
		for _, m := range src.managers {
			m.Stop()
		}
	})

	srv := NewServer(src, 10*time.Millisecond, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}
	serving := healthpb.HealthCheckResponse_SERVING
	notServing := healthpb.HealthCheckResponse_NOT_SERVING

	assert.Equal(t, serving, status(""))
	assert.Equal(t, serving, status(ServiceName("import")))
	assert.Equal(t, serving, status(ServiceName("process")))

	src.managers[1].Pause()
	assert.Eventually(t, func() bool { return status(ServiceName("process")) == notServing }, time.Second, 10*time.Millisecond)
	assert.Equal(t, serving, status(ServiceName("import")))

	src.managers[1].Resume()
	assert.Eventually(t, func() bool { return status(ServiceName("process")) == serving }, time.Second, 10*time.Millisecond)

	src.exiting.Store(true)
	assert.Eventually(t, func() bool { return status("") == notServing }, time.Second, 10*time.Millisecond)
	assert.Equal(t, notServing, status(ServiceName("import")))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "gwss.cleanup", ServiceName("cleanup"))
}
