// Package server exposes the grpc.health.v1 service of a node: one service
// name per job manager plus the overall "" service.
package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/geostream/internal/jobmanager"
)

const defaultRefresh = time.Second

// ManagerSource is what the server watches.
type ManagerSource interface {
	Managers() []*jobmanager.Manager
	ShouldExit() bool
}

// ServiceName is the health service name of a job manager.
func ServiceName(manager string) string { return "gwss." + manager }

// Server implements the gRPC health endpoint.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	source  ManagerSource
	log     *slog.Logger
	refresh time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer registers the health service on a new gRPC server. A refresh of
// zero picks one second.
func NewServer(src ManagerSource, refresh time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	s := &Server{
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		source:  src,
		log:     logger,
		refresh: refresh,
		stopCh:  make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Refresh()
	return s
}

// Refresh publishes the current state of every manager. A manager is
// SERVING unless it is paused or stopped; the node as a whole stops serving
// once shutdown begins.
func (s *Server) Refresh() {
	exiting := s.source.ShouldExit()
	overall := healthpb.HealthCheckResponse_SERVING
	if exiting {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, m := range s.source.Managers() {
		st := healthpb.HealthCheckResponse_SERVING
		if exiting || m.IsPaused() || m.IsStopped() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(ServiceName(m.Name()), st)
	}
}

// Serve refreshes the statuses periodically and blocks serving lis.
func (s *Server) Serve(lis net.Listener) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	s.log.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains open RPCs.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}
