// Package controlplane exposes the node's operational surfaces: a gRPC
// server with health checking and reflection, and an HTTP endpoint
// serving Prometheus metrics.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "thunderline.ca.node"

// HealthSource reports whether the node is able to serve. The serve
// command wires this to the supervisor.
type HealthSource interface {
	Healthy() bool
}

// Server runs the gRPC control plane and the metrics HTTP listener.
type Server struct {
	grpcPort    int
	metricsPort int
	logger      *slog.Logger
	source      HealthSource
	registry    *prometheus.Registry

	grpcServer      *grpc.Server
	healthServer    *health.Server
	grpcListener    net.Listener
	httpServer      *http.Server
	metricsListener net.Listener
	stopCh          chan struct{}
}

// New creates a server. registry may be nil to disable the metrics
// endpoint; source may be nil, in which case the node always reports
// serving.
func New(grpcPort, metricsPort int, source HealthSource, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		grpcPort:    grpcPort,
		metricsPort: metricsPort,
		logger:      logger,
		source:      source,
		registry:    registry,
		stopCh:      make(chan struct{}),
	}
}

// Start begins listening. It returns once both listeners are bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.grpcPort))
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	s.grpcListener = listener

	s.grpcServer = grpc.NewServer()
	s.healthServer = health.NewServer()
	s.healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	reflection.Register(s.grpcServer)

	go s.healthChecker(ctx)
	go func() {
		s.logger.Info("control plane listening", "port", s.GRPCPort())
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("control plane serve error", "error", err)
		}
	}()

	if s.registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.metricsPort),
			Handler: mux,
		}
		metricsListener, err := net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			s.grpcServer.Stop()
			return fmt.Errorf("metrics listen: %w", err)
		}
		s.metricsListener = metricsListener
		go func() {
			s.logger.Info("metrics endpoint listening", "port", s.MetricsPort())
			if err := s.httpServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics serve error", "error", err)
			}
		}()
	}
	return nil
}

// GRPCPort returns the bound gRPC port, useful with dynamic allocation.
func (s *Server) GRPCPort() int {
	if s.grpcListener != nil {
		return s.grpcListener.Addr().(*net.TCPAddr).Port
	}
	return s.grpcPort
}

// MetricsPort returns the bound metrics port.
func (s *Server) MetricsPort() int {
	if s.metricsListener != nil {
		return s.metricsListener.Addr().(*net.TCPAddr).Port
	}
	return s.metricsPort
}

func (s *Server) healthChecker(ctx context.Context) {
	if s.source == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if !s.source.Healthy() {
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
			s.healthServer.SetServingStatus(serviceName, status)
		}
	}
}

// Stop drains both listeners.
func (s *Server) Stop(ctx context.Context) {
	close(s.stopCh)
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
