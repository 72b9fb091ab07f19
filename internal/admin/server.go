// Package admin serves the gRPC health and reflection services for operators.
// Registered checks decide each service's serving status.
package admin

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cory-johannsen/roomrelay/internal/config"
)

// Check reports whether a dependency is healthy.
type Check func(ctx context.Context) error

// Option customizes a Server.
type Option func(*Server)

// WithCheckInterval sets how often checks run.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Server) { s.interval = d }
}

// WithCheckTimeout bounds a single check call.
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Server hosts the admin gRPC endpoint.
type Server struct {
	cfg      config.AdminConfig
	logger   *zap.Logger
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	checks   map[string]Check
	listener net.Listener
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates an admin server. The overall status ("") starts NOT_SERVING
// and becomes SERVING once every check has passed.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.AdminConfig, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		interval: 5 * time.Second,
		timeout:  2 * time.Second,
		checks:   make(map[string]Check),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// AddCheck registers a check reported under service.
//
// Precondition: service must be non-empty and must be added before Start.
func (s *Server) AddCheck(service string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[service] = check
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("admin gRPC server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Strings("checks", s.checkNames()),
	)

	s.runChecks()
	s.wg.Add(1)
	go s.checkLoop()

	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serving admin gRPC: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.health.Shutdown()
		s.grpc.GracefulStop()
		s.wg.Wait()
		s.logger.Info("admin gRPC server stopped")
	})
}

// Addr returns the listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) checkLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.runChecks()
		}
	}
}

// runChecks updates every checked service and the overall status.
func (s *Server) runChecks() {
	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for name, p := range s.checks {
		checks[name] = p
	}
	s.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := check(ctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			s.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, status)
	}

	select {
	case <-s.quit:
	default:
		s.health.SetServingStatus("", overall)
	}
}

func (s *Server) checkNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
