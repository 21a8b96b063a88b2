// Package grpcapi serves the session service and gRPC health over the same
// guard the HTTP API uses.
package grpcapi

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"orchid.org/internal/audit"
	"orchid.org/internal/auth"
	"orchid.org/internal/obs"
)

const serviceName = "orchid.v1.Sessions"

// Checker reports whether the backing stores are reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// Server owns the grpc.Server and the health service.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	svc     *auth.Service
	ready   Checker
	log     logrus.FieldLogger
	version string
}

// Option configures the Server.
type Option func(*Server)

func WithReadiness(c Checker) Option { return func(s *Server) { s.ready = c } }

func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer registers the session and health services behind the guard.
func NewServer(svc *auth.Service, guard *auth.Guard, opts ...Option) *Server {
	s := &Server{
		health:  health.NewServer(),
		svc:     svc,
		log:     obs.Logger(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryRequestID(), UnaryLogging(s.log), UnaryGuard(guard)),
		grpc.ChainStreamInterceptor(StreamRequestID(), StreamGuard(guard)),
	)
	registerSessionsServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// GracefulStop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// CheckHealth runs the readiness check once and publishes the result.
func (s *Server) CheckHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready.Check(ctx); err != nil {
			s.log.WithError(err).Warn("grpc readiness check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// WatchHealth re-runs CheckHealth every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		probe, cancel := context.WithTimeout(ctx, interval/2)
		s.CheckHealth(probe)
		cancel()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// WhoAmI returns the caller's account as a struct with account_id, email,
// name, role and version fields.
func (s *Server) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	acct, err := s.svc.Account(ctx, principal)
	if err != nil {
		return nil, statusFromError(err)
	}
	return structpb.NewStruct(map[string]any{
		"account_id": acct.ID,
		"email":      acct.Email,
		"name":       acct.Name,
		"role":       string(acct.Role),
		"version":    s.version,
	})
}

// Logout revokes the session the call was authenticated with.
func (s *Server) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	token, _ := auth.TokenFromContext(ctx)
	if err := s.svc.Logout(ctx, principal, token); err != nil {
		return nil, statusFromError(err)
	}
	_ = audit.LogEvent(ctx, audit.Logout, map[string]any{"transport": "grpc"})
	return &emptypb.Empty{}, nil
}
