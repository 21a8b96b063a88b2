package grpcapi

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"orchid.org/internal/audit"
	"orchid.org/internal/auth"
	"orchid.org/internal/ids"
	"orchid.org/internal/obs"
)

const (
	authorizationKey = "authorization"
	requestIDKey     = "x-request-id"
)

// UnaryRequestID attaches the caller's x-request-id, or a fresh one, to the
// context and echoes it in the response header. It runs first so every later
// interceptor logs the same id.
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = withRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, audit.RequestID(ctx)))
		return handler(ctx, req)
	}
}

// StreamRequestID is UnaryRequestID for streaming calls.
func StreamRequestID() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := withRequestID(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(requestIDKey, audit.RequestID(ctx)))
		return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
	}
}

func withRequestID(ctx context.Context) context.Context {
	if audit.RequestID(ctx) != "" {
		return ctx
	}
	md, _ := metadata.FromIncomingContext(ctx)
	rid := strings.TrimSpace(first(md, requestIDKey))
	if rid == "" || len(rid) > 128 {
		rid = ids.New()
	}
	return audit.WithRequestID(ctx, rid)
}

// UnaryGuard enforces the guard on unary calls. The full method name is the
// path the policy is matched against.
func UnaryGuard(g *auth.Guard) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authorize(ctx, g, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamGuard is UnaryGuard for streaming calls.
func StreamGuard(g *auth.Guard) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authorize(ss.Context(), g, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
	}
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context { return s.ctx }

func authorize(ctx context.Context, g *auth.Guard, fullMethod string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	header := first(md, authorizationKey)
	ctx = withRequestID(ctx)

	principal, decision, err := g.Authorize(ctx, auth.Request{Path: fullMethod, Authorization: header})
	obs.RecordGuardDecision("grpc", decision.String())
	if err != nil {
		if auth.KindOf(err) == auth.KindForbidden {
			_ = audit.LogEvent(auth.ContextWithPrincipal(ctx, principal), audit.AccessDenied, map[string]any{
				"method": fullMethod,
			})
		}
		return ctx, statusFromError(err)
	}
	if decision == auth.DecisionPublic {
		return ctx, nil
	}
	token, _ := auth.BearerToken(header)
	ctx = auth.ContextWithPrincipal(ctx, principal)
	return auth.ContextWithToken(ctx, token), nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// codeFor maps an error kind to its gRPC status code.
func codeFor(kind auth.Kind) codes.Code {
	switch kind {
	case auth.KindInvalidCredentials, auth.KindUnauthorized:
		return codes.Unauthenticated
	case auth.KindForbidden:
		return codes.PermissionDenied
	case auth.KindTokenNotFound, auth.KindAccountNotFound:
		return codes.NotFound
	case auth.KindServiceUnavailable:
		return codes.Unavailable
	case auth.KindInvalidInput:
		return codes.InvalidArgument
	case auth.KindConflict:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

func statusFromError(err error) error {
	return status.Error(codeFor(auth.KindOf(err)), auth.PublicMessage(err))
}

// UnaryLogging writes one structured line per unary call.
func UnaryLogging(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.WithFields(logrus.Fields{
			"request_id":  audit.RequestID(ctx),
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("rpc_complete")
		return resp, err
	}
}
