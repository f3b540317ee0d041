// ABOUTME: gRPC interceptor authenticating requests with JWT bearer tokens
// ABOUTME: Reads the authorization metadata and populates the context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates calls
// to services whose full method name starts with one of prefixes. Calls to
// other services pass through as anonymous. With no prefixes every call is
// authenticated.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger, prefixes ...string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !protected(info.FullMethod, prefixes) {
			return handler(WithAuth(ctx, anonymous()), req)
		}

		authCtx, err := extractAuth(ctx, tokens, logger, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// NoAuthUnaryInterceptor injects an anonymous auth context when
// authentication is disabled.
func NoAuthUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(WithAuth(ctx, anonymous()), req)
	}
}

func protected(fullMethod string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(fullMethod, p) {
			return true
		}
	}
	return false
}

func extractAuth(ctx context.Context, tokens TokenVerifier, logger *slog.Logger, method string) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(authHeaders[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	subject, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "invalid_token", "method", method, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	return &AuthContext{Subject: subject}, nil
}
