// ABOUTME: Tests for JWT tokens, HTTP middleware, and the gRPC interceptor
// ABOUTME: Uses httptest recorders and synthetic incoming metadata

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifier_RejectsShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("search-service", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "search-service", sub)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := newVerifier(t)
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Generate("x", time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_Invalid(t *testing.T) {
	v := newVerifier(t)

	other, err := NewJWTVerifier([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	foreign, err := other.Generate("x", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "x",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v := newVerifier(t)
	_, err := v.Generate("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := newVerifier(t)
	good, err := v.Generate("operator", time.Hour)
	require.NoError(t, err)

	var seen *AuthContext
	handler := HTTPAuthMiddleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + good, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/targets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "operator", seen.Subject)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestHTTPAuthMiddleware_Disabled(t *testing.T) {
	var seen *AuthContext
	handler := HTTPAuthMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/targets", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.True(t, seen.Anonymous)
}

func TestUnaryInterceptor(t *testing.T) {
	v := newVerifier(t)
	good, err := v.Generate("search", time.Hour)
	require.NoError(t, err)

	interceptor := UnaryInterceptor(v, nil, "/caprouter.v1.Discovery/")
	handler := func(ctx context.Context, req any) (any, error) {
		return FromContext(ctx), nil
	}
	protectedInfo := &grpc.UnaryServerInfo{FullMethod: "/caprouter.v1.Discovery/Register"}

	t.Run("valid token", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+good))
		resp, err := interceptor(ctx, nil, protectedInfo, handler)
		require.NoError(t, err)
		assert.Equal(t, "search", resp.(*AuthContext).Subject)
	})

	t.Run("no metadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), nil, protectedInfo, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("missing header", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-other", "1"))
		_, err := interceptor(ctx, nil, protectedInfo, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("invalid token", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer junk"))
		_, err := interceptor(ctx, nil, protectedInfo, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("unprotected service passes", func(t *testing.T) {
		info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
		resp, err := interceptor(context.Background(), nil, info, handler)
		require.NoError(t, err)
		assert.True(t, resp.(*AuthContext).Anonymous)
	})
}

func TestNoAuthUnaryInterceptor(t *testing.T) {
	resp, err := NoAuthUnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/y"},
		func(ctx context.Context, req any) (any, error) { return FromContext(ctx), nil })
	require.NoError(t, err)
	assert.True(t, resp.(*AuthContext).Anonymous)
}
