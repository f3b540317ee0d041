// ABOUTME: Client dial options shared by router and capability connections
// ABOUTME: Plaintext transport, JSON codec, and optional bearer token credentials

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DialOptions returns the options used for router RPC connections. A
// non-empty token is attached to every call as a bearer credential.
func DialOptions(token string) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken(token)))
	}
	return opts
}

// Dial opens a connection to a router or capability address.
func Dial(addr, token string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, DialOptions(token)...)
}

type bearerToken string

func (t bearerToken) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (bearerToken) RequireTransportSecurity() bool {
	return false
}
