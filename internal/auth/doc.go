// Package auth provides bearer-token authentication for the router.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret, issued by "caprouter",
// and carry the caller in the "sub" claim. Mint one with:
//
//	caprouter token --sub search-service
//
// HTTPAuthMiddleware guards the /api routes and UnaryInterceptor guards the
// Discovery gRPC service. Both attach an AuthContext retrievable with
// FromContext. When no secret is configured every caller is anonymous.
package auth
