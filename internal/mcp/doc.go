// Package mcp exposes the router's catalog to Model Context Protocol clients.
//
// # Overview
//
// The Server speaks JSON-RPC 2.0 over HTTP POST on a single endpoint, mounted
// at /mcp by the gateway. Supported methods:
//
//   - initialize: creates a session and returns its id in Mcp-Session-Id
//   - tools/list, tools/call: catalogued tools, invoked through the dispatcher
//   - resources/list, resources/read: catalogued resources, read through the dispatcher
//   - ping
//
// Every request other than initialize must carry a known Mcp-Session-Id.
// DELETE on the endpoint terminates a session. Notifications (requests
// without an id) are acknowledged with 202 and no body.
//
// # Authentication
//
// When a TokenVerifier is configured, initialize requires an
// Authorization: Bearer token. The session remembers the token and only
// the same token may delete it.
//
// # Errors
//
// Unknown tools and resources are reported as JSON-RPC invalid-params
// errors. A tool that runs and fails is a successful JSON-RPC response
// whose result has isError set, carrying the failure text.
package mcp
