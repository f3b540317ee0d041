// Package gateway wires the capability router together and runs it.
//
// # Overview
//
// New builds every long-lived component from a config.Config: the SQLite
// store (catalog, provisioning ledger, and by default the namespace pool),
// an optional Redis namespace pool, the registry with its event
// broadcaster, the dispatcher, the optional health prober, and the MCP
// endpoint. Nothing listens until Run.
//
// Run opens the listeners (plain TCP, or a tsnet node when tailscale is
// enabled), starts the registry sweep and prober loops, and serves until
// its context is canceled. Shutdown ends event streams, drains both
// servers, stops the loops, and closes storage.
//
// # gRPC
//
// The gRPC listener serves caprouter.v1.Discovery. When auth.jwt_secret is
// set each discovery call must carry an Authorization: Bearer token.
//
// # HTTP API
//
//	GET    /health                          liveness
//	GET    /health/ready                    store reachable
//	POST   /mcp                             MCP JSON-RPC endpoint
//	GET    /api/v1/targets?type=            registered instances
//	GET    /api/v1/targets/{id}/state       activity record
//	GET    /api/v1/namespaces               namespace pool
//	GET    /api/v1/events                   registry events (SSE)
//	POST   /api/v1/discovery/register       register an instance
//	POST   /api/v1/discovery/deregister     deregister an instance
//	POST   /api/v1/discovery/ping/{id}      heartbeat
//	POST   /api/v1/discovery/update/{id}    self-reported state
//	GET    /api/v1/tools                    catalogued tools
//	POST   /api/v1/tools                    add or replace a tool
//	DELETE /api/v1/tools/{name}             remove a tool
//	POST   /api/v1/tools/{name}/invoke      run a tool
//	GET    /api/v1/resources                catalogued resources
//	POST   /api/v1/resources                add or replace a resource
//	DELETE /api/v1/resources/{name}         remove a resource
//	POST   /api/v1/resources/{name}/read    read a resource
//
// Everything under /api/v1 requires a bearer token when auth is enabled.
// Errors are JSON objects of the form {"error": "..."}. A dispatched call
// that fails remotely still answers 200; its reply has isError set.
//
// # Events
//
// Each /api/v1/events client gets its own subscription. Events are named
// after their type in lower case (register, deregister, update, ping) and
// carry the registry event as JSON data. The first event, connected,
// carries the subscription id.
package gateway
