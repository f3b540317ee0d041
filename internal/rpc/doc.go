// Package rpc defines the wire contract between the router and capability
// services.
//
// Two gRPC services are declared by hand and carried with a JSON codec
// (content subtype "json"):
//
//	caprouter.v1.Discovery   Register, Deregister, Ping, UpdateState
//	caprouter.v1.Capability  Provision, InvokeTool, AcquireResource, GetStatus
//
// The router serves Discovery and calls Capability through CapabilityClient;
// capability services do the reverse. Domain errors cross the wire as gRPC
// status codes and are restored to their sentinels on the client side.
package rpc
