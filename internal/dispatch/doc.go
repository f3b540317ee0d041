// Package dispatch turns client tool calls and resource reads into remote
// calls on live capability instances.
//
// A call goes through four steps:
//
//  1. look up the tool or resource in the Catalog
//  2. resolve its service to one live instance (Resolver)
//  3. provision configuration and secrets on that instance, once per
//     (name, instance) pair, recorded in the ProvisionLedger
//  4. invoke with a per-call deadline and translate the reply
//
// In-flight calls are bounded by a weighted semaphore. Every failure is
// returned as a Reply with IsError set; Reply.Err carries the classified
// sentinel (ErrToolNotFound, ErrServiceNotFound, ErrInvalidResponseType,
// ErrNonConvertableResponse, ErrProvisioning, ErrInvocation).
package dispatch
