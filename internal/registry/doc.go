// Package registry tracks the capability service instances known to the router.
//
// # Overview
//
// Each instance is a ServiceTarget (id, service name, host, port, type) with an
// ActivityRecord holding its liveness history. Instances announce themselves
// with Register, keep alive with Register or Ping, and report their own health
// with UpdateState.
//
// # Health Sweep
//
// Sweep ages out silent instances:
//
//	elapsed < MissingAfter                    nothing
//	MissingAfter <= elapsed < DeregisterAfter "missing in action", active=false, UPDATE (once)
//	elapsed >= DeregisterAfter                auto-deregistered, unroutable, DEREGISTER (once)
//
// The activity record of an auto-deregistered instance stays queryable until
// Retention elapses. Re-registering the same id revives it.
//
// # Concurrency
//
// The id map is locked for writing only when ids are inserted or deleted.
// Every other mutation holds the lock of the instance it touches, so traffic
// on different instances does not contend.
package registry
