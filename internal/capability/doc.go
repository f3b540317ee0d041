// Package capability is the runtime for capability services: the processes
// that actually run tools or read resources on behalf of the router.
//
// Server implements the capability gRPC API. Provisioned configuration and
// secrets are written to <home>/<uuid>.properties and handed back as file://
// URIs; handlers receive them decoded as Properties on every call. Handler
// errors become error replies and are reported to the router as failed
// state through the registration manager.
//
// Runner ties a Server to its persisted identity and the discovery manager
// so a process only has to supply handlers:
//
//	r, err := capability.NewRunner(cfg, capability.Handlers{Tool: echo}, nil, logger)
//	...
//	err = r.Run(ctx)
package capability
