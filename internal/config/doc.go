// Package config handles configuration loading for the router and for
// capability services.
//
// # Router
//
// The router reads YAML. Default location:
//
//  1. Path from CAPROUTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/caprouter/router.yaml
//  3. ~/.config/caprouter/router.yaml
//
// Values can reference environment variables with ${VAR_NAME}; a .env file
// in the working directory is loaded first by LoadDotEnv.
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/caprouter/router.db"
//
//	redis:
//	  enabled: false
//	  addr: "localhost:6379"
//
//	auth:
//	  jwt_secret: "${CAPROUTER_JWT_SECRET}"
//
//	registry:
//	  sweep_interval: "10s"
//	  mia_after: "30s"
//	  deregister_after: "5m"
//	  retention: "10m"
//	  max_states: 100
//
//	health_probe:
//	  enabled: false
//	  interval: "30s"
//	  timeout: "5s"
//
//	router:
//	  resolver: "first-available"   # or round-robin
//	  invoke_timeout: "30s"
//	  max_concurrent: 64
//
//	namespaces:
//	  max: 10
//
//	events:
//	  subscriber_buffer: 64
//	  overflow: "drop-oldest"        # or disconnect
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json, color
//
// Durations use time.ParseDuration syntax. Unset values take the defaults
// shown above.
//
// # Capability services
//
// Capability services read TOML:
//
//	[service]
//	name = "search"
//	type = "tool-invoker"
//	home = "/var/lib/search"
//
//	[server]
//	addr = "0.0.0.0:7001"
//	advertise_host = "10.0.0.5"
//	advertise_port = 7001
//
//	[registration]
//	router_addr = "router:50051"
//	token = "${CAPROUTER_TOKEN}"
//	interval = "10s"
//
//	[properties.query]
//	type = "string"
//	required = true
package config
