// Package store provides durable backends for the router's persisted state.
//
// SQLiteStore (modernc.org/sqlite, WAL mode) keeps three kinds of data:
//
//   - namespaces: the slot pool, via Namespaces()
//   - tools and resources: the catalog (dispatch.Catalog)
//   - provisions: which name was provisioned on which instance
//     (dispatch.ProvisionLedger)
//
// Timestamps are stored as RFC3339 text. Schema changes are applied by
// idempotent migrations at open time.
//
// RedisNamespaces is an alternative namespace pool stored in one Redis hash,
// for routers that share allocation state.
package store
