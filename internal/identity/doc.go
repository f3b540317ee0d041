// Package identity persists the stable id of a capability service instance
// so it survives restarts. The id is written once, after the first successful
// registration, and is never overwritten or regenerated.
package identity
