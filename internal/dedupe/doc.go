// Package dedupe provides a small TTL cache of recently handled keys. The
// health prober claims a target id before probing it, so overlapping
// rounds never probe the same target twice within the window.
package dedupe
