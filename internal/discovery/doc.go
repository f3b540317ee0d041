// Package discovery keeps a capability service registered with the router.
//
// A Manager registers on start, then re-registers (or pings, when enabled)
// on a fixed interval. Each cycle retries a bounded number of times with a
// fixed wait between attempts; an exhausted cycle is logged and the next
// tick starts over with the full retry budget. The instance id assigned on
// the first successful registration is written to the identity store and
// reused on every later start.
package discovery
