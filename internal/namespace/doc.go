// Package namespace manages the fixed pool of namespace slots ("ns-0",
// "ns-1", ...) that isolate tool and resource groups. Slots are created by
// Preload and bound to a logical name on first Allocate; a bound slot is never
// released. When every slot is bound to another name Allocate fails with
// ErrPoolExhausted.
package namespace
