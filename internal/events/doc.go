// Package events provides the bounded pub/sub used to stream registry
// lifecycle events (REGISTER, DEREGISTER, UPDATE, PING) to observers.
//
// Publish never blocks. Each subscriber owns a buffered channel; when it is
// full the configured OverflowPolicy applies: DropOldest evicts the oldest
// buffered event, Disconnect closes the slow subscriber. Dropped events are
// counted per subscription.
package events
