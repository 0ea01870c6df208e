// Package broadcast fans topic change events out to WebSocket clients.
//
// The Broadcaster is an actor: a single goroutine owns the subscription registry and
// the last encoded message of every topic, and is driven through a command channel
// (no mutexes). Each Session pairs one client connection with one Subscription and
// runs a forward loop and a receive loop; whichever ends first tears the session down.
package broadcast
