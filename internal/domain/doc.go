// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (topic.go, value.go, event.go, pubsub.go, errors.go)
// with shared types and cross-cutting interfaces. Only value-level logic lives here
// (topic lookup, JSON canonicalisation, wire framing); behaviour lives in app and broadcast.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain
