// Package app holds the polling use case.
//
// The Poller is the sole producer of change events: it fetches every topic from a
// domain.Source, reconciles the results against its private cache through the pure
// Apply function and publishes the resulting events in the fixed topic order.
package app
