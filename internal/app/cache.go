package app

import (
	"maps"

	"github.com/pscheid92/mcpulse/internal/domain"
)

// Cache maps each topic to the last successfully fetched value.
// A missing key means the topic has not been fetched successfully yet.
type Cache map[domain.Topic]domain.Value

// Apply reconciles a fetched value against the cache. When the topic is absent or its
// value differs, it returns a new cache holding the value and the event to publish.
// When the value is unchanged it returns the same cache and nil. The input cache is
// never modified.
func Apply(cache Cache, topic domain.Topic, value domain.Value) (Cache, *domain.Event) {
	if prev, ok := cache[topic]; ok && prev.Equal(value) {
		return cache, nil
	}

	next := maps.Clone(cache)
	if next == nil {
		next = make(Cache, 1)
	}
	next[topic] = value
	return next, &domain.Event{Topic: topic, Value: value}
}
