package domain

import (
	"context"
)

// Source fetches the current value of a topic from the upstream plugin.
// Fetches are independent and idempotent; implementations may be slow or fail.
type Source interface {
	Fetch(ctx context.Context, topic Topic) (Value, error)
}

// EventPublisher accepts change events for fan-out. Publish must not block on slow consumers.
type EventPublisher interface {
	Publish(event Event)
}
