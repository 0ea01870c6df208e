package domain

import "errors"

var (
	ErrUnknownTopic        = errors.New("unknown topic")
	ErrInvalidValue        = errors.New("invalid topic value")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrHandshakeFailed     = errors.New("upstream handshake failed")
	ErrBroadcasterStopped  = errors.New("broadcaster stopped")
	ErrSubscriptionEvicted = errors.New("subscription evicted")
)
