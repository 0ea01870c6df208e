package plugin

import (
	"errors"
	"net/http"

	"github.com/pscheid92/mcpulse/internal/platform/retry"
)

// ClassifyError maps plugin errors to retry actions: authentication and other client
// errors are permanent, 429 waits longer, everything else (5xx, transport) is retried.
func ClassifyError(err error) retry.Action {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}
