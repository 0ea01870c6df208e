package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	apperrors "github.com/pscheid92/mcpulse/internal/platform/errors"
)

const (
	rateLimiterExpiry = 5 * time.Minute

	errorTypeRateLimited apperrors.ErrorType = "rate_limited"
)

// newRateLimiter limits requests per client IP with a token bucket.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return tooManyRequests(c, "rate limit exceeded", nil)
		},
	})
}

func tooManyRequests(c echo.Context, message string, fields map[string]any) error {
	return c.JSON(http.StatusTooManyRequests, apperrors.ErrorResponse{
		Error:   message,
		Type:    errorTypeRateLimited,
		Context: fields,
	})
}
