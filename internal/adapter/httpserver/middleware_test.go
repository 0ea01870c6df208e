package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/mcpulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/mcpulse/internal/platform/errors"
)

func runErrorMiddleware(t *testing.T, handlerErr error) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), rec)

	err := ErrorHandlingMiddleware()(func(echo.Context) error { return handlerErr })(c)
	return rec, err
}

func TestErrorHandlingMiddleware_StructuredError(t *testing.T) {
	rec, err := runErrorMiddleware(t, apperrors.ValidationError("invalid input").WithField("field", "topic"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid input", resp.Error)
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
	assert.Equal(t, "topic", resp.Context["field"])
}

func TestErrorHandlingMiddleware_WrappedStructuredError(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", apperrors.NotFoundError("unknown topic"))

	rec, err := runErrorMiddleware(t, wrapped)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorHandlingMiddleware_StandardErrorBecomesInternal(t *testing.T) {
	rec, err := runErrorMiddleware(t, errors.New("database exploded"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotContains(t, rec.Body.String(), "database exploded")
}

func TestErrorHandlingMiddleware_PassesEchoErrorsThrough(t *testing.T) {
	httpErr := echo.NewHTTPError(http.StatusMethodNotAllowed)

	_, err := runErrorMiddleware(t, httpErr)

	assert.Equal(t, httpErr, err)
}

func TestErrorHandlingMiddleware_NoError(t *testing.T) {
	rec, err := runErrorMiddleware(t, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestErrorHandlingMiddleware_AllErrorTypes(t *testing.T) {
	tests := []struct {
		name       string
		err        *apperrors.Error
		wantStatus int
	}{
		{"validation", apperrors.ValidationError("invalid"), http.StatusBadRequest},
		{"not_found", apperrors.NotFoundError("missing"), http.StatusNotFound},
		{"internal", apperrors.InternalError("failed", errors.New("cause")), http.StatusInternalServerError},
		{"external", apperrors.ExternalError("plugin failed", errors.New("500")), http.StatusBadGateway},
		{"unavailable", apperrors.UnavailableError("circuit open", errors.New("open")), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := runErrorMiddleware(t, tt.err)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.err.Type, resp.Type)
		})
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"generated when missing", "", false},
		{"inbound id kept", "req-1234_abc", true},
		{"malformed inbound id replaced", "bad id!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.inbound != "" {
				req.Header.Set(correlation.Header, tt.inbound)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var seen string
			err := correlationMiddleware(func(c echo.Context) error {
				seen, _ = correlation.ID(c.Request().Context())
				return nil
			})(c)
			require.NoError(t, err)

			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(correlation.Header))
			if tt.keep {
				assert.Equal(t, tt.inbound, seen)
			} else {
				assert.NotEqual(t, tt.inbound, seen)
			}
		})
	}
}
