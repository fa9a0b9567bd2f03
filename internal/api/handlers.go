// Package api contains the HTTP handlers for the threat scan service
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"inteltrace/internal/repository"
	"inteltrace/internal/services"
)

// Version is reported by the health endpoints.
var Version = "1.0.0"

// Check probes one dependency.
type Check func(ctx context.Context) error

// Handler contains the operational HTTP handlers
type Handler struct {
	checks map[string]Check
}

// NewHandler creates a new Handler. Checks are run by HandleReady.
func NewHandler(checks map[string]Check) *Handler {
	return &Handler{checks: checks}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "inteltrace",
		Version:   Version,
	})
}

// HandleReady runs every dependency check and returns 503 if one fails.
func (h *Handler) HandleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "inteltrace",
		Version:   Version,
		Checks:    make(map[string]string, len(h.checks)),
	}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status.Checks[name] = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[name] = "ok"
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	// c.JSON keeps a Content-Type that is already set.
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, problem)
}

// ErrorLogger is the subset of the application logger used by ErrorHandler.
type ErrorLogger interface {
	Error(msg string, args ...any)
}

// ErrorHandler renders every error returned by a handler as problem JSON.
func ErrorHandler(logger ErrorLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, detail := statusFor(err)
		if status >= http.StatusInternalServerError && logger != nil {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"error", err,
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = writeError(c, status, http.StatusText(status), detail)
	}
}

// statusFor maps handler and service errors to an HTTP status.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}

	switch {
	case errors.Is(err, services.ErrInvalidImage), errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, services.ErrEncoderUnavailable):
		return http.StatusServiceUnavailable, "embedding sidecar unavailable"
	case errors.Is(err, services.ErrEncoderFailed):
		return http.StatusBadGateway, "embedding sidecar failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
