package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/resume-agent/pipeline/pkg/sessionlock"
)

// decodeJSONBody decodes a JSON request body, treating an empty body as a
// zero-value request (several workflow endpoints have bodies with every field
// optional).
func decodeJSONBody(body io.Reader, v any) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// detachedContext is used for work that must outlive the HTTP request that
// triggered it.
func detachedContext() context.Context {
	return context.Background()
}

// acquireLock reserves the per-session processing slot for the
// duration of a background dispatch; the caller must invoke the returned
// Release once the dispatch completes. The acquire is non-blocking: a
// session already mid-processing fails fast so the handler can 409.
func (s *Server) acquireLock(c *echo.Context, sessionID, userID string) (sessionlock.Release, error) {
	if s.locks == nil {
		return func() {}, nil
	}
	return s.locks.TryAcquire(sessionID, userID)
}

// mapLockError maps sessionlock errors to HTTP statuses
// (409 for an already-in-flight session, 429/503 for cap exhaustion).
func mapLockError(err error) error {
	switch {
	case errors.Is(err, sessionlock.ErrSessionBusy):
		return echo.NewHTTPError(http.StatusConflict, "a message is already being processed for this session")
	case errors.Is(err, sessionlock.ErrPerUserCapExceeded):
		return echo.NewHTTPError(http.StatusTooManyRequests, "per-user processing cap exceeded")
	case errors.Is(err, sessionlock.ErrGlobalCapExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "global processing cap exceeded")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to acquire session lock")
	}
}
