// Package api provides the session-facing HTTP surface: the SSE stream,
// message submission, questionnaire/preferences/benchmark endpoints, and
// the gate short-circuit and restart actions. HTTP routing itself is
// handled by echo v5; authentication is delegated to a pluggable
// Authenticator since JWT verification is an external collaborator.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/resume-agent/pipeline/pkg/events"
	"github.com/resume-agent/pipeline/pkg/gate"
	"github.com/resume-agent/pipeline/pkg/persistence"
	"github.com/resume-agent/pipeline/pkg/ratelimit"
	"github.com/resume-agent/pipeline/pkg/sessionlock"
)

// Dispatcher starts (or resumes) message processing for a session. It is
// the boundary between the HTTP surface and the coordinator-wiring that
// cmd/pipelineserver owns. The handlers in this package acquire the
// session lock before calling Dispatch; running the pipeline phases and
// checkpointing happen behind this interface.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, userID, content string) error
}

// Server is the HTTP API server for the resume pipeline.
type Server struct {
	echo  *echo.Echo
	http  *http.Server
	store *persistence.Store

	auth       Authenticator
	dispatcher Dispatcher

	events      *events.Manager
	broker      *events.Broker
	attempts    *events.AttemptRegistry
	running     *events.RunningSet
	locks       *sessionlock.Manager
	waiter      *gate.Waiter
	msgLimiter  ratelimit.Limiter
	idempotency *ratelimit.IdempotencyStore

	maxMessageBodyBytes       int64
	maxCreateSessionBodyBytes int64
}

// Config supplies everything NewServer needs to wire the routes.
type Config struct {
	Store       *persistence.Store
	Auth        Authenticator
	Dispatcher  Dispatcher
	Events      *events.Manager
	Broker      *events.Broker
	Attempts    *events.AttemptRegistry
	Running     *events.RunningSet
	Locks       *sessionlock.Manager
	Waiter      *gate.Waiter
	MsgLimiter  ratelimit.Limiter
	Idempotency *ratelimit.IdempotencyStore

	MaxMessageBodyBytes       int64
	MaxCreateSessionBodyBytes int64
}

// NewServer creates a new API server with Echo v5.
func NewServer(cfg Config) *Server {
	e := echo.New()

	s := &Server{
		echo:                      e,
		store:                     cfg.Store,
		auth:                      cfg.Auth,
		dispatcher:                cfg.Dispatcher,
		events:                    cfg.Events,
		broker:                    cfg.Broker,
		attempts:                  cfg.Attempts,
		running:                   cfg.Running,
		locks:                     cfg.Locks,
		waiter:                    cfg.Waiter,
		msgLimiter:                cfg.MsgLimiter,
		idempotency:               cfg.Idempotency,
		maxMessageBodyBytes:       cfg.MaxMessageBodyBytes,
		maxCreateSessionBodyBytes: cfg.MaxCreateSessionBodyBytes,
	}
	if s.maxMessageBodyBytes <= 0 {
		s.maxMessageBodyBytes = 64 * 1024
	}
	if s.maxCreateSessionBodyBytes <= 0 {
		s.maxCreateSessionBodyBytes = 2 * 1024 * 1024
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers every route.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(s.maxCreateSessionBodyBytes))

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/sessions")
	v1.GET("/:id/sse", s.sseHandler)
	v1.POST("/:id/messages", s.submitMessageHandler)

	wf := s.echo.Group("/workflow")
	wf.POST("/:sessionId/questions/batch-submit", s.batchSubmitQuestionsHandler)
	wf.POST("/:sessionId/questions/defer", s.deferQuestionsHandler)
	wf.POST("/:sessionId/preferences", s.updatePreferencesHandler)
	wf.POST("/:sessionId/benchmark/assumptions", s.editBenchmarkAssumptionsHandler)
	wf.POST("/:sessionId/generate-draft-now", s.generateDraftNowHandler)
	wf.POST("/:sessionId/restart", s.restartHandler)
}

// authenticate runs the configured Authenticator and writes a 401 on
// failure, returning ok=false so the caller can return immediately.
func (s *Server) authenticate(c *echo.Context) (userID string, ok bool) {
	userID, err := s.auth.Authenticate(c.Request())
	if err != nil {
		_ = c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used
// by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{Handler: s.echo}
	return s.http.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if s.store != nil {
		if err := s.store.Ping(reqCtx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
