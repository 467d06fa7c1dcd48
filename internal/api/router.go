package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskorch/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Controller is the scheduler surface the HTTP API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Reload(ctx context.Context) error
	Status() core.SchedulerStatus
	Resolve(ctx context.Context, ref string) (*core.TaskDefinition, error)
	Execute(ctx context.Context, taskID string) (*core.Run, error)
	Cancel(ctx context.Context, taskID string) error
	Toggle(ctx context.Context, taskID string, enabled bool) (*core.TaskDefinition, error)
	NextFire(taskID string) (time.Time, bool)
	GetDefinition(ctx context.Context, taskID string, recentLimit int) (*core.DefinitionWithStatus, error)
	ListDefinitionsWithStatus(ctx context.Context, recentLimit int) ([]*core.DefinitionWithStatus, error)
	ListRecentExecutions(ctx context.Context, taskID string, limit int) ([]*core.TaskExecution, error)
	GetExecution(ctx context.Context, id string) (*core.TaskExecution, error)
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	ctl        Controller
	mcpHandler http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler may be nil.
func NewServer(addr string, authToken string, ctl Controller, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.UTC
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		ctl:        ctl,
		mcpHandler: mcpHandler,
		logger:     logger,
		location:   location,
		authToken:  authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcpHandler != nil {
		mcpHandler := s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/start", s.handleSchedulerStart)
			r.Post("/stop", s.handleSchedulerStop)
			r.Post("/reload", s.handleSchedulerReload)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/execute", s.handleExecuteTask)
				r.Post("/stop", s.handleStopTask)
				r.Post("/toggle", s.handleToggleTask)
				r.Get("/executions", s.handleListExecutions)
			})
		})

		r.Get("/executions/{executionID}", s.handleGetExecution)
	})
}
