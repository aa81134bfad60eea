package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	commandbus "graphcollab/application/commands/bus"
	querybus "graphcollab/application/queries/bus"
	"graphcollab/application/session"
	"graphcollab/infrastructure/config"
	"graphcollab/interfaces/http/rest/handlers"
	"graphcollab/interfaces/http/rest/middleware"
	"graphcollab/interfaces/websocket"
	"graphcollab/pkg/auth"
	"graphcollab/pkg/errors"
	"graphcollab/pkg/observability"
)

// Router creates and configures the HTTP router
type Router struct {
	sessions     *session.Manager
	commands     *commandbus.CommandBus
	queries      *querybus.QueryBus
	validator    *auth.Validator
	ws           *websocket.Server
	collector    *observability.Collector
	cfg          *config.Config
	logger       *zap.Logger
	errorHandler *errors.ErrorHandler
}

// NewRouter creates a new router instance. ws and collector may be nil.
func NewRouter(
	sessions *session.Manager,
	commands *commandbus.CommandBus,
	queries *querybus.QueryBus,
	validator *auth.Validator,
	ws *websocket.Server,
	collector *observability.Collector,
	cfg *config.Config,
	logger *zap.Logger,
	errorHandler *errors.ErrorHandler,
) *Router {
	return &Router{
		sessions:     sessions,
		commands:     commands,
		queries:      queries,
		validator:    validator,
		ws:           ws,
		collector:    collector,
		cfg:          cfg,
		logger:       logger,
		errorHandler: errorHandler,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	if rt.collector != nil {
		router.Use(middleware.Logger(rt.logger, rt.collector))
	} else {
		router.Use(middleware.Logger(rt.logger, nil))
	}

	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.cfg.WebSocket.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.collector != nil {
		router.Handle("/metrics", rt.collector.Handler())
	}
	if rt.ws != nil {
		router.Get("/ws", rt.ws.HandleWebSocket)
	}

	router.Route("/api/v2", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.validator, middleware.AuthOptions{
			TrustGateway:      rt.cfg.IsLambda,
			RequestsPerSecond: rt.cfg.WebSocket.MessagesPerSecond,
			Burst:             rt.cfg.WebSocket.Burst,
		}, rt.errorHandler, rt.logger))

		sessionHandler := handlers.NewSessionHandler(rt.sessions, rt.commands, rt.logger, rt.errorHandler)
		r.Post("/sessions", sessionHandler.Open)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Delete("/", sessionHandler.Close)
			r.Post("/heartbeat", sessionHandler.Heartbeat)
			r.Route("/entities/{entityID}", func(r chi.Router) {
				r.Patch("/fields", sessionHandler.FieldPatch)
				r.Put("/context", sessionHandler.ContextPatch)
				r.Delete("/context", sessionHandler.ContextClean)
				r.Post("/relations", sessionHandler.RelationAdd)
				r.Put("/relations", sessionHandler.RelationsSet)
				r.Delete("/relations/{relationID}", sessionHandler.RelationDelete)
			})
		})

		queryHandler := handlers.NewQueryHandler(rt.queries, rt.logger, rt.errorHandler)
		r.Route("/entities/{entityID}/relations", func(r chi.Router) {
			r.Post("/query", queryHandler.List)
			r.Post("/count", queryHandler.Count)
			r.Post("/timeseries", queryHandler.TimeSeries)
			r.Post("/distribution", queryHandler.Distribution)
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck reports not ready once the session manager is shutting down
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if rt.sessions.Closed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"shutting down"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
