package di

import (
	"context"
	"time"

	"go.uber.org/zap"

	"graphcollab/application/broadcast"
	"graphcollab/application/commands/bus"
	"graphcollab/application/ports"
	"graphcollab/application/presence"
	querybus "graphcollab/application/queries/bus"
	"graphcollab/application/session"
	"graphcollab/infrastructure/config"
	"graphcollab/interfaces/http/rest"
	"graphcollab/interfaces/websocket"
	"graphcollab/pkg/auth"
	"graphcollab/pkg/errors"
	"graphcollab/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	LogLevel     zap.AtomicLevel
	Logger       *zap.Logger
	ErrorHandler *errors.ErrorHandler
	Store        ports.GraphStore
	Bus          *broadcast.Bus
	Tracker      *presence.Tracker
	Sessions     *session.Manager
	CommandBus   *bus.CommandBus
	QueryBus     *querybus.QueryBus
	Collector    *observability.Collector
	Validator    *auth.Validator
	Hub          *websocket.Hub
	WebSocket    *websocket.Server
	Router       *rest.Router
	Watcher      *config.Watcher
}

// Start launches the background loops: presence expiry, session liveness,
// the websocket hub and the config watcher. They stop when ctx is done.
func (c *Container) Start(ctx context.Context) {
	c.Collector.WatchGauge(c.Config.MetricsNamespace, "websocket_connections",
		"Open websocket connections", func() float64 { return float64(c.Hub.Count()) })
	c.Collector.WatchGauge(c.Config.MetricsNamespace, "presence_claims",
		"Live focus claims", func() float64 { return float64(c.Tracker.ClaimCount()) })

	go c.Tracker.Run(ctx, c.Config.Collab.SweepInterval)
	go c.Sessions.Run(ctx, c.Config.Collab.SweepInterval)
	go c.Hub.Run()
	if c.Watcher != nil {
		c.Watcher.Start()
	}
	c.Logger.Info("Background workers started",
		zap.Duration("sweepInterval", c.Config.Collab.SweepInterval),
		zap.Duration("presenceTTL", c.Config.Collab.PresenceTTL),
	)
}

// Shutdown commits pending edits of every session, then closes the
// websocket connections
func (c *Container) Shutdown(ctx context.Context) {
	start := time.Now()
	c.Sessions.Shutdown(ctx)
	c.Hub.Stop()
	if c.Watcher != nil {
		c.Watcher.Stop()
	}
	c.Logger.Info("Container shut down", zap.Duration("took", time.Since(start)))
}
