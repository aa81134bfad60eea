//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"graphcollab/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogLevel,
	ProvideLogger,
	ProvideErrorHandler,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCollector,
	ProvideTracer,
	ProvideGraphStore,
	ProvideBroadcastBus,
	ProvidePresenceTracker,
	ProvideApplier,
	ProvideEventMirror,
	ProvideSessionManager,
	ProvideCommandBus,
	ProvideQueryEngine,
	ProvideQueryBus,
	ProvideValidator,
	ProvideHub,
	ProvideWebSocketServer,
	ProvideRouter,
	ProvideWatcher,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
