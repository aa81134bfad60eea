package di

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"go.uber.org/zap"

	"graphcollab/infrastructure/config"
	"graphcollab/infrastructure/realtime/apigateway"
	"graphcollab/interfaces/wsgateway"
	"graphcollab/pkg/observability"
)

// Gateway holds what the websocket Lambda functions need
type Gateway struct {
	Logger   *zap.Logger
	Handlers *wsgateway.Handlers
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// ProvideManagementClient creates the client that posts to websocket
// connections. It needs the API's callback endpoint.
func ProvideManagementClient(awsCfg aws.Config, cfg *config.Config) (*apigatewaymanagementapi.Client, error) {
	if cfg.WebSocketEndpoint == "" {
		return nil, fmt.Errorf("WEBSOCKET_API_ENDPOINT is required")
	}
	endpoint := cfg.WebSocketEndpoint
	return apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// InitializeGateway wires the websocket Lambda handlers. withFanout is set by
// the function that delivers change events; the connection routes do not
// post to connections and skip the management client.
func InitializeGateway(ctx context.Context, cfg *config.Config, withFanout bool) (*Gateway, error) {
	logger, err := ProvideLogger(cfg, ProvideLogLevel(cfg))
	if err != nil {
		return nil, err
	}
	awsCfg, err := ProvideAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := apigateway.NewRegistry(ProvideDynamoDBClient(awsCfg), cfg.ConnectionsTable, cfg.ConnectionsIndex, logger)
	validator, err := ProvideValidator(cfg, logger)
	if err != nil {
		return nil, err
	}

	var fanout *apigateway.Fanout
	if withFanout {
		poster, err := ProvideManagementClient(awsCfg, cfg)
		if err != nil {
			return nil, err
		}
		var metrics *observability.Metrics
		if cfg.EnableMetrics {
			metrics = observability.NewMetrics(cfg.MetricsNamespace, ProvideCloudWatchClient(awsCfg), logger)
		}
		fanout = apigateway.NewFanout(registry, poster, metrics, apigateway.DefaultParallelism, logger)
	}

	return &Gateway{
		Logger:   logger,
		Handlers: wsgateway.NewHandlers(registry, fanout, validator, logger),
	}, nil
}
