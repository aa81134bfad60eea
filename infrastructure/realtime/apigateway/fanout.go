package apigateway

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphcollab/domain/events"
	"graphcollab/infrastructure/messaging/eventbridge"
	"graphcollab/pkg/observability"
)

// DefaultParallelism caps concurrent PostToConnection calls per event
const DefaultParallelism = 8

// PostAPI is the part of the management API client fan-out uses
type PostAPI interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Result counts what happened to one event
type Result struct {
	Delivered  int
	Stale      int
	Failed     int
	Suppressed int
}

// Fanout posts mirrored change events to every connection subscribed to the
// event's entity, except the originating user's own
type Fanout struct {
	registry    *Registry
	poster      PostAPI
	metrics     *observability.Metrics
	parallelism int
	logger      *zap.Logger
}

// NewFanout creates a fan-out. metrics may be nil.
func NewFanout(registry *Registry, poster PostAPI, metrics *observability.Metrics, parallelism int, logger *zap.Logger) *Fanout {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Fanout{
		registry:    registry,
		poster:      poster,
		metrics:     metrics,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Deliver sends one event. Gone connections are removed from the registry;
// other post failures are counted and logged, never returned.
func (f *Fanout) Deliver(ctx context.Context, env *eventbridge.Envelope) (Result, error) {
	start := time.Now()
	var res Result

	subs, err := f.registry.Subscribers(ctx, env.Topic.EntityID)
	if err != nil {
		return res, err
	}
	frame, err := events.EncodeRaw(env.Topic, env.Payload, env.Timestamp)
	if err != nil {
		return res, err
	}

	var delivered, stale, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for _, sub := range subs {
		if sub.UserID != "" && sub.UserID == env.OriginUserID {
			res.Suppressed++
			continue
		}
		connectionID := connectionIDOf(sub)
		g.Go(func() error {
			_, err := f.poster.PostToConnection(gctx, &apigatewaymanagementapi.PostToConnectionInput{
				ConnectionId: aws.String(connectionID),
				Data:         frame,
			})
			switch {
			case err == nil:
				delivered.Add(1)
			case isGone(err):
				stale.Add(1)
				f.logger.Info("Stale connection, removing", zap.String("connectionID", connectionID))
				if _, derr := f.registry.Disconnect(gctx, connectionID); derr != nil {
					f.logger.Warn("Failed to remove stale connection",
						zap.String("connectionID", connectionID),
						zap.Error(derr),
					)
				}
			default:
				failed.Add(1)
				f.logger.Warn("Failed to post to connection",
					zap.String("connectionID", connectionID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = int(delivered.Load())
	res.Stale = int(stale.Load())
	res.Failed = int(failed.Load())

	if f.metrics != nil {
		f.metrics.RecordFanout(ctx, string(env.Topic.Kind), res.Delivered, res.Stale, time.Since(start))
	}
	f.logger.Debug("Event fanned out",
		zap.String("topic", env.Topic.String()),
		zap.Int("delivered", res.Delivered),
		zap.Int("stale", res.Stale),
		zap.Int("failed", res.Failed),
		zap.Int("suppressed", res.Suppressed),
	)
	return res, nil
}

func isGone(err error) bool {
	var gone *apigwtypes.GoneException
	return errors.As(err, &gone)
}
