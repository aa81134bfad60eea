package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// CloudWatchAPI is the part of the CloudWatch client Metrics uses
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics publishes serverless fan-out metrics to CloudWatch. A nil client
// disables it.
type Metrics struct {
	namespace string
	client    CloudWatchAPI
	logger    *zap.Logger
}

// NewMetrics creates a new metrics instance
func NewMetrics(namespace string, client CloudWatchAPI, logger *zap.Logger) *Metrics {
	return &Metrics{
		namespace: namespace,
		client:    client,
		logger:    logger,
	}
}

// RecordFanout records one event delivered to websocket connections
func (m *Metrics) RecordFanout(ctx context.Context, kind string, delivered, stale int, latency time.Duration) {
	if m.client == nil {
		return
	}

	now := aws.Time(time.Now())
	dims := []types.Dimension{{Name: aws.String("EventKind"), Value: aws.String(kind)}}
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String("FanoutDelivered"),
				Dimensions: dims,
				Value:      aws.Float64(float64(delivered)),
				Unit:       types.StandardUnitCount,
				Timestamp:  now,
			},
			{
				MetricName: aws.String("FanoutStaleConnections"),
				Dimensions: dims,
				Value:      aws.Float64(float64(stale)),
				Unit:       types.StandardUnitCount,
				Timestamp:  now,
			},
			{
				MetricName: aws.String("FanoutLatency"),
				Dimensions: dims,
				Value:      aws.Float64(float64(latency.Milliseconds())),
				Unit:       types.StandardUnitMilliseconds,
				Timestamp:  now,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Warn("Failed to send metrics", zap.Error(err))
	}
}
