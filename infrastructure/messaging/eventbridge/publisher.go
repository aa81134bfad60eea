// Package eventbridge mirrors committed change events onto an EventBridge bus
// so that peers outside this process (websocket fan-out lambdas, audit
// consumers) see the same stream as local subscribers.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"graphcollab/application/ports"
	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

// Source is the EventBridge source of every mirrored event
const Source = "graphcollab.collab"

// maxBatch is the PutEvents entry limit
const maxBatch = 10

// API is the subset of the EventBridge client the publisher uses
type API interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher implements ports.EventPublisher on EventBridge
type Publisher struct {
	client       API
	eventBusName string
	logger       *zap.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher for the named bus
func NewPublisher(client API, eventBusName string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:       client,
		eventBusName: eventBusName,
		logger:       logger,
	}
}

// Publish sends a single event
func (p *Publisher) Publish(ctx context.Context, event events.ChangeEvent) error {
	return p.PublishBatch(ctx, []events.ChangeEvent{event})
}

// PublishBatch sends events in chunks of ten, stopping at the first failed chunk
func (p *Publisher) PublishBatch(ctx context.Context, batch []events.ChangeEvent) error {
	for i := 0; i < len(batch); i += maxBatch {
		end := i + maxBatch
		if end > len(batch) {
			end = len(batch)
		}
		if err := p.putEvents(ctx, batch[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) putEvents(ctx context.Context, batch []events.ChangeEvent) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(batch))
	for _, event := range batch {
		detail, err := json.Marshal(event)
		if err != nil {
			p.logger.Error("Failed to marshal change event",
				zap.Error(err),
				zap.String("topic", event.Topic.String()),
			)
			return apperrors.NewInternalError("change event is not serializable").WithCause(err)
		}
		ts := event.Timestamp
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(Source),
			DetailType:   aws.String(event.EventType()),
			Detail:       aws.String(string(detail)),
			Time:         &ts,
			Resources:    []string{event.EntityID},
		})
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return apperrors.NewTransientStoreError("putEvents", err)
	}

	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode == nil {
				continue
			}
			p.logger.Error("Change event rejected by EventBridge",
				zap.String("topic", batch[i].Topic.String()),
				zap.String("errorCode", aws.ToString(entry.ErrorCode)),
				zap.String("errorMessage", aws.ToString(entry.ErrorMessage)),
			)
		}
		return apperrors.NewTransientStoreError("putEvents",
			fmt.Errorf("%d of %d events failed", out.FailedEntryCount, len(entries)))
	}

	p.logger.Debug("Change events mirrored",
		zap.Int("count", len(entries)),
		zap.String("eventBus", p.eventBusName),
	)
	return nil
}

// Envelope is a mirrored event as read back from an EventBridge detail. The
// payload stays raw because its shape depends on the topic kind.
type Envelope struct {
	Topic        events.Topic    `json:"topic"`
	EntityID     string          `json:"entity_id"`
	OriginUserID string          `json:"origin_user_id"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DecodeDetail parses the detail of a mirrored event
func DecodeDetail(detail []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(detail, &env); err != nil {
		return nil, apperrors.NewValidationError("malformed change event detail").WithCause(err)
	}
	if env.Topic.EntityID == "" || env.Topic.Kind == "" {
		return nil, apperrors.NewValidationError("change event detail has no topic")
	}
	return &env, nil
}
