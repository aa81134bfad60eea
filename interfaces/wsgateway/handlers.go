// Package wsgateway holds the Lambda handlers behind an API Gateway
// websocket API. Connections subscribe to entities through the $default
// route; edits go through the REST API; change events arrive from
// EventBridge and are posted back to subscribers.
package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	domainevents "graphcollab/domain/events"
	"graphcollab/infrastructure/messaging/eventbridge"
	"graphcollab/infrastructure/realtime/apigateway"
	"graphcollab/interfaces/websocket"
	"graphcollab/pkg/auth"
	apperrors "graphcollab/pkg/errors"
)

// Handlers serves the websocket routes and the EventBridge target
type Handlers struct {
	registry  *apigateway.Registry
	fanout    *apigateway.Fanout
	validator *auth.Validator
	logger    *zap.Logger
}

// NewHandlers creates the handlers. fanout is only needed by Send and
// validator only by Connect.
func NewHandlers(registry *apigateway.Registry, fanout *apigateway.Fanout, validator *auth.Validator, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry:  registry,
		fanout:    fanout,
		validator: validator,
		logger:    logger,
	}
}

func respond(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: body}
}

// frame renders a reply frame; encoding failures leave the body empty
func frame(t domainevents.FrameType, requestID string, data interface{}) string {
	f := domainevents.Frame{Type: t, RequestID: requestID, Timestamp: time.Now().Unix()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ""
		}
		f.Data = raw
	}
	out, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return string(out)
}

// Connect authenticates the token query parameter and records the connection
func (h *Handlers) Connect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID
	token := req.QueryStringParameters["token"]
	if token == "" {
		token = req.Headers["Authorization"]
	}

	user, err := h.validator.Validate(token)
	if err != nil {
		h.logger.Warn("Websocket connection rejected",
			zap.String("connectionID", connectionID),
			zap.Error(err),
		)
		return respond(http.StatusUnauthorized, ""), nil
	}

	if err := h.registry.Connect(ctx, connectionID, user.UserID); err != nil {
		h.logger.Error("Failed to record connection",
			zap.String("connectionID", connectionID),
			zap.Error(err),
		)
		return respond(http.StatusInternalServerError, ""), nil
	}

	h.logger.Info("Websocket connected",
		zap.String("connectionID", connectionID),
		zap.String("userID", user.UserID),
	)
	return respond(http.StatusOK, ""), nil
}

// Disconnect removes the connection and its subscriptions
func (h *Handlers) Disconnect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID
	if _, err := h.registry.Disconnect(ctx, connectionID); err != nil {
		h.logger.Error("Failed to remove connection",
			zap.String("connectionID", connectionID),
			zap.Error(err),
		)
		return respond(http.StatusInternalServerError, ""), nil
	}
	return respond(http.StatusOK, ""), nil
}

// Default handles subscribe, unsubscribe and heartbeat messages. The
// response body is returned to the client when the route has a response.
func (h *Handlers) Default(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID

	msg, err := websocket.ParseInbound([]byte(req.Body))
	if err != nil {
		return h.errorResponse("", err), nil
	}

	switch msg.Type {
	case websocket.MsgHeartbeat, websocket.MsgPong:
		return respond(http.StatusOK, frame(domainevents.FramePong, msg.RequestID, nil)), nil

	case websocket.MsgSubscribe:
		conn, err := h.registry.Lookup(ctx, connectionID)
		if err != nil {
			return h.errorResponse(msg.RequestID, err), nil
		}
		for _, entityID := range msg.EntityIDs {
			if err := h.registry.Subscribe(ctx, connectionID, conn.UserID, entityID); err != nil {
				return h.errorResponse(msg.RequestID, err), nil
			}
		}

	case websocket.MsgUnsubscribe:
		for _, entityID := range msg.EntityIDs {
			if err := h.registry.Unsubscribe(ctx, connectionID, entityID); err != nil {
				return h.errorResponse(msg.RequestID, err), nil
			}
		}

	default:
		err := apperrors.NewValidationError("edits are sent through the REST API on this endpoint").
			WithCode("UNSUPPORTED_MESSAGE")
		return h.errorResponse(msg.RequestID, err), nil
	}

	return respond(http.StatusOK, frame(domainevents.FrameAck, msg.RequestID, map[string]interface{}{"entityIds": msg.EntityIDs})), nil
}

func (h *Handlers) errorResponse(requestID string, err error) events.APIGatewayProxyResponse {
	h.logger.Debug("Websocket message failed",
		zap.String("requestID", requestID),
		zap.Error(err),
	)
	status, body := apperrors.Describe(err)
	return respond(status, frame(domainevents.FrameError, requestID, body))
}

// Send fans one mirrored change event out to subscribed connections. A
// malformed event is logged and dropped so EventBridge does not retry it.
func (h *Handlers) Send(ctx context.Context, event events.EventBridgeEvent) error {
	env, err := eventbridge.DecodeDetail(event.Detail)
	if err != nil {
		h.logger.Error("Dropping malformed change event",
			zap.String("eventID", event.ID),
			zap.String("detailType", event.DetailType),
			zap.Error(err),
		)
		return nil
	}

	res, err := h.fanout.Deliver(ctx, env)
	if err != nil {
		return err
	}
	h.logger.Info("Change event delivered",
		zap.String("topic", env.Topic.String()),
		zap.Int("delivered", res.Delivered),
		zap.Int("stale", res.Stale),
		zap.Int("failed", res.Failed),
	)
	return nil
}
