package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"graphcollab/application/broadcast"
	"graphcollab/application/commands"
	"graphcollab/application/commands/bus"
	"graphcollab/application/session"
	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Default ping period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	closeTimeout = 5 * time.Second
)

// ClientOptions are the per-connection limits
type ClientOptions struct {
	MaxMessageSize    int64
	QueueSize         int
	MessagesPerSecond float64
	Burst             int
	PingInterval      time.Duration
}

// Client is one websocket connection and the edit session it owns
type Client struct {
	id       string
	userID   string
	hub      *Hub
	conn     *websocket.Conn
	session  *session.Session
	commands *bus.CommandBus
	limiter  *rate.Limiter
	opts     ClientOptions

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*broadcast.Subscription // entityID -> subscription

	logger *zap.Logger
}

// NewClient binds a connection to an open session
func NewClient(s *session.Session, hub *Hub, conn *websocket.Conn, cmds *bus.CommandBus, opts ClientOptions, logger *zap.Logger) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= pongWait {
		opts.PingInterval = pingPeriod
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.MessagesPerSecond) * 2
	}
	id := uuid.New().String()
	return &Client{
		id:       id,
		userID:   s.UserID,
		hub:      hub,
		conn:     conn,
		session:  s,
		commands: cmds,
		limiter:  rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.Burst),
		opts:     opts,
		send:     make(chan []byte, opts.QueueSize),
		done:     make(chan struct{}),
		subs:     make(map[string]*broadcast.Subscription),
		logger: logger.With(
			zap.String("userID", s.UserID),
			zap.String("connectionID", id),
			zap.String("sessionID", s.ID),
		),
	}
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// Start registers the client and runs its pumps
func (c *Client) Start() {
	c.hub.register <- c

	go c.writePump()
	go c.readPump()
	go c.errorPump()

	c.sendFrame(events.FrameConnectionEstablished, "", map[string]string{
		"connectionId": c.id,
		"sessionId":    c.session.ID,
		"userId":       c.userID,
	})
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.ctx.Done():
		c.shutdown(true)
	}
}

// shutdown closes the session and the socket once. A graceful close commits
// pending field edits first.
func (c *Client) shutdown(graceful bool) {
	c.closeOnce.Do(func() {
		close(c.done)

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.session.Close(ctx, graceful); err != nil {
			c.logger.Warn("Session did not close cleanly", zap.Error(err))
		}
		c.conn.Close()
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		c.logger.Info("Read pump stopped")
	}()

	if c.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		_ = c.session.Heartbeat()
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("Binary messages not supported")
			continue
		}
		c.handle(c.session.Context(), message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// errorPump reports asynchronous commit failures. The session's error
// channel closes with the session, which also ends the connection.
func (c *Client) errorPump() {
	for ce := range c.session.Errors() {
		c.sendError("", ce.Err, map[string]interface{}{
			"entityId": ce.Edit.EntityID,
			"field":    ce.Edit.FieldName,
			"value":    ce.Edit.Value,
		})
	}
	c.leave()
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// disconnected.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("Closing slow client")
		go c.leave()
		return false
	}
}

func (c *Client) sendFrame(t events.FrameType, requestID string, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			c.logger.Error("Failed to marshal frame", zap.String("type", string(t)), zap.Error(err))
			return
		}
		raw = b
	}
	frame, err := json.Marshal(events.Frame{Type: t, RequestID: requestID, Data: raw, Timestamp: time.Now().Unix()})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendError(requestID string, err error, details map[string]interface{}) {
	_, body := apperrors.Describe(err)
	if details != nil {
		body.Details = details
	}
	c.sendFrame(events.FrameError, requestID, body)
}

func (c *Client) handle(ctx context.Context, data []byte) {
	msg, err := ParseInbound(data)
	if err != nil {
		c.sendError("", err, nil)
		return
	}
	if !c.limiter.Allow() {
		c.sendError(msg.RequestID, apperrors.NewRateLimitError(int(c.opts.MessagesPerSecond), "second"), nil)
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		snapshots, err := c.subscribe(ctx, msg.EntityIDs)
		if err != nil {
			c.sendError(msg.RequestID, err, nil)
			return
		}
		c.sendFrame(events.FrameAck, msg.RequestID, map[string]interface{}{"presence": snapshots})
		return
	case MsgUnsubscribe:
		c.unsubscribe(ctx, msg.EntityIDs)
		c.sendFrame(events.FrameAck, msg.RequestID, nil)
		return
	}

	cmd, err := msg.Command(commands.SessionScope{SessionID: c.session.ID, UserID: c.userID})
	if err != nil {
		c.sendError(msg.RequestID, err, nil)
		return
	}
	if err := c.commands.Send(ctx, cmd); err != nil {
		details := map[string]interface{}{"entityId": msg.EntityID}
		if set, ok := cmd.(*commands.RelationsSetCommand); ok && set.Partial() {
			for k, v := range result(set).(map[string]interface{}) {
				details[k] = v
			}
		}
		c.sendError(msg.RequestID, err, details)
		return
	}
	if msg.Type == MsgPong {
		return
	}
	c.sendFrame(events.FrameAck, msg.RequestID, result(cmd))
}

// subscribe starts one pump per new entity and returns the entities' current
// focus claims
func (c *Client) subscribe(ctx context.Context, entityIDs []string) ([]events.PresencePayload, error) {
	if len(entityIDs) == 0 {
		return nil, apperrors.NewValidationError("entityIds is required")
	}
	snapshots := make([]events.PresencePayload, 0, len(entityIDs))
	for _, id := range entityIDs {
		c.mu.Lock()
		_, exists := c.subs[id]
		c.mu.Unlock()
		if !exists {
			sub, err := c.session.Subscribe(ctx, id)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.subs[id] = sub
			c.mu.Unlock()
			go c.pump(id, sub)
		}
		snapshots = append(snapshots, c.session.Presence(id))
	}
	return snapshots, nil
}

func (c *Client) unsubscribe(ctx context.Context, entityIDs []string) {
	for _, id := range entityIDs {
		c.mu.Lock()
		sub, ok := c.subs[id]
		delete(c.subs, id)
		c.mu.Unlock()
		if ok {
			c.session.Unsubscribe(ctx, sub)
		}
	}
}

// pump forwards one subscription's events. When the bus reports dropped
// events the client is told to re-fetch the entity.
func (c *Client) pump(entityID string, sub *broadcast.Subscription) {
	for event := range sub.Events() {
		if err := sub.Err(); err != nil {
			c.sendFrame(events.FrameResync, "", map[string]interface{}{
				"entityId": entityID,
				"reason":   apperrors.GetAppError(err).Message,
			})
			sub.ResetLost()
		}
		frame, err := events.EncodeEvent(event)
		if err != nil {
			c.logger.Error("Failed to encode event", zap.String("topic", event.Topic.String()), zap.Error(err))
			continue
		}
		if !c.enqueue(frame) {
			return
		}
	}
}

// Subscriptions returns the subscribed entity count
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
