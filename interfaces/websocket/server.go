package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"graphcollab/application/commands/bus"
	"graphcollab/application/session"
	"graphcollab/infrastructure/config"
	"graphcollab/pkg/auth"
	apperrors "graphcollab/pkg/errors"
)

// maxUserConnections bounds the tabs one user may keep open
const maxUserConnections = 10

// Server upgrades authenticated requests and opens a session per connection
type Server struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	validator *auth.Validator
	sessions  *session.Manager
	commands  *bus.CommandBus
	cfg       config.WebSocketConfig
	errors    *apperrors.ErrorHandler
	logger    *zap.Logger
}

// NewServer creates the websocket endpoint
func NewServer(
	hub *Hub,
	validator *auth.Validator,
	sessions *session.Manager,
	commands *bus.CommandBus,
	cfg config.WebSocketConfig,
	errorHandler *apperrors.ErrorHandler,
	logger *zap.Logger,
) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		validator: validator,
		sessions:  sessions,
		commands:  commands,
		cfg:       cfg,
		errors:    errorHandler,
		logger:    logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Hub returns the connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// HandleWebSocket authenticates, upgrades and starts a client
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.validator.Validate(auth.TokenFromRequest(r))
	if err != nil {
		s.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		s.errors.Handle(w, r, err)
		return
	}

	if s.cfg.MaxConnections > 0 && s.hub.Count() >= s.cfg.MaxConnections {
		s.errors.Handle(w, r, apperrors.NewRateLimitError(s.cfg.MaxConnections, "server"))
		return
	}
	if s.hub.UserConnections(user.UserID) >= maxUserConnections {
		s.logger.Warn("Connection limit exceeded for user", zap.String("userID", user.UserID))
		s.errors.Handle(w, r, apperrors.NewRateLimitError(maxUserConnections, "user"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		return
	}

	sess, err := s.sessions.Open(r.Context(), user.UserID)
	if err != nil {
		conn.Close()
		return
	}

	client := NewClient(sess, s.hub, conn, s.commands, ClientOptions{
		MaxMessageSize:    s.cfg.MaxMessageSize,
		QueueSize:         s.cfg.MessageQueueSize,
		MessagesPerSecond: s.cfg.MessagesPerSecond,
		Burst:             s.cfg.Burst,
		PingInterval:      s.cfg.HeartbeatInterval,
	}, s.logger)
	client.Start()

	s.logger.Info("WebSocket connection established",
		zap.String("userID", user.UserID),
		zap.String("connectionID", client.ID()),
		zap.String("sessionID", sess.ID),
	)
}
