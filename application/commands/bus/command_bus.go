// Package bus routes edit commands to their handlers by concrete type.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
)

// Command is an edit intent. Commands with results are sent by pointer and
// the handler fills the result fields.
type Command interface {
	Validate() error
}

// Scoped commands contribute log fields identifying who sent them
type Scoped interface {
	LogFields() []zap.Field
}

type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) error
}

type CommandHandlerFunc func(ctx context.Context, cmd Command) error

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Handle adapts a handler for one concrete command type. The bus only
// dispatches C to it, so a mismatch is a registration bug.
func Handle[C Command](fn func(ctx context.Context, cmd C) error) CommandHandler {
	return CommandHandlerFunc(func(ctx context.Context, cmd Command) error {
		c, ok := cmd.(C)
		if !ok {
			return apperrors.NewInternalError(fmt.Sprintf("handler for %T received %T", *new(C), cmd))
		}
		return fn(ctx, c)
	})
}

type Middleware func(next CommandHandler) CommandHandler

// CommandBus dispatches commands; the registry is keyed by reflect.Type so a
// value and a pointer of the same struct are distinct commands.
type CommandBus struct {
	mu          sync.RWMutex
	handlers    map[reflect.Type]CommandHandler
	middlewares []Middleware
}

// NewCommandBus creates a bus. The first middleware is the outermost.
func NewCommandBus(middlewares ...Middleware) *CommandBus {
	return &CommandBus{
		handlers:    make(map[reflect.Type]CommandHandler),
		middlewares: middlewares,
	}
}

// Register binds a handler to the type of prototype
func (b *CommandBus) Register(prototype Command, handler CommandHandler) error {
	t := reflect.TypeOf(prototype)
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		handler = b.middlewares[i](handler)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[t]; dup {
		return fmt.Errorf("command %s already has a handler", t)
	}
	b.handlers[t] = handler
	return nil
}

// Send validates cmd and runs its handler. Validation failures keep their
// AppError type.
func (b *CommandBus) Send(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return apperrors.Wrap(err, "invalid "+Name(cmd))
	}

	b.mu.RLock()
	handler, ok := b.handlers[reflect.TypeOf(cmd)]
	b.mu.RUnlock()
	if !ok {
		return apperrors.NewInternalError(fmt.Sprintf("no handler for command %T", cmd))
	}

	return handler.Handle(ctx, cmd)
}

// Name renders a command type for logs: *commands.RelationAddCommand
// becomes "RelationAdd".
func Name(cmd Command) string {
	t := reflect.TypeOf(cmd)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.TrimSuffix(t.Name(), "Command")
}

// LoggingMiddleware logs failures at warn and successes at debug, with the
// sender's scope when the command has one.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) error {
			start := time.Now()
			err := next.Handle(ctx, cmd)

			fields := []zap.Field{
				zap.String("command", Name(cmd)),
				zap.Duration("duration", time.Since(start)),
			}
			if s, ok := cmd.(Scoped); ok {
				fields = append(fields, s.LogFields()...)
			}
			if err != nil {
				logger.Warn("Command failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("Command handled", fields...)
			return nil
		})
	}
}
