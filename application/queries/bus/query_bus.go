package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
)

// Query is a read against the relation engine. Validate runs before the
// handler so handlers only see well-formed requests.
type Query interface {
	Validate() error
}

type QueryHandler interface {
	Handle(ctx context.Context, query Query) (interface{}, error)
}

type QueryHandlerFunc func(ctx context.Context, query Query) (interface{}, error)

func (f QueryHandlerFunc) Handle(ctx context.Context, query Query) (interface{}, error) {
	return f(ctx, query)
}

// Handle adapts a typed handler for one concrete query type
func Handle[Q Query, R any](fn func(ctx context.Context, query Q) (R, error)) QueryHandler {
	return QueryHandlerFunc(func(ctx context.Context, query Query) (interface{}, error) {
		q, ok := query.(Q)
		if !ok {
			return nil, apperrors.NewInternalError(fmt.Sprintf("handler for %T received %T", *new(Q), query))
		}
		result, err := fn(ctx, q)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

type Middleware func(next QueryHandler) QueryHandler

// QueryBus dispatches queries by concrete type
type QueryBus struct {
	mu          sync.RWMutex
	handlers    map[reflect.Type]QueryHandler
	middlewares []Middleware
}

func NewQueryBus(middlewares ...Middleware) *QueryBus {
	return &QueryBus{
		handlers:    make(map[reflect.Type]QueryHandler),
		middlewares: middlewares,
	}
}

// Register binds a handler to the type of prototype
func (b *QueryBus) Register(prototype Query, handler QueryHandler) error {
	t := reflect.TypeOf(prototype)
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		handler = b.middlewares[i](handler)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[t]; dup {
		return fmt.Errorf("query %s already has a handler", t)
	}
	b.handlers[t] = handler
	return nil
}

// Ask validates query and returns its handler's result
func (b *QueryBus) Ask(ctx context.Context, query Query) (interface{}, error) {
	if err := query.Validate(); err != nil {
		return nil, apperrors.Wrapf(err, "invalid %T", query)
	}

	b.mu.RLock()
	handler, ok := b.handlers[reflect.TypeOf(query)]
	b.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewInternalError(fmt.Sprintf("no handler for query %T", query))
	}

	return handler.Handle(ctx, query)
}

// LoggingMiddleware warns on failures and reports queries slower than slow.
// A zero slow disables the slow-query log.
func LoggingMiddleware(logger *zap.Logger, slow time.Duration) Middleware {
	return func(next QueryHandler) QueryHandler {
		return QueryHandlerFunc(func(ctx context.Context, query Query) (interface{}, error) {
			start := time.Now()
			result, err := next.Handle(ctx, query)
			elapsed := time.Since(start)

			if err != nil {
				logger.Warn("Query failed",
					zap.String("query", fmt.Sprintf("%T", query)),
					zap.Duration("duration", elapsed),
					zap.Error(err),
				)
			} else if slow > 0 && elapsed > slow {
				logger.Info("Slow query",
					zap.String("query", fmt.Sprintf("%T", query)),
					zap.Duration("duration", elapsed),
				)
			}
			return result, err
		})
	}
}
