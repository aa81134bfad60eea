// Package resilient decorates a GraphStore with a circuit breaker, tracing
// and store metrics.
package resilient

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"graphcollab/application/ports"
	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
	"graphcollab/pkg/observability"
)

// Observer receives one call per store operation
type Observer interface {
	StoreObserved(operation string, err error, elapsed time.Duration)
	BreakerChanged(name string, state int)
}

type nopObserver struct{}

func (nopObserver) StoreObserved(string, error, time.Duration) {}
func (nopObserver) BreakerChanged(string, int)                 {}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration for the store breaker
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
}

// Store wraps a GraphStore
type Store struct {
	next     ports.GraphStore
	breaker  *gobreaker.CircuitBreaker
	tracer   *observability.Tracer
	observer Observer
	logger   *zap.Logger
}

var _ ports.GraphStore = (*Store)(nil)

// NewStore wraps next. tracer and observer may be nil.
func NewStore(next ports.GraphStore, cfg BreakerConfig, tracer *observability.Tracer, observer Observer, logger *zap.Logger) *Store {
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Store{
		next:     next,
		tracer:   tracer,
		observer: observer,
		logger:   logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			observer.BreakerChanged(name, int(to))
		},
		// Only store unavailability trips the breaker; domain answers such as
		// not found or conflict are successful round trips.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsTransient(err)
		},
	})
	return s
}

// State returns the breaker state
func (s *Store) State() gobreaker.State {
	return s.breaker.State()
}

func (s *Store) call(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	var result interface{}
	err := s.tracer.TraceFunction(ctx, "store."+op, func(ctx context.Context) error {
		var err error
		result, err = s.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		return err
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = apperrors.NewTransientStoreError(op, err)
	}
	s.observer.StoreObserved(op, err, time.Since(start))
	return result, err
}

func (s *Store) connection(ctx context.Context, op string, fn func(context.Context) (*graph.EdgeConnection, error)) (*graph.EdgeConnection, error) {
	result, err := s.call(ctx, op, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	conn, _ := result.(*graph.EdgeConnection)
	return conn, nil
}

// GetByID implements ports.GraphStore
func (s *Store) GetByID(ctx context.Context, id string) (*graph.Entity, error) {
	result, err := s.call(ctx, "getById", func(ctx context.Context) (interface{}, error) {
		return s.next.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	entity, _ := result.(*graph.Entity)
	return entity, nil
}

// FindAll implements ports.GraphStore
func (s *Store) FindAll(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	return s.connection(ctx, "findAll", func(ctx context.Context) (*graph.EdgeConnection, error) {
		return s.next.FindAll(ctx, filter)
	})
}

// FindAllWithInferences implements ports.GraphStore
func (s *Store) FindAllWithInferences(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	return s.connection(ctx, "findAllWithInferences", func(ctx context.Context) (*graph.EdgeConnection, error) {
		return s.next.FindAllWithInferences(ctx, filter)
	})
}

// Search implements ports.GraphStore
func (s *Store) Search(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	return s.connection(ctx, "search", func(ctx context.Context) (*graph.EdgeConnection, error) {
		return s.next.Search(ctx, filter)
	})
}

// CreateRelation implements ports.GraphStore
func (s *Store) CreateRelation(ctx context.Context, input graph.RelationInput) (string, error) {
	result, err := s.call(ctx, "createRelation", func(ctx context.Context) (interface{}, error) {
		return s.next.CreateRelation(ctx, input)
	})
	if err != nil {
		return "", err
	}
	id, _ := result.(string)
	return id, nil
}

// DeleteRelation implements ports.GraphStore
func (s *Store) DeleteRelation(ctx context.Context, relationID string) error {
	_, err := s.call(ctx, "deleteRelation", func(ctx context.Context) (interface{}, error) {
		return nil, s.next.DeleteRelation(ctx, relationID)
	})
	return err
}

// PatchAttribute implements ports.GraphStore
func (s *Store) PatchAttribute(ctx context.Context, entityID, name string, value interface{}) (*graph.Entity, error) {
	result, err := s.call(ctx, "patchAttribute", func(ctx context.Context) (interface{}, error) {
		return s.next.PatchAttribute(ctx, entityID, name, value)
	})
	if err != nil {
		return nil, err
	}
	entity, _ := result.(*graph.Entity)
	return entity, nil
}
