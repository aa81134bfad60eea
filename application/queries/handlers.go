package queries

import (
	"context"

	"graphcollab/application/queries/bus"
	"graphcollab/application/query"
	"graphcollab/domain/graph"
)

// Handlers answers relation queries with the query engine
type Handlers struct {
	engine *query.Engine
}

// NewHandlers creates the query handlers
func NewHandlers(engine *query.Engine) *Handlers {
	return &Handlers{engine: engine}
}

// Register binds every query type to its handler
func (h *Handlers) Register(b *bus.QueryBus) error {
	registrations := []struct {
		query   bus.Query
		handler bus.QueryHandler
	}{
		{ListRelationsQuery{}, bus.Handle(h.list)},
		{CountRelationsQuery{}, bus.Handle(h.count)},
		{TimeSeriesQuery{}, bus.Handle(h.timeSeries)},
		{DistributionQuery{}, bus.Handle(h.distribution)},
	}
	for _, r := range registrations {
		if err := b.Register(r.query, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) list(ctx context.Context, q ListRelationsQuery) (*graph.EdgeConnection, error) {
	return h.engine.List(ctx, q.Request)
}

func (h *Handlers) count(ctx context.Context, q CountRelationsQuery) (CountResult, error) {
	n, err := h.engine.Count(ctx, q.Request)
	if err != nil {
		return CountResult{}, err
	}
	return CountResult{Count: n}, nil
}

func (h *Handlers) timeSeries(ctx context.Context, q TimeSeriesQuery) ([]query.TimeSeriesPoint, error) {
	return h.engine.TimeSeries(ctx, q.Request, q.Interval)
}

func (h *Handlers) distribution(ctx context.Context, q DistributionQuery) ([]query.DistributionPoint, error) {
	return h.engine.Distribution(ctx, q.Request, q.Field)
}
