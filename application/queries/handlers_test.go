package queries

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphcollab/application/queries/bus"
	"graphcollab/application/query"
	"graphcollab/domain/graph"
	"graphcollab/infrastructure/persistence/memory"
	apperrors "graphcollab/pkg/errors"
)

func setup(t *testing.T) *bus.QueryBus {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore(nil, logger)
	for _, e := range []*graph.Entity{
		{ID: "I1", Type: "Intrusion-Set"},
		{ID: "O1", Type: "Organization", Attributes: map[string]interface{}{"name": "Acme", "country": "FR"}},
		{ID: "O2", Type: "Organization", Attributes: map[string]interface{}{"name": "Globex", "country": "FR"}},
		{ID: "O3", Type: "Organization", Attributes: map[string]interface{}{"name": "Initech", "country": "US"}},
	} {
		store.PutEntity(e)
	}
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	store.PutRelation(graph.Relation{ID: "t1", FromID: "I1", ToID: "O1", RelationType: "targets", FirstSeen: day})
	store.PutRelation(graph.Relation{ID: "t2", FromID: "I1", ToID: "O2", RelationType: "targets", FirstSeen: day.Add(48 * time.Hour)})
	store.PutRelation(graph.Relation{ID: "t3", FromID: "I1", ToID: "O3", RelationType: "targets", FirstSeen: day.Add(48 * time.Hour)})

	queryBus := bus.NewQueryBus(bus.LoggingMiddleware(logger, time.Second))
	require.NoError(t, NewHandlers(query.NewEngine(store, logger)).Register(queryBus))
	return queryBus
}

func TestQueries_AllOperationsShareTheEdgeSet(t *testing.T) {
	// Arrange
	queryBus := setup(t)
	ctx := context.Background()
	req := query.Request{FromID: "I1", RelationType: "targets"}

	// Act
	listed, err := queryBus.Ask(ctx, ListRelationsQuery{Request: req})
	require.NoError(t, err)
	counted, err := queryBus.Ask(ctx, CountRelationsQuery{Request: req})
	require.NoError(t, err)
	series, err := queryBus.Ask(ctx, TimeSeriesQuery{Request: req, Interval: query.IntervalDay})
	require.NoError(t, err)
	dist, err := queryBus.Ask(ctx, DistributionQuery{Request: req, Field: "country"})
	require.NoError(t, err)

	// Assert
	assert.Len(t, listed.(*graph.EdgeConnection).Edges, 3)
	assert.Equal(t, CountResult{Count: 3}, counted)

	points := series.([]query.TimeSeriesPoint)
	require.Len(t, points, 3)
	assert.Equal(t, []int{1, 0, 2}, []int{points[0].Value, points[1].Value, points[2].Value})

	assert.Equal(t, []query.DistributionPoint{{Label: "FR", Value: 2}, {Label: "US", Value: 1}}, dist)
}

func TestQueries_Validation(t *testing.T) {
	queryBus := setup(t)
	ctx := context.Background()

	_, err := queryBus.Ask(ctx, ListRelationsQuery{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = queryBus.Ask(ctx, TimeSeriesQuery{Request: query.Request{FromID: "I1"}, Interval: "hour"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = queryBus.Ask(ctx, DistributionQuery{Request: query.Request{FromID: "I1"}})
	assert.True(t, apperrors.IsValidation(err))
}
