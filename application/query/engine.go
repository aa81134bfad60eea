package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

// EdgeReader is the read side of the graph store the engine needs
type EdgeReader interface {
	FindAll(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error)
	FindAllWithInferences(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error)
	Search(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error)
}

// Interval is a time-series bucket width
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Valid reports whether the interval is known
func (i Interval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// Truncate returns the start of the bucket containing t (weeks start Monday)
func (i Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case IntervalYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after the one starting at t
func (i Interval) Next(t time.Time) time.Time {
	switch i {
	case IntervalWeek:
		return t.AddDate(0, 0, 7)
	case IntervalMonth:
		return t.AddDate(0, 1, 0)
	case IntervalYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// TimeSeriesPoint is one bucket of a time series
type TimeSeriesPoint struct {
	Date  time.Time `json:"date"`
	Value int       `json:"value"`
}

// DistributionPoint is one label of a distribution
type DistributionPoint struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

// EntityTypeField makes Distribution group by the target's entity type
const EntityTypeField = "entity_type"

// maxBuckets bounds time series built from wide windows
const maxBuckets = 5000

// Engine runs resolved requests against the store
type Engine struct {
	store  EdgeReader
	logger *zap.Logger
}

// NewEngine creates a query engine
func NewEngine(store EdgeReader, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Edges returns the full edge set a resolution selects, ordered by first-seen
// date, restricted to the resolution's date window. Every other operation is
// derived from it.
func (e *Engine) Edges(ctx context.Context, res Resolution) (*graph.EdgeConnection, error) {
	var (
		conn *graph.EdgeConnection
		err  error
	)
	switch r := res.(type) {
	case SearchPath:
		conn, err = e.store.Search(ctx, r.Filter())
	case InferencePath:
		conn, err = e.withInferences(ctx, r.Filter())
	case DirectPath:
		conn, err = e.store.FindAll(ctx, r.Filter())
	default:
		return nil, apperrors.NewInternalError(fmt.Sprintf("unknown resolution %T", res))
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, "%s relations of %s", res.Kind(), res.Filter().FromID)
	}

	start, end := res.Window()
	edges := make([]graph.EdgeResult, 0, len(conn.Edges))
	for _, edge := range conn.Edges {
		if edge.Relation == nil {
			continue
		}
		seen := edge.Relation.FirstSeen
		if !start.IsZero() && seen.Before(start) {
			continue
		}
		if !end.IsZero() && seen.After(end) {
			continue
		}
		edges = append(edges, edge)
	}
	graph.SortEdges(edges)

	e.logger.Debug("Relations resolved",
		zap.String("path", string(res.Kind())),
		zap.String("fromID", res.Filter().FromID),
		zap.Int("edges", len(edges)),
	)
	return graph.NewEdgeConnection(edges), nil
}

// withInferences unions stored edges with inferred ones. Targets reached both
// ways keep the stored edge.
func (e *Engine) withInferences(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	direct, err := e.store.FindAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	inferred, err := e.store.FindAllWithInferences(ctx, filter)
	if err != nil {
		return nil, err
	}

	byTarget := make(map[string]struct{}, len(direct.Edges))
	merged := make([]graph.EdgeResult, 0, len(direct.Edges)+len(inferred.Edges))
	for _, edge := range direct.Edges {
		if edge.Relation == nil {
			continue
		}
		if _, dup := byTarget[edge.Relation.ToID]; dup {
			continue
		}
		byTarget[edge.Relation.ToID] = struct{}{}
		merged = append(merged, edge)
	}
	for _, edge := range inferred.Edges {
		if edge.Relation == nil {
			continue
		}
		if _, dup := byTarget[edge.Relation.ToID]; dup {
			continue
		}
		byTarget[edge.Relation.ToID] = struct{}{}
		rel := *edge.Relation
		rel.Inferred = true
		merged = append(merged, graph.EdgeResult{Node: edge.Node, Relation: &rel})
	}
	return graph.NewEdgeConnection(merged), nil
}

// List returns at most req.First edges (all when zero); the global count
// always covers the whole set
func (e *Engine) List(ctx context.Context, req Request) (*graph.EdgeConnection, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	conn, err := e.Edges(ctx, Resolve(req))
	if err != nil {
		return nil, err
	}
	if req.First > 0 && len(conn.Edges) > req.First {
		conn.Edges = conn.Edges[:req.First]
	}
	return conn, nil
}

// Count returns the number of edges the request selects
func (e *Engine) Count(ctx context.Context, req Request) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	conn, err := e.Edges(ctx, Resolve(req))
	if err != nil {
		return 0, err
	}
	return conn.PageInfo.GlobalCount, nil
}

// TimeSeries buckets the selected edges by relation first-seen date. Empty
// buckets between the window bounds are returned with a zero value.
func (e *Engine) TimeSeries(ctx context.Context, req Request, interval Interval) ([]TimeSeriesPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !interval.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("interval must be one of day, week, month, year; got %q", interval))
	}
	conn, err := e.Edges(ctx, Resolve(req))
	if err != nil {
		return nil, err
	}

	start, end := req.StartDate, req.EndDate
	if len(conn.Edges) == 0 && (start.IsZero() || end.IsZero()) {
		return []TimeSeriesPoint{}, nil
	}
	if start.IsZero() {
		start = conn.Edges[0].Relation.FirstSeen
	}
	if end.IsZero() {
		end = conn.Edges[len(conn.Edges)-1].Relation.FirstSeen
	}

	counts := make(map[time.Time]int)
	for _, edge := range conn.Edges {
		counts[interval.Truncate(edge.Relation.FirstSeen)]++
	}

	points := []TimeSeriesPoint{}
	last := interval.Truncate(end)
	for bucket := interval.Truncate(start); !bucket.After(last); bucket = interval.Next(bucket) {
		if len(points) >= maxBuckets {
			return nil, apperrors.NewValidationError(fmt.Sprintf("time series window exceeds %d %s buckets", maxBuckets, interval))
		}
		points = append(points, TimeSeriesPoint{Date: bucket, Value: counts[bucket]})
	}
	return points, nil
}

// Distribution counts the selected edges by a target attribute, largest first.
// Targets without the attribute are not counted.
func (e *Engine) Distribution(ctx context.Context, req Request, field string) ([]DistributionPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if field == "" {
		return nil, apperrors.NewValidationError("field is required")
	}
	conn, err := e.Edges(ctx, Resolve(req))
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, edge := range conn.Edges {
		if label, ok := labelOf(edge.Node, field); ok {
			counts[label]++
		}
	}

	points := make([]DistributionPoint, 0, len(counts))
	for label, value := range counts {
		points = append(points, DistributionPoint{Label: label, Value: value})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Value != points[j].Value {
			return points[i].Value > points[j].Value
		}
		return points[i].Label < points[j].Label
	})
	return points, nil
}

func labelOf(node *graph.Entity, field string) (string, bool) {
	if node == nil {
		return "", false
	}
	if field == EntityTypeField {
		return node.Type, node.Type != ""
	}
	v, ok := node.Attribute(field)
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}
