package ports

import (
	"context"
	"time"

	"graphcollab/domain/events"
	"graphcollab/domain/graph"
)

// GraphStore is the knowledge-graph storage engine the collaboration layer
// writes through. Implementations translate their native failures into the
// pkg/errors taxonomy: missing ids are NotFound, duplicate edges are Conflict,
// I/O failures are TransientStore.
type GraphStore interface {
	// GetByID returns the entity, or nil and no error when it does not exist
	GetByID(ctx context.Context, id string) (*graph.Entity, error)

	// FindAll returns directly stored edges matching the filter
	FindAll(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error)

	// FindAllWithInferences returns only the edges the inference extension
	// derives through the filter's intermediate relation type and role
	FindAllWithInferences(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error)

	// Search returns direct edges whose target matches the full-text term
	Search(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error)

	// CreateRelation creates one edge and returns its id
	CreateRelation(ctx context.Context, input graph.RelationInput) (string, error)

	// DeleteRelation removes an edge by id
	DeleteRelation(ctx context.Context, relationID string) error

	// PatchAttribute sets one named attribute and returns the updated entity
	PatchAttribute(ctx context.Context, entityID, name string, value interface{}) (*graph.Entity, error)
}

// EventPublisher mirrors committed change events outside the process
type EventPublisher interface {
	// Publish sends a single event
	Publish(ctx context.Context, event events.ChangeEvent) error

	// PublishBatch sends multiple events
	PublishBatch(ctx context.Context, events []events.ChangeEvent) error
}

// Clock abstracts time for components with expiry horizons
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time { return time.Now().UTC() }
