// Package memory is an in-process GraphStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"graphcollab/application/ports"
	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

// Store keeps entities and relations in maps guarded by one lock
type Store struct {
	mu        sync.RWMutex
	entities  map[string]*graph.Entity
	relations map[string]*graph.Relation
	clock     ports.Clock
	logger    *zap.Logger
}

var _ ports.GraphStore = (*Store)(nil)

// NewStore creates an empty store
func NewStore(clock ports.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Store{
		entities:  make(map[string]*graph.Entity),
		relations: make(map[string]*graph.Relation),
		clock:     clock,
		logger:    logger,
	}
}

// PutEntity inserts or replaces an entity
func (s *Store) PutEntity(e *graph.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.Clone()
}

// PutRelation inserts a relation as is, duplicates included. An empty id is
// replaced with a generated one, which is returned.
func (s *Store) PutRelation(r graph.Relation) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.FirstSeen.IsZero() {
		r.FirstSeen = s.clock.Now()
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = r.FirstSeen
	}
	s.relations[r.ID] = &r
	return r.ID
}

// RelationCount returns the number of stored relations
func (s *Store) RelationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relations)
}

func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewTransientStoreError(op, err)
	}
	return nil
}

// GetByID returns the entity with its through fields materialized as lists
// of target ids, or nil when it does not exist
func (s *Store) GetByID(ctx context.Context, id string) (*graph.Entity, error) {
	if err := checkContext(ctx, "getById"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.materialize(id), nil
}

func (s *Store) materialize(id string) *graph.Entity {
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	out := e.Clone()
	through := make(map[string][]string)
	for _, r := range s.sortedRelations() {
		if r.FromID == id && r.ThroughField != "" {
			through[r.ThroughField] = append(through[r.ThroughField], r.ToID)
		}
	}
	for field, targets := range through {
		out.Attributes[field] = targets
	}
	return out
}

func (s *Store) sortedRelations() []*graph.Relation {
	out := make([]*graph.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) matches(r *graph.Relation, filter graph.RelationFilter) (*graph.Entity, bool) {
	if !filter.Selects(r) {
		return nil, false
	}
	target, ok := s.entities[r.ToID]
	if !ok {
		target = &graph.Entity{ID: r.ToID}
	}
	if !filter.MatchesTarget(target.Type) {
		return nil, false
	}
	return target.Clone(), true
}

// FindAll returns the stored edges leaving filter.FromID
func (s *Store) FindAll(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	if err := checkContext(ctx, "findAll"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := []graph.EdgeResult{}
	for _, r := range s.sortedRelations() {
		if node, ok := s.matches(r, filter); ok {
			rel := *r
			edges = append(edges, graph.EdgeResult{Node: node, Relation: &rel})
		}
	}
	return graph.NewEdgeConnection(edges), nil
}

// Search returns stored edges whose target id, name or description contains
// the search term, case-insensitively
func (s *Store) Search(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	if err := checkContext(ctx, "search"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := []graph.EdgeResult{}
	for _, r := range s.sortedRelations() {
		node, ok := s.matches(r, filter)
		if !ok || !node.MatchesSearch(filter.Search) {
			continue
		}
		rel := *r
		edges = append(edges, graph.EdgeResult{Node: node, Relation: &rel})
	}
	return graph.NewEdgeConnection(edges), nil
}

// FindAllWithInferences derives edges of filter.FromID through the
// intermediate relation named in the filter
func (s *Store) FindAllWithInferences(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	if err := checkContext(ctx, "findAllWithInferences"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return graph.Infer(ctx, lockedSource{s}, filter)
}

// lockedSource reads adjacency while the caller holds the store lock
type lockedSource struct {
	s *Store
}

func (l lockedSource) Outgoing(ctx context.Context, entityID string) ([]*graph.Relation, error) {
	var out []*graph.Relation
	for _, r := range l.s.sortedRelations() {
		if r.FromID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l lockedSource) Incoming(ctx context.Context, entityID string) ([]*graph.Relation, error) {
	var out []*graph.Relation
	for _, r := range l.s.sortedRelations() {
		if r.ToID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l lockedSource) Entities(ctx context.Context, ids []string) (map[string]*graph.Entity, error) {
	out := make(map[string]*graph.Entity, len(ids))
	for _, id := range ids {
		if e, ok := l.s.entities[id]; ok {
			out[id] = e.Clone()
		}
	}
	return out, nil
}

// CreateRelation stores a new edge. Both ends must exist and the entity may
// hold at most one edge per target on a through field.
func (s *Store) CreateRelation(ctx context.Context, input graph.RelationInput) (string, error) {
	if err := checkContext(ctx, "createRelation"); err != nil {
		return "", err
	}
	if input.FromID == "" || input.ToID == "" {
		return "", apperrors.NewValidationError("fromId and toId are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[input.FromID]; !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("entity %s", input.FromID))
	}
	if _, ok := s.entities[input.ToID]; !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("entity %s", input.ToID))
	}
	if input.ThroughField != "" {
		for _, r := range s.relations {
			if r.FromID == input.FromID && r.ThroughField == input.ThroughField && r.ToID == input.ToID {
				return "", apperrors.NewConflictError(fmt.Sprintf("%s already holds %s on %s", input.FromID, input.ToID, input.ThroughField)).
					WithDetails(map[string]interface{}{"relationId": r.ID})
			}
		}
	}

	now := s.clock.Now()
	rel := &graph.Relation{
		ID:           uuid.New().String(),
		FromID:       input.FromID,
		ToID:         input.ToID,
		FromRole:     input.FromRole,
		ToRole:       input.ToRole,
		RelationType: input.EdgeType(),
		ThroughField: input.ThroughField,
		FirstSeen:    now,
		LastSeen:     now,
	}
	s.relations[rel.ID] = rel

	s.logger.Debug("Relation created",
		zap.String("relationID", rel.ID),
		zap.String("fromID", rel.FromID),
		zap.String("toID", rel.ToID),
		zap.String("type", rel.RelationType),
	)
	return rel.ID, nil
}

// DeleteRelation removes an edge
func (s *Store) DeleteRelation(ctx context.Context, relationID string) error {
	if err := checkContext(ctx, "deleteRelation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.relations[relationID]; !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("relation %s", relationID))
	}
	delete(s.relations, relationID)
	return nil
}

// PatchAttribute sets one attribute and returns the updated entity
func (s *Store) PatchAttribute(ctx context.Context, entityID, name string, value interface{}) (*graph.Entity, error) {
	if err := checkContext(ctx, "patchAttribute"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("entity %s", entityID))
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	e.Attributes[name] = value
	return s.materialize(entityID), nil
}
