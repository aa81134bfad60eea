package graph

import (
	"context"
	"fmt"
	"strings"

	apperrors "graphcollab/pkg/errors"
)

// SearchAttributes are the target attributes a search term is matched against
var SearchAttributes = []string{"name", "description"}

// MatchesSearch reports whether the entity id or one of its search attributes
// contains term, case-insensitively. An empty term matches everything.
func (e *Entity) MatchesSearch(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || strings.Contains(strings.ToLower(e.ID), term) {
		return true
	}
	for _, attr := range SearchAttributes {
		if v, ok := e.Attributes[attr].(string); ok && strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

// Selects reports whether a stored relation passes the direct part of the
// filter. The target type is checked separately with MatchesTarget.
func (f RelationFilter) Selects(r *Relation) bool {
	if r.FromID != f.FromID {
		return false
	}
	if f.RelationType != "" && r.RelationType != f.RelationType {
		return false
	}
	if f.ThroughField != "" && r.ThroughField != f.ThroughField {
		return false
	}
	return true
}

// EdgeSource is the raw adjacency a store exposes to the inference walk
type EdgeSource interface {
	Outgoing(ctx context.Context, entityID string) ([]*Relation, error)
	Incoming(ctx context.Context, entityID string) ([]*Relation, error)
	Entities(ctx context.Context, ids []string) (map[string]*Entity, error)
}

// Infer derives edges from filter.FromID that are not stored. Intermediates
// are the entities joined to FromID by a ResolveRelationType relation in which
// FromID plays ResolveRelationRole; their outgoing edges selected by the
// filter become inferred edges of FromID. Each via type then extends targets
// of its entity type by one more hop. Targets are never repeated and never
// FromID itself.
func Infer(ctx context.Context, src EdgeSource, filter RelationFilter) (*EdgeConnection, error) {
	if filter.ResolveRelationType == "" || filter.ResolveRelationRole == "" {
		return nil, apperrors.NewValidationError("inference requires an intermediate relation type and role")
	}

	intermediates, err := intermediatesOf(ctx, src, filter)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{filter.FromID: {}}
	edges := []EdgeResult{}
	add := func(via *Relation, target *Entity) {
		if _, dup := seen[target.ID]; dup {
			return
		}
		seen[target.ID] = struct{}{}
		edges = append(edges, EdgeResult{Node: target, Relation: inferredFrom(filter.FromID, via, target.ID)})
	}

	for _, id := range intermediates {
		hop := filter
		hop.FromID = id
		rels, err := src.Outgoing(ctx, id)
		if err != nil {
			return nil, err
		}
		selected := rels[:0:0]
		for _, r := range rels {
			if hop.Selects(r) {
				selected = append(selected, r)
			}
		}
		targets, err := src.Entities(ctx, targetIDs(selected))
		if err != nil {
			return nil, err
		}
		for _, r := range selected {
			target, ok := targets[r.ToID]
			if !ok {
				target = &Entity{ID: r.ToID}
			}
			if filter.MatchesTarget(target.Type) {
				add(r, target)
			}
		}
	}

	for _, via := range filter.ResolveViaTypes {
		for _, edge := range append([]EdgeResult(nil), edges...) {
			if edge.Node == nil || edge.Node.Type != via.EntityType {
				continue
			}
			rels, err := src.Outgoing(ctx, edge.Node.ID)
			if err != nil {
				return nil, err
			}
			selected := rels[:0:0]
			for _, r := range rels {
				if r.RelationType == via.RelationType && r.FromRole == via.RelationRole {
					selected = append(selected, r)
				}
			}
			targets, err := src.Entities(ctx, targetIDs(selected))
			if err != nil {
				return nil, err
			}
			for _, r := range selected {
				if target, ok := targets[r.ToID]; ok && filter.MatchesTarget(target.Type) {
					add(r, target)
				}
			}
		}
	}
	return NewEdgeConnection(edges), nil
}

func intermediatesOf(ctx context.Context, src EdgeSource, filter RelationFilter) ([]string, error) {
	incoming, err := src.Incoming(ctx, filter.FromID)
	if err != nil {
		return nil, err
	}
	outgoing, err := src.Outgoing(ctx, filter.FromID)
	if err != nil {
		return nil, err
	}

	var ids []string
	known := make(map[string]struct{})
	collect := func(id string) {
		if _, ok := known[id]; !ok {
			known[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, r := range incoming {
		if r.RelationType == filter.ResolveRelationType && r.ToRole == filter.ResolveRelationRole {
			collect(r.FromID)
		}
	}
	for _, r := range outgoing {
		if r.RelationType == filter.ResolveRelationType && r.FromRole == filter.ResolveRelationRole {
			collect(r.ToID)
		}
	}
	return ids, nil
}

func inferredFrom(fromID string, via *Relation, toID string) *Relation {
	return &Relation{
		ID:           fmt.Sprintf("inferred:%s", via.ID),
		FromID:       fromID,
		ToID:         toID,
		FromRole:     via.FromRole,
		ToRole:       via.ToRole,
		RelationType: via.RelationType,
		ThroughField: via.ThroughField,
		FirstSeen:    via.FirstSeen,
		LastSeen:     via.LastSeen,
		Inferred:     true,
	}
}

func targetIDs(rels []*Relation) []string {
	ids := make([]string, 0, len(rels))
	for _, r := range rels {
		ids = append(ids, r.ToID)
	}
	return ids
}
