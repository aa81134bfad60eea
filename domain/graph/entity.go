// Package graph holds the knowledge-graph shapes the collaboration layer reads
// and writes. The graph store owns their lifecycle; nothing here is retained
// beyond a single request.
package graph

import (
	"sort"
	"time"
)

// Entity is a typed node with named attributes
type Entity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"entity_type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Attribute returns a named attribute and whether it is set
func (e *Entity) Attribute(name string) (interface{}, bool) {
	if e == nil || e.Attributes == nil {
		return nil, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// Clone returns a copy whose attribute map can be modified independently
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	attrs := make(map[string]interface{}, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Entity{ID: e.ID, Type: e.Type, Attributes: attrs}
}

// Relation is a typed, directed, role-labeled edge.
// ThroughField names the multi-valued attribute the edge materializes on FromID.
type Relation struct {
	ID           string    `json:"id"`
	FromID       string    `json:"from_id"`
	ToID         string    `json:"to_id"`
	FromRole     string    `json:"from_role"`
	ToRole       string    `json:"to_role"`
	RelationType string    `json:"relationship_type"`
	ThroughField string    `json:"through,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Inferred     bool      `json:"inferred"`
}

// RelationSpec describes the edge shape a multi-valued field is stored as,
// e.g. FromRole "so", ToRole "marking", ThroughField "object_marking_refs".
type RelationSpec struct {
	FromRole     string `json:"fromRole" validate:"required"`
	ToRole       string `json:"toRole" validate:"required"`
	RelationType string `json:"relationType"`
	ThroughField string `json:"through" validate:"required"`
}

// EdgeType returns the relation type, defaulting to the through field
func (s RelationSpec) EdgeType() string {
	if s.RelationType != "" {
		return s.RelationType
	}
	return s.ThroughField
}

// RelationInput is everything needed to create one edge
type RelationInput struct {
	FromID string
	ToID   string
	RelationSpec
}

// RelationOption is the client-facing projection of one value of a
// multi-valued relation field. Two options are equal iff Value matches;
// RelationID is only carried so the edge can be removed.
type RelationOption struct {
	Label      string `json:"label,omitempty"`
	Value      string `json:"value" validate:"required"`
	RelationID string `json:"relationId,omitempty"`
}

// EdgeResult pairs the far-side node with the relation that reaches it
type EdgeResult struct {
	Node     *Entity   `json:"node"`
	Relation *Relation `json:"relation"`
}

// PageInfo carries connection-level metadata
type PageInfo struct {
	GlobalCount int `json:"globalCount"`
}

// EdgeConnection is the uniform result of every relation lookup
type EdgeConnection struct {
	Edges    []EdgeResult `json:"edges"`
	PageInfo PageInfo     `json:"pageInfo"`
}

// NewEdgeConnection builds a connection whose global count matches its edges
func NewEdgeConnection(edges []EdgeResult) *EdgeConnection {
	if edges == nil {
		edges = []EdgeResult{}
	}
	return &EdgeConnection{
		Edges:    edges,
		PageInfo: PageInfo{GlobalCount: len(edges)},
	}
}

// Options projects the connection into relation options
func (c *EdgeConnection) Options(labelAttribute string) []RelationOption {
	if c == nil {
		return nil
	}
	options := make([]RelationOption, 0, len(c.Edges))
	for _, edge := range c.Edges {
		if edge.Relation == nil {
			continue
		}
		option := RelationOption{
			Value:      edge.Relation.ToID,
			RelationID: edge.Relation.ID,
		}
		if edge.Node != nil {
			if label, ok := edge.Node.Attributes[labelAttribute].(string); ok {
				option.Label = label
			}
		}
		options = append(options, option)
	}
	return options
}

// RelationFilter selects edges in the store
type RelationFilter struct {
	FromID       string
	RelationType string
	ThroughField string
	ToTypes      []string
	Search       string

	// Inference extension parameters; ignored by direct lookups.
	ResolveRelationType string
	ResolveRelationRole string
	ResolveViaTypes     []ViaType
}

// ViaType is one extra hop the inference extension may follow from a target
type ViaType struct {
	EntityType   string `json:"entityType" validate:"required"`
	RelationType string `json:"relationType" validate:"required"`
	RelationRole string `json:"relationRole" validate:"required"`
}

// MatchesTarget reports whether an entity type passes the ToTypes filter
func (f RelationFilter) MatchesTarget(entityType string) bool {
	if len(f.ToTypes) == 0 {
		return true
	}
	for _, t := range f.ToTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// SortEdges orders edges by relation first-seen date then id, so every code
// path returns edges in the same order.
func SortEdges(edges []EdgeResult) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i].Relation, edges[j].Relation
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.ID < b.ID
	})
}
