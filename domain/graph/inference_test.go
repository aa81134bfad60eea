package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "graphcollab/pkg/errors"
)

type staticSource struct {
	entities  map[string]*Entity
	relations []*Relation
}

func (s staticSource) Outgoing(ctx context.Context, id string) ([]*Relation, error) {
	var out []*Relation
	for _, r := range s.relations {
		if r.FromID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s staticSource) Incoming(ctx context.Context, id string) ([]*Relation, error) {
	var out []*Relation
	for _, r := range s.relations {
		if r.ToID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s staticSource) Entities(ctx context.Context, ids []string) (map[string]*Entity, error) {
	out := map[string]*Entity{}
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func TestInfer_DeduplicatesAndSkipsSource(t *testing.T) {
	// Arrange: two incidents attributed to IS both use MW; one also uses IS.
	src := staticSource{
		entities: map[string]*Entity{
			"IS": {ID: "IS", Type: "Intrusion-Set"},
			"X1": {ID: "X1", Type: "Incident"},
			"X2": {ID: "X2", Type: "Incident"},
			"MW": {ID: "MW", Type: "Malware"},
		},
		relations: []*Relation{
			{ID: "a1", FromID: "X1", ToID: "IS", RelationType: "attributed-to", ToRole: "origin"},
			{ID: "a2", FromID: "X2", ToID: "IS", RelationType: "attributed-to", ToRole: "origin"},
			{ID: "u1", FromID: "X1", ToID: "MW", RelationType: "uses"},
			{ID: "u2", FromID: "X2", ToID: "MW", RelationType: "uses"},
			{ID: "u3", FromID: "X2", ToID: "IS", RelationType: "uses"},
		},
	}

	// Act
	conn, err := Infer(context.Background(), src, RelationFilter{
		FromID: "IS", RelationType: "uses", ResolveRelationType: "attributed-to", ResolveRelationRole: "origin",
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, conn.Edges, 1)
	assert.Equal(t, "inferred:u1", conn.Edges[0].Relation.ID)
	assert.Equal(t, "IS", conn.Edges[0].Relation.FromID)
	assert.True(t, conn.Edges[0].Relation.Inferred)
	assert.Equal(t, 1, conn.PageInfo.GlobalCount)
}

func TestInfer_RequiresTypeAndRole(t *testing.T) {
	_, err := Infer(context.Background(), staticSource{}, RelationFilter{FromID: "IS", ResolveRelationRole: "origin"})

	assert.True(t, apperrors.IsValidation(err))
}

func TestMatchesSearch(t *testing.T) {
	e := &Entity{ID: "marking--1", Attributes: map[string]interface{}{"name": "TLP:RED", "description": 42}}

	assert.True(t, e.MatchesSearch(""))
	assert.True(t, e.MatchesSearch(" red "))
	assert.True(t, e.MatchesSearch("MARKING"))
	assert.False(t, e.MatchesSearch("amber"))
}

func TestRelationFilter_Selects(t *testing.T) {
	r := &Relation{FromID: "R1", ToID: "M1", RelationType: "object-marking", ThroughField: "object_marking_refs"}

	assert.True(t, RelationFilter{FromID: "R1"}.Selects(r))
	assert.True(t, RelationFilter{FromID: "R1", ThroughField: "object_marking_refs"}.Selects(r))
	assert.False(t, RelationFilter{FromID: "R2"}.Selects(r))
	assert.False(t, RelationFilter{FromID: "R1", RelationType: "uses"}.Selects(r))
}
