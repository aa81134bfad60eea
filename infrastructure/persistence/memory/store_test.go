package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var markings = graph.RelationSpec{FromRole: "so", ToRole: "marking", ThroughField: "object_marking_refs"}

func seeded() *Store {
	s := NewStore(fixedClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, zap.NewNop())
	for _, e := range []*graph.Entity{
		{ID: "R1", Type: "Report", Attributes: map[string]interface{}{"name": "Weekly"}},
		{ID: "M1", Type: "Marking-Definition", Attributes: map[string]interface{}{"name": "TLP:GREEN"}},
		{ID: "M2", Type: "Marking-Definition", Attributes: map[string]interface{}{"name": "TLP:RED"}},
	} {
		s.PutEntity(e)
	}
	return s
}

func TestCreateRelation_MaterializesThroughField(t *testing.T) {
	store := seeded()
	ctx := context.Background()

	id, err := store.CreateRelation(ctx, graph.RelationInput{FromID: "R1", ToID: "M1", RelationSpec: markings})
	require.NoError(t, err)

	entity, err := store.GetByID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"M1"}, entity.Attributes["object_marking_refs"])

	conn, err := store.FindAll(ctx, graph.RelationFilter{FromID: "R1", ThroughField: "object_marking_refs"})
	require.NoError(t, err)
	require.Len(t, conn.Edges, 1)
	assert.Equal(t, id, conn.Edges[0].Relation.ID)
	assert.Equal(t, "object_marking_refs", conn.Edges[0].Relation.RelationType)
	assert.Equal(t, []graph.RelationOption{{Label: "TLP:GREEN", Value: "M1", RelationID: id}}, conn.Options("name"))
}

func TestCreateRelation_Errors(t *testing.T) {
	store := seeded()
	ctx := context.Background()
	_, err := store.CreateRelation(ctx, graph.RelationInput{FromID: "R1", ToID: "M1", RelationSpec: markings})
	require.NoError(t, err)

	_, err = store.CreateRelation(ctx, graph.RelationInput{FromID: "R1", ToID: "M1", RelationSpec: markings})
	assert.True(t, apperrors.IsConflict(err))

	_, err = store.CreateRelation(ctx, graph.RelationInput{FromID: "R1", ToID: "nope", RelationSpec: markings})
	assert.True(t, apperrors.IsNotFound(err))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.CreateRelation(cancelled, graph.RelationInput{FromID: "R1", ToID: "M2", RelationSpec: markings})
	assert.True(t, apperrors.IsTransient(err))
}

func TestGetByID_MissingIsNil(t *testing.T) {
	entity, err := seeded().GetByID(context.Background(), "missing")

	assert.NoError(t, err)
	assert.Nil(t, entity)
}

func TestDeleteRelationAndPatch(t *testing.T) {
	store := seeded()
	ctx := context.Background()
	id := store.PutRelation(graph.Relation{FromID: "R1", ToID: "M1", ThroughField: "object_marking_refs"})

	require.NoError(t, store.DeleteRelation(ctx, id))
	assert.True(t, apperrors.IsNotFound(store.DeleteRelation(ctx, id)))

	entity, err := store.PatchAttribute(ctx, "R1", "description", "updated")
	require.NoError(t, err)
	assert.Equal(t, "updated", entity.Attributes["description"])
	_, err = store.PatchAttribute(ctx, "R9", "description", "x")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestFindAllWithInferences_FollowsIntermediateAndViaTypes(t *testing.T) {
	// Arrange: incident X is attributed to intrusion set IS and uses malware MW.
	store := NewStore(nil, zap.NewNop())
	for _, e := range []*graph.Entity{
		{ID: "IS", Type: "Intrusion-Set"},
		{ID: "X", Type: "Incident"},
		{ID: "MW", Type: "Malware"},
		{ID: "ORG", Type: "Organization", Attributes: map[string]interface{}{"name": "Victim"}},
		{ID: "SECTOR", Type: "Organization", Attributes: map[string]interface{}{"name": "Energy"}},
	} {
		store.PutEntity(e)
	}
	store.PutRelation(graph.Relation{ID: "a", FromID: "X", ToID: "IS", RelationType: "attributed-to", FromRole: "attribution", ToRole: "origin"})
	store.PutRelation(graph.Relation{ID: "u", FromID: "X", ToID: "MW", RelationType: "uses"})
	store.PutRelation(graph.Relation{ID: "t", FromID: "X", ToID: "ORG", RelationType: "targets"})
	store.PutRelation(graph.Relation{ID: "g", FromID: "ORG", ToID: "SECTOR", RelationType: "gathering", FromRole: "part_of"})
	ctx := context.Background()

	// Act
	uses, err := store.FindAllWithInferences(ctx, graph.RelationFilter{
		FromID: "IS", RelationType: "uses", ResolveRelationType: "attributed-to", ResolveRelationRole: "origin",
	})
	require.NoError(t, err)
	targets, err := store.FindAllWithInferences(ctx, graph.RelationFilter{
		FromID: "IS", RelationType: "targets", ResolveRelationType: "attributed-to", ResolveRelationRole: "origin",
		ResolveViaTypes: []graph.ViaType{{EntityType: "Organization", RelationType: "gathering", RelationRole: "part_of"}},
	})
	require.NoError(t, err)

	// Assert
	require.Len(t, uses.Edges, 1)
	assert.Equal(t, "MW", uses.Edges[0].Relation.ToID)
	assert.Equal(t, "IS", uses.Edges[0].Relation.FromID)
	assert.True(t, uses.Edges[0].Relation.Inferred)

	ids := []string{}
	for _, e := range targets.Edges {
		ids = append(ids, e.Relation.ToID)
	}
	assert.Equal(t, []string{"ORG", "SECTOR"}, ids)

	direct, err := store.FindAll(ctx, graph.RelationFilter{FromID: "IS"})
	require.NoError(t, err)
	assert.Empty(t, direct.Edges)
}

func TestFindAllWithInferences_RequiresTypeAndRole(t *testing.T) {
	_, err := seeded().FindAllWithInferences(context.Background(), graph.RelationFilter{FromID: "R1", ResolveRelationType: "x"})

	assert.True(t, apperrors.IsValidation(err))
}

func TestSearch_MatchesTargetName(t *testing.T) {
	store := seeded()
	ctx := context.Background()
	store.PutRelation(graph.Relation{ID: "r1", FromID: "R1", ToID: "M1", ThroughField: "object_marking_refs"})
	store.PutRelation(graph.Relation{ID: "r2", FromID: "R1", ToID: "M2", ThroughField: "object_marking_refs"})

	conn, err := store.Search(ctx, graph.RelationFilter{FromID: "R1", Search: "red"})

	require.NoError(t, err)
	require.Len(t, conn.Edges, 1)
	assert.Equal(t, "M2", conn.Edges[0].Node.ID)
}
