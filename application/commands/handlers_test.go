package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphcollab/application/broadcast"
	"graphcollab/application/commands/bus"
	"graphcollab/application/presence"
	"graphcollab/application/reconcile"
	"graphcollab/application/session"
	"graphcollab/domain/graph"
	"graphcollab/infrastructure/persistence/memory"
	apperrors "graphcollab/pkg/errors"
)

var markings = graph.RelationSpec{FromRole: "so", ToRole: "marking", ThroughField: "object_marking_refs"}

// failingEdges rejects CreateRelation for the listed targets, or for every
// target when the list is empty
type failingEdges struct {
	*memory.Store
	targets map[string]bool
}

func (f failingEdges) CreateRelation(ctx context.Context, input graph.RelationInput) (string, error) {
	if len(f.targets) == 0 || f.targets[input.ToID] {
		return "", apperrors.NewTransientStoreError("createRelation", context.DeadlineExceeded)
	}
	return f.Store.CreateRelation(ctx, input)
}

func setup(t *testing.T) (*bus.CommandBus, *session.Manager, *memory.Store) {
	return setupWithEdges(t, nil)
}

func setupWithEdges(t *testing.T, edges func(*memory.Store) reconcile.EdgeWriter) (*bus.CommandBus, *session.Manager, *memory.Store) {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore(nil, logger)
	store.PutEntity(&graph.Entity{ID: "R1", Type: "Report", Attributes: map[string]interface{}{"name": "Weekly"}})
	store.PutEntity(&graph.Entity{ID: "M1", Type: "Marking-Definition", Attributes: map[string]interface{}{"name": "TLP:GREEN"}})
	store.PutEntity(&graph.Entity{ID: "M2", Type: "Marking-Definition", Attributes: map[string]interface{}{"name": "TLP:AMBER"}})

	b := broadcast.NewBus(16, logger)
	tracker := presence.NewTracker(b, nil, time.Minute, logger)
	settings := session.DefaultSettings()
	settings.DebounceWindow = 10 * time.Millisecond
	var writer reconcile.EdgeWriter = store
	if edges != nil {
		writer = edges(store)
	}
	manager := session.NewManager(store, b, tracker, reconcile.NewApplier(writer, 2, logger), nil, settings, logger)

	commandBus := bus.NewCommandBus(bus.LoggingMiddleware(logger))
	require.NoError(t, NewHandlers(manager, logger).Register(commandBus))
	return commandBus, manager, store
}

func TestRelationCommands_RoundTrip(t *testing.T) {
	// Arrange
	commandBus, manager, store := setup(t)
	ctx := context.Background()
	s, err := manager.Open(ctx, "alice")
	require.NoError(t, err)
	scope := SessionScope{SessionID: s.ID, UserID: "alice"}

	// Act
	add := &RelationAddCommand{SessionScope: scope, EntityID: "R1", ToID: "M1", RelationSpec: markings}
	require.NoError(t, commandBus.Send(ctx, add))
	set := &RelationsSetCommand{SessionScope: scope, EntityID: "R1", RelationSpec: markings, Desired: []graph.RelationOption{{Value: "M2"}}}
	require.NoError(t, commandBus.Send(ctx, set))

	// Assert
	assert.NotEmpty(t, add.RelationID)
	assert.Equal(t, []string{"M2"}, set.Added)
	assert.Equal(t, []string{add.RelationID}, set.Removed)
	assert.Zero(t, set.Failures())
	entity, err := store.GetByID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"M2"}, entity.Attributes["object_marking_refs"])
}

func TestRelationAdd_DuplicateIsConflict(t *testing.T) {
	commandBus, manager, _ := setup(t)
	ctx := context.Background()
	s, _ := manager.Open(ctx, "alice")
	scope := SessionScope{SessionID: s.ID, UserID: "alice"}
	require.NoError(t, commandBus.Send(ctx, &RelationAddCommand{SessionScope: scope, EntityID: "R1", ToID: "M1", RelationSpec: markings}))

	err := commandBus.Send(ctx, &RelationAddCommand{SessionScope: scope, EntityID: "R1", ToID: "M1", RelationSpec: markings})

	assert.True(t, apperrors.IsConflict(err))
}

func TestFieldPatchAndFocusCommands(t *testing.T) {
	commandBus, manager, store := setup(t)
	ctx := context.Background()
	s, _ := manager.Open(ctx, "alice")
	scope := SessionScope{SessionID: s.ID, UserID: "alice"}

	require.NoError(t, commandBus.Send(ctx, ContextPatchCommand{SessionScope: scope, EntityID: "R1", Field: "description"}))
	require.Len(t, manager.Tracker().Claims("R1"), 1)
	require.NoError(t, commandBus.Send(ctx, FieldPatchCommand{SessionScope: scope, EntityID: "R1", Field: "description", Value: "new"}))
	require.NoError(t, commandBus.Send(ctx, ContextCleanCommand{SessionScope: scope, EntityID: "R1"}))
	require.NoError(t, commandBus.Send(ctx, HeartbeatCommand{SessionScope: scope}))

	assert.Empty(t, manager.Tracker().Claims("R1"))
	assert.Eventually(t, func() bool {
		entity, _ := store.GetByID(ctx, "R1")
		return entity.Attributes["description"] == "new"
	}, time.Second, 10*time.Millisecond)
}

func TestCommands_ScopeIsEnforced(t *testing.T) {
	commandBus, manager, _ := setup(t)
	ctx := context.Background()
	s, _ := manager.Open(ctx, "alice")

	err := commandBus.Send(ctx, ContextCleanCommand{SessionScope: SessionScope{SessionID: s.ID, UserID: "mallory"}, EntityID: "R1"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeForbidden))

	err = commandBus.Send(ctx, ContextCleanCommand{SessionScope: SessionScope{SessionID: "gone", UserID: "alice"}, EntityID: "R1"})
	assert.True(t, apperrors.IsNotFound(err))

	err = commandBus.Send(ctx, &RelationsSetCommand{SessionScope: SessionScope{SessionID: s.ID, UserID: "alice"}, EntityID: "R1"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRelationsSet_ReportsOnlyWrittenEdges(t *testing.T) {
	// Arrange
	commandBus, manager, store := setupWithEdges(t, func(s *memory.Store) reconcile.EdgeWriter {
		return failingEdges{Store: s, targets: map[string]bool{"M2": true}}
	})
	ctx := context.Background()
	s, err := manager.Open(ctx, "alice")
	require.NoError(t, err)
	set := &RelationsSetCommand{
		SessionScope: SessionScope{SessionID: s.ID, UserID: "alice"},
		EntityID:     "R1",
		RelationSpec: markings,
		Desired:      []graph.RelationOption{{Value: "M1"}, {Value: "M2"}},
	}

	// Act
	err = commandBus.Send(ctx, set)

	// Assert
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, []string{"M1"}, set.Added)
	assert.Equal(t, []string{"M2"}, set.FailedAdds)
	assert.True(t, set.Partial())
	entity, err := store.GetByID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"M1"}, entity.Attributes["object_marking_refs"])
}

func TestRelationsSet_TotalFailureReportsNothingWritten(t *testing.T) {
	// Arrange
	commandBus, manager, store := setupWithEdges(t, func(s *memory.Store) reconcile.EdgeWriter {
		return failingEdges{Store: s}
	})
	ctx := context.Background()
	s, err := manager.Open(ctx, "alice")
	require.NoError(t, err)
	set := &RelationsSetCommand{
		SessionScope: SessionScope{SessionID: s.ID, UserID: "alice"},
		EntityID:     "R1",
		RelationSpec: markings,
		Desired:      []graph.RelationOption{{Value: "M2"}},
	}

	// Act
	err = commandBus.Send(ctx, set)

	// Assert
	assert.True(t, apperrors.IsTransient(err))
	assert.Empty(t, set.Added)
	assert.Equal(t, []string{"M2"}, set.FailedAdds)
	assert.False(t, set.Partial())
	conn, err := store.FindAll(ctx, graph.RelationFilter{FromID: "R1", ThroughField: "object_marking_refs"})
	require.NoError(t, err)
	assert.Empty(t, conn.Edges)
}
