package commands

import (
	"context"

	"go.uber.org/zap"

	"graphcollab/application/commands/bus"
	"graphcollab/application/session"
)

// SessionLookup finds the caller's own session
type SessionLookup interface {
	GetForUser(sessionID, userID string) (*session.Session, error)
}

// Handlers runs commands against sessions
type Handlers struct {
	sessions SessionLookup
	logger   *zap.Logger
}

// NewHandlers creates the command handlers
func NewHandlers(sessions SessionLookup, logger *zap.Logger) *Handlers {
	return &Handlers{sessions: sessions, logger: logger}
}

// Register binds every command type to its handler
func (h *Handlers) Register(b *bus.CommandBus) error {
	registrations := []struct {
		cmd     bus.Command
		handler bus.CommandHandler
	}{
		{FieldPatchCommand{}, bus.Handle(h.fieldPatch)},
		{ContextPatchCommand{}, bus.Handle(h.contextPatch)},
		{ContextCleanCommand{}, bus.Handle(h.contextClean)},
		{&RelationAddCommand{}, bus.Handle(h.relationAdd)},
		{RelationDeleteCommand{}, bus.Handle(h.relationDelete)},
		{&RelationsSetCommand{}, bus.Handle(h.relationsSet)},
		{HeartbeatCommand{}, bus.Handle(h.heartbeat)},
	}
	for _, r := range registrations {
		if err := b.Register(r.cmd, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) session(scope SessionScope) (*session.Session, error) {
	return h.sessions.GetForUser(scope.SessionID, scope.UserID)
}

func (h *Handlers) fieldPatch(ctx context.Context, cmd FieldPatchCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	return s.FieldPatch(ctx, cmd.EntityID, cmd.Field, cmd.Value)
}

func (h *Handlers) contextPatch(ctx context.Context, cmd ContextPatchCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	return s.ContextPatch(ctx, cmd.EntityID, cmd.Field)
}

func (h *Handlers) contextClean(ctx context.Context, cmd ContextCleanCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	return s.ContextClean(ctx, cmd.EntityID)
}

func (h *Handlers) relationAdd(ctx context.Context, cmd *RelationAddCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	id, err := s.RelationAdd(ctx, cmd.EntityID, session.RelationAddInput{ToID: cmd.ToID, RelationSpec: cmd.RelationSpec})
	if err != nil {
		return err
	}
	cmd.RelationID = id
	return nil
}

func (h *Handlers) relationDelete(ctx context.Context, cmd RelationDeleteCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	return s.RelationDelete(ctx, cmd.EntityID, cmd.RelationID, cmd.ThroughField)
}

// relationsSet reports the applied part of the diff even when the call fails
// partway, so callers can tell what reached the store.
func (h *Handlers) relationsSet(ctx context.Context, cmd *RelationsSetCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	result, err := s.SetRelations(ctx, cmd.EntityID, cmd.RelationSpec, cmd.Desired)
	if result != nil {
		written, unwritten := result.Written(), result.Unwritten()
		cmd.Added, cmd.Removed = written.ToAdd, written.ToRemove
		cmd.FailedAdds, cmd.FailedRemoves = unwritten.ToAdd, unwritten.ToRemove
	}
	if err != nil {
		h.logger.Warn("Relation reconcile incomplete",
			zap.String("sessionID", cmd.SessionID),
			zap.String("entityID", cmd.EntityID),
			zap.String("through", cmd.ThroughField),
			zap.Strings("failedAdds", cmd.FailedAdds),
			zap.Strings("failedRemoves", cmd.FailedRemoves),
		)
	}
	return err
}

func (h *Handlers) heartbeat(_ context.Context, cmd HeartbeatCommand) error {
	s, err := h.session(cmd.SessionScope)
	if err != nil {
		return err
	}
	return s.Heartbeat()
}
