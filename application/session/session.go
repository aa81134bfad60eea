package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"graphcollab/application/broadcast"
	"graphcollab/application/debounce"
	"graphcollab/application/reconcile"
	"graphcollab/domain/events"
	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

// CommitError is an asynchronous commit failure reported to the session owner
type CommitError struct {
	Edit debounce.PendingEdit
	Err  error
}

// RelationAddInput creates one edge from the session's entity
type RelationAddInput struct {
	ToID string `json:"toId" validate:"required"`
	graph.RelationSpec
}

// Session is one connected editor. All work it starts is torn down by Close.
type Session struct {
	ID     string
	UserID string

	m         *Manager
	ctx       context.Context
	cancel    context.CancelFunc
	debouncer *debounce.Debouncer
	errs      chan CommitError
	lastSeen  atomic.Int64

	mu     sync.Mutex
	subs   map[*broadcast.Subscription]struct{}
	closed bool
}

func newSession(m *Manager, id, userID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     id,
		UserID: userID,
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan CommitError, m.settings.ErrorBuffer),
		subs:   make(map[*broadcast.Subscription]struct{}),
	}
	s.touch()
	s.debouncer = debounce.New(ctx, m.settings.DebounceWindow, s.commitField, m.logger,
		debounce.WithRules(m.settings.Rules),
		debounce.WithSessionID(id),
		debounce.WithErrorSink(s.reportCommitError),
	)
	return s
}

// Context is cancelled when the session closes
func (s *Session) Context() context.Context {
	return s.ctx
}

// Errors delivers commit failures that happened after the caller returned
func (s *Session) Errors() <-chan CommitError {
	return s.errs
}

// LastSeen returns the time of the last heartbeat
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load()).UTC()
}

func (s *Session) touch() {
	s.lastSeen.Store(s.m.clock.Now().UnixNano())
}

// Closed reports whether the session has ended
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) ensureOpen() error {
	if s.Closed() {
		return apperrors.NewSessionClosedError(s.ID)
	}
	return nil
}

// Heartbeat keeps the session and its focus claims alive
func (s *Session) Heartbeat() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.touch()
	s.m.tracker.TouchSession(s.ID)
	return nil
}

// Subscribe listens to edit and presence events of the given entities,
// without echoes of this user's own changes, and enters the user into each
// entity's edit context until the subscription is cancelled.
func (s *Session) Subscribe(ctx context.Context, entityIDs ...string) (*broadcast.Subscription, error) {
	if len(entityIDs) == 0 {
		return nil, apperrors.NewValidationError("at least one entity id is required")
	}
	topics := make([]events.Topic, 0, 2*len(entityIDs))
	for _, id := range entityIDs {
		if id == "" {
			return nil, apperrors.NewValidationError("entity id must not be empty")
		}
		topics = append(topics, events.EditTopic(id), events.PresenceTopic(id))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.NewSessionClosedError(s.ID)
	}
	sub := s.m.bus.Subscribe(broadcast.ExcludeOrigin(s.UserID), topics...)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	for _, id := range entityIDs {
		if _, err := s.m.tracker.Join(ctx, id, s.UserID, s.ID); err != nil {
			s.Unsubscribe(ctx, sub)
			return nil, err
		}
	}
	// a Close racing the joins has already released this session's claims
	if s.Closed() {
		s.m.tracker.ReleaseSession(ctx, s.ID)
		return nil, apperrors.NewSessionClosedError(s.ID)
	}
	return sub, nil
}

// Unsubscribe cancels a subscription and clears this user's focus on the
// entities it covered
func (s *Session) Unsubscribe(ctx context.Context, sub *broadcast.Subscription) {
	s.mu.Lock()
	_, owned := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if !owned {
		return
	}

	sub.Cancel()
	for _, topic := range sub.Topics() {
		if topic.Kind == events.KindEdit {
			s.m.tracker.Blur(ctx, topic.EntityID, s.UserID)
		}
	}
}

// Subscriptions returns the number of live subscriptions
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Presence returns the current focus claims on an entity
func (s *Session) Presence(entityID string) events.PresencePayload {
	return s.m.tracker.Snapshot(entityID)
}

// ContextPatch focuses a field of an entity
func (s *Session) ContextPatch(ctx context.Context, entityID, field string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.touch()
	_, err := s.m.tracker.Focus(ctx, entityID, s.UserID, s.ID, field)
	return err
}

// ContextClean clears this user's focus on an entity
func (s *Session) ContextClean(ctx context.Context, entityID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.touch()
	s.m.tracker.Blur(ctx, entityID, s.UserID)
	return nil
}

// FieldPatch validates and schedules an attribute edit. The write happens
// once the field goes quiet; failures arrive on Errors.
func (s *Session) FieldPatch(ctx context.Context, entityID, field string, value interface{}) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.touch()
	if err := s.debouncer.Submit(entityID, field, value); err != nil {
		return err
	}
	s.m.tracker.Refresh(entityID, s.UserID)
	return nil
}

// PendingEdits returns the number of fields waiting to commit
func (s *Session) PendingEdits() int {
	return s.debouncer.Pending()
}

func (s *Session) commitField(ctx context.Context, edit debounce.PendingEdit) error {
	entity, err := s.m.store.PatchAttribute(ctx, edit.EntityID, edit.FieldName, edit.Value)
	s.m.recorder.CommitRecorded("field", err)
	if err != nil {
		return err
	}
	s.m.publish(ctx, events.NewChangeEvent(events.EditTopic(edit.EntityID), s.UserID, events.EntityPayload{
		Entity: entity,
		Field:  edit.FieldName,
	}))
	return nil
}

func (s *Session) reportCommitError(edit debounce.PendingEdit, err error) {
	select {
	case s.errs <- CommitError{Edit: edit, Err: err}:
	default:
		s.m.logger.Warn("Commit error dropped, buffer full",
			zap.String("sessionID", s.ID),
			zap.String("entityID", edit.EntityID),
			zap.String("field", edit.FieldName),
			zap.Error(err),
		)
	}
}

// RelationAdd creates one edge and broadcasts the entity's new option list
func (s *Session) RelationAdd(ctx context.Context, entityID string, input RelationAddInput) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	s.touch()
	if entityID == "" || input.ToID == "" || input.ThroughField == "" {
		return "", apperrors.NewValidationError("entity id, toId and through are required")
	}

	id, err := s.m.store.CreateRelation(ctx, graph.RelationInput{
		FromID:       entityID,
		ToID:         input.ToID,
		RelationSpec: input.RelationSpec,
	})
	s.m.recorder.CommitRecorded("relation", err)
	if err != nil {
		return "", err
	}
	s.publishRelations(ctx, entityID, input.ThroughField)
	return id, nil
}

// RelationDelete removes one edge and broadcasts the entity's new option list
func (s *Session) RelationDelete(ctx context.Context, entityID, relationID, through string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.touch()
	if entityID == "" || relationID == "" {
		return apperrors.NewValidationError("entity id and relation id are required")
	}

	err := s.m.store.DeleteRelation(ctx, relationID)
	s.m.recorder.CommitRecorded("relation", err)
	if err != nil {
		return err
	}
	s.publishRelations(ctx, entityID, through)
	return nil
}

// SetRelations reconciles a multi-valued relation field to the desired
// options and applies the diff under the manager's batch policy. Whatever
// part of the diff was written is broadcast even when other edges failed.
func (s *Session) SetRelations(ctx context.Context, entityID string, spec graph.RelationSpec, desired []graph.RelationOption) (*reconcile.Result, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.touch()
	if entityID == "" || spec.ThroughField == "" {
		return nil, apperrors.NewValidationError("entity id and through are required")
	}

	current, err := s.m.relationOptions(ctx, entityID, spec.ThroughField)
	if err != nil {
		return nil, err
	}
	diff := reconcile.Reconcile(current, desired)
	result, applyErr := s.m.applier.Apply(ctx, entityID, spec, diff, s.m.settings.BatchPolicy)
	for _, o := range result.Outcomes {
		s.m.recorder.CommitRecorded("relation", o.Err)
	}
	if result.Changed() {
		s.publishRelations(ctx, entityID, spec.ThroughField)
	}
	return result, applyErr
}

// publishRelations reloads the entity and its options after a durable write
func (s *Session) publishRelations(ctx context.Context, entityID, through string) {
	payload := events.EntityPayload{Field: through}

	entity, err := s.m.store.GetByID(ctx, entityID)
	if err != nil {
		s.m.logger.Warn("Reload after relation change failed",
			zap.String("entityID", entityID),
			zap.Error(err),
		)
	}
	if entity == nil {
		entity = &graph.Entity{ID: entityID}
	}
	payload.Entity = entity

	if through != "" {
		options, err := s.m.relationOptions(ctx, entityID, through)
		if err != nil {
			s.m.logger.Warn("Relation options reload failed",
				zap.String("entityID", entityID),
				zap.String("through", through),
				zap.Error(err),
			)
		}
		payload.Relations = options
	}

	s.m.publish(ctx, events.NewChangeEvent(events.EditTopic(entityID), s.UserID, payload))
}

// RelationOptions returns the stored options of a multi-valued relation field
func (s *Session) RelationOptions(ctx context.Context, entityID, through string) ([]graph.RelationOption, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.m.relationOptions(ctx, entityID, through)
}

func (m *Manager) relationOptions(ctx context.Context, entityID, through string) ([]graph.RelationOption, error) {
	conn, err := m.store.FindAll(ctx, graph.RelationFilter{FromID: entityID, ThroughField: through})
	if err != nil {
		return nil, apperrors.Wrapf(err, "load %s of %s", through, entityID)
	}
	return conn.Options(m.settings.LabelAttribute), nil
}

// Close ends the session: every subscription is cancelled, pending edits are
// committed (graceful) or discarded, focus claims are released and the
// session context is cancelled. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*broadcast.Subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.Cancel()
	}

	var errs error
	if graceful {
		errs = multierr.Append(errs, s.debouncer.Flush(ctx))
	}
	discarded := s.debouncer.Close()
	released := s.m.tracker.ReleaseSession(ctx, s.ID)
	s.cancel()
	close(s.errs)
	s.m.forget(s.ID)

	s.m.logger.Info("Edit session closed",
		zap.String("sessionID", s.ID),
		zap.String("userID", s.UserID),
		zap.Bool("graceful", graceful),
		zap.Int("subscriptions", len(subs)),
		zap.Int("discardedEdits", discarded),
		zap.Int("releasedClaims", released),
	)
	return errs
}
