// Package debounce coalesces keystroke-level field edits into durable
// commits. One Debouncer belongs to one edit session and is closed with it.
package debounce

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
	"graphcollab/pkg/utils"
)

// DefaultWindow is the quiescence window before a pending edit commits
const DefaultWindow = 500 * time.Millisecond

// PendingEdit is the latest value waiting for its key to go quiet
type PendingEdit struct {
	EntityID   string      `json:"entity_id"`
	FieldName  string      `json:"field_name"`
	Value      interface{} `json:"value"`
	ReceivedAt time.Time   `json:"received_at"`
}

// CommitFunc writes one edit durably
type CommitFunc func(ctx context.Context, edit PendingEdit) error

// ErrorSink receives edits whose commit failed or that were discarded on close
type ErrorSink func(edit PendingEdit, err error)

// Rules maps a field name to its validator tag
type Rules map[string]string

// DefaultRules are the per-field checks applied before an edit is scheduled
func DefaultRules() Rules {
	return Rules{
		"name":      "required",
		"published": "required,datetime=" + utils.RFC3339Layout,
	}
}

type key struct {
	entityID string
	field    string
}

type slot struct {
	mu      sync.Mutex
	pending *PendingEdit
	gen     uint64
	timer   *time.Timer

	// commitMu serializes commits for this key
	commitMu sync.Mutex
}

// Debouncer holds one pending slot per (entity, field)
type Debouncer struct {
	window  time.Duration
	commit  CommitFunc
	onError ErrorSink
	rules   Rules
	logger  *zap.Logger

	sessionID string

	mu     sync.Mutex
	slots  map[key]*slot
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Debouncer
type Option func(*Debouncer)

// WithRules replaces the validation rules
func WithRules(rules Rules) Option {
	return func(d *Debouncer) {
		d.rules = rules
	}
}

// WithSessionID names the owning session in errors
func WithSessionID(id string) Option {
	return func(d *Debouncer) {
		d.sessionID = id
	}
}

// WithErrorSink installs the failure callback
func WithErrorSink(sink ErrorSink) Option {
	return func(d *Debouncer) {
		d.onError = sink
	}
}

// New creates a debouncer. Commits run with a context derived from parent
// that is cancelled when the debouncer closes.
func New(parent context.Context, window time.Duration, commit CommitFunc, logger *zap.Logger, opts ...Option) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Debouncer{
		window:  window,
		commit:  commit,
		onError: func(PendingEdit, error) {},
		rules:   DefaultRules(),
		logger:  logger,
		slots:   make(map[key]*slot),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate checks a value against the rule for its field
func (d *Debouncer) Validate(field string, value interface{}) error {
	return utils.ValidateVar(field, value, d.rules[field])
}

// Submit validates the edit and schedules it, replacing any pending value for
// the same key and restarting that key's window. Invalid values are rejected
// here and never touch the pending slot.
func (d *Debouncer) Submit(entityID, field string, value interface{}) error {
	if entityID == "" || field == "" {
		return apperrors.NewValidationError("entity and field are required")
	}
	if err := d.Validate(field, value); err != nil {
		return err
	}

	k := key{entityID: entityID, field: field}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return apperrors.NewSessionClosedError(d.sessionID)
	}
	s, ok := d.slots[k]
	if !ok {
		s = &slot{}
		d.slots[k] = s
	}
	// Taking the slot before releasing d.mu keeps Close from missing this edit.
	s.mu.Lock()
	d.mu.Unlock()
	defer s.mu.Unlock()

	s.pending = &PendingEdit{
		EntityID:   entityID,
		FieldName:  field,
		Value:      value,
		ReceivedAt: time.Now().UTC(),
	}
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d.window, func() { d.fire(s, gen) })
	return nil
}

func (d *Debouncer) fire(s *slot, gen uint64) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	edit, ok := s.take(gen)
	if !ok {
		return
	}
	d.run(d.ctx, edit)
}

// take claims the pending edit if gen is still current
func (s *slot) take(gen uint64) (PendingEdit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.pending == nil {
		return PendingEdit{}, false
	}
	edit := *s.pending
	s.pending = nil
	s.timer = nil
	return edit, true
}

// takeNow claims the pending edit regardless of its window
func (s *slot) takeNow() (PendingEdit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if s.pending == nil {
		return PendingEdit{}, false
	}
	edit := *s.pending
	s.pending = nil
	return edit, true
}

func (d *Debouncer) run(ctx context.Context, edit PendingEdit) error {
	err := d.commit(ctx, edit)
	if err != nil {
		d.logger.Warn("Debounced commit failed",
			zap.String("entityID", edit.EntityID),
			zap.String("field", edit.FieldName),
			zap.Error(err),
		)
		d.onError(edit, err)
		return err
	}
	d.logger.Debug("Debounced commit",
		zap.String("entityID", edit.EntityID),
		zap.String("field", edit.FieldName),
	)
	return nil
}

func (d *Debouncer) snapshot() []*slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	slots := make([]*slot, 0, len(d.slots))
	for _, s := range d.slots {
		slots = append(slots, s)
	}
	return slots
}

// Flush commits every pending edit now, waiting for commits already in flight
// on the same keys. Failures go to the error sink and are also returned.
func (d *Debouncer) Flush(ctx context.Context) error {
	var errs error
	for _, s := range d.snapshot() {
		s.commitMu.Lock()
		edit, ok := s.takeNow()
		if ok {
			errs = multierr.Append(errs, d.run(ctx, edit))
		}
		s.commitMu.Unlock()
	}
	return errs
}

// Close stops every timer, waits for commits in flight and reports the
// edits that were still pending as discarded. No commit starts afterwards.
func (d *Debouncer) Close() int {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	d.closed = true
	d.mu.Unlock()

	var discarded []PendingEdit
	for _, s := range d.snapshot() {
		if edit, ok := s.takeNow(); ok {
			discarded = append(discarded, edit)
		}
	}

	d.cancel()
	d.wg.Wait()

	for _, edit := range discarded {
		d.onError(edit, apperrors.NewSessionClosedError(d.sessionID).
			WithDetails(map[string]interface{}{"entityID": edit.EntityID, "field": edit.FieldName}))
	}
	if len(discarded) > 0 {
		d.logger.Info("Pending edits discarded on close", zap.Int("count", len(discarded)))
	}
	return len(discarded)
}

// Pending returns the number of keys with an edit waiting to commit
func (d *Debouncer) Pending() int {
	count := 0
	for _, s := range d.snapshot() {
		s.mu.Lock()
		if s.pending != nil {
			count++
		}
		s.mu.Unlock()
	}
	return count
}

// Closed reports whether Close has been called
func (d *Debouncer) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
