// Package presence tracks which user is editing which field of which entity.
// Claims are advisory: two users may hold a claim on the same field at once,
// the tracker only tells everybody else about it.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"graphcollab/application/ports"
	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

// Default horizons
const (
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// FocusClaim says a user is editing a field through a session
type FocusClaim struct {
	EntityID  string    `json:"entity_id"`
	UserID    string    `json:"user_id"`
	FieldName string    `json:"field_name"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Publisher is the part of the broadcast bus the tracker uses
type Publisher interface {
	Publish(event events.ChangeEvent) int
}

type claimKey struct {
	entityID string
	userID   string
}

// slot guards one (entity, user) pair; dead slots have left the map
type slot struct {
	mu    sync.Mutex
	claim *FocusClaim
	dead  bool
}

// Tracker holds focus claims keyed by entity and user
type Tracker struct {
	slots     sync.Map // claimKey -> *slot
	ttl       atomic.Int64
	clock     ports.Clock
	publisher Publisher
	logger    *zap.Logger
}

// NewTracker creates a tracker whose claims live for ttl without a refresh
func NewTracker(publisher Publisher, clock ports.Clock, ttl time.Duration, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	t := &Tracker{
		clock:     clock,
		publisher: publisher,
		logger:    logger,
	}
	t.SetTTL(ttl)
	return t
}

// SetTTL changes the liveness horizon for claims created or refreshed afterwards
func (t *Tracker) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t.ttl.Store(int64(ttl))
}

// TTL returns the current liveness horizon
func (t *Tracker) TTL() time.Duration {
	return time.Duration(t.ttl.Load())
}

func (t *Tracker) acquire(key claimKey) *slot {
	for {
		v, _ := t.slots.LoadOrStore(key, &slot{})
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// release unlocks the slot, dropping it from the map once it is empty
func (t *Tracker) release(key claimKey, s *slot) {
	if s.claim == nil {
		s.dead = true
		t.slots.CompareAndDelete(key, s)
	}
	s.mu.Unlock()
}

// Focus records that userID edits field on entityID, replacing whatever
// field the user had focused on that entity before.
func (t *Tracker) Focus(ctx context.Context, entityID, userID, sessionID, field string) (FocusClaim, error) {
	if entityID == "" || userID == "" || field == "" {
		return FocusClaim{}, apperrors.NewValidationError("entity, user and field are required to focus")
	}

	key := claimKey{entityID: entityID, userID: userID}
	s := t.acquire(key)
	previous := ""
	if s.claim != nil {
		previous = s.claim.FieldName
	}
	claim := FocusClaim{
		EntityID:  entityID,
		UserID:    userID,
		FieldName: field,
		SessionID: sessionID,
		ExpiresAt: t.clock.Now().Add(t.TTL()),
	}
	s.claim = &claim
	t.release(key, s)

	t.logger.Debug("Focus claimed",
		zap.String("entityID", entityID),
		zap.String("userID", userID),
		zap.String("field", field),
		zap.String("previousField", previous),
	)
	t.broadcast(entityID, userID)
	return claim, nil
}

// Join enters userID into the entity's edit context without a focused
// field. An existing claim keeps its field and only has its expiry pushed.
func (t *Tracker) Join(ctx context.Context, entityID, userID, sessionID string) (FocusClaim, error) {
	if entityID == "" || userID == "" {
		return FocusClaim{}, apperrors.NewValidationError("entity and user are required to join")
	}

	key := claimKey{entityID: entityID, userID: userID}
	s := t.acquire(key)
	expires := t.clock.Now().Add(t.TTL())
	joined := s.claim == nil
	if joined {
		s.claim = &FocusClaim{EntityID: entityID, UserID: userID, SessionID: sessionID}
	}
	s.claim.ExpiresAt = expires
	claim := *s.claim
	t.release(key, s)

	if joined {
		t.logger.Debug("Edit context joined",
			zap.String("entityID", entityID),
			zap.String("userID", userID),
		)
		t.broadcast(entityID, userID)
	}
	return claim, nil
}

// Blur clears the user's focus on the entity. Returns false when there was none.
func (t *Tracker) Blur(ctx context.Context, entityID, userID string) bool {
	key := claimKey{entityID: entityID, userID: userID}
	s := t.acquire(key)
	had := s.claim != nil
	s.claim = nil
	t.release(key, s)

	if had {
		t.logger.Debug("Focus released",
			zap.String("entityID", entityID),
			zap.String("userID", userID),
		)
		t.broadcast(entityID, userID)
	}
	return had
}

// Refresh pushes the claim's expiry forward. Returns false when there is no claim.
func (t *Tracker) Refresh(entityID, userID string) bool {
	key := claimKey{entityID: entityID, userID: userID}
	s := t.acquire(key)
	defer t.release(key, s)

	if s.claim == nil {
		return false
	}
	s.claim.ExpiresAt = t.clock.Now().Add(t.TTL())
	return true
}

// TouchSession extends every claim held through the session
func (t *Tracker) TouchSession(sessionID string) int {
	touched := 0
	expires := t.clock.Now().Add(t.TTL())
	t.forSession(sessionID, func(key claimKey, s *slot) bool {
		s.claim.ExpiresAt = expires
		touched++
		return false
	})
	return touched
}

// ReleaseSession blurs every claim held through the session
func (t *Tracker) ReleaseSession(ctx context.Context, sessionID string) int {
	var released []claimKey
	t.forSession(sessionID, func(key claimKey, s *slot) bool {
		released = append(released, key)
		return true
	})

	t.announce(released)
	if len(released) > 0 {
		t.logger.Info("Session presence released",
			zap.String("sessionID", sessionID),
			zap.Int("claims", len(released)),
		)
	}
	return len(released)
}

// forSession visits the live claims of a session under their slot locks.
// When fn returns true the claim is cleared.
func (t *Tracker) forSession(sessionID string, fn func(claimKey, *slot) bool) {
	t.slots.Range(func(k, _ interface{}) bool {
		key := k.(claimKey)
		s := t.acquire(key)
		if s.claim != nil && s.claim.SessionID == sessionID {
			if fn(key, s) {
				s.claim = nil
			}
		}
		t.release(key, s)
		return true
	})
}

// Sweep blurs every claim whose expiry is at or before now
func (t *Tracker) Sweep(now time.Time) int {
	var expired []claimKey
	t.slots.Range(func(k, _ interface{}) bool {
		key := k.(claimKey)
		s := t.acquire(key)
		if s.claim != nil && !now.Before(s.claim.ExpiresAt) {
			s.claim = nil
			expired = append(expired, key)
		}
		t.release(key, s)
		return true
	})

	t.announce(expired)
	if len(expired) > 0 {
		t.logger.Info("Expired focus claims swept", zap.Int("claims", len(expired)))
	}
	return len(expired)
}

// Run sweeps expired claims every interval until ctx is done
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.clock.Now())
		}
	}
}

// Claims returns the live claims on an entity, sorted by user then field
func (t *Tracker) Claims(entityID string) []FocusClaim {
	claims := []FocusClaim{}
	t.slots.Range(func(k, v interface{}) bool {
		key := k.(claimKey)
		if key.entityID != entityID {
			return true
		}
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead && s.claim != nil {
			claims = append(claims, *s.claim)
		}
		s.mu.Unlock()
		return true
	})

	sort.Slice(claims, func(i, j int) bool {
		if claims[i].UserID != claims[j].UserID {
			return claims[i].UserID < claims[j].UserID
		}
		return claims[i].FieldName < claims[j].FieldName
	})
	return claims
}

// ClaimCount returns the number of live claims across all entities
func (t *Tracker) ClaimCount() int {
	count := 0
	t.slots.Range(func(_, v interface{}) bool {
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead && s.claim != nil {
			count++
		}
		s.mu.Unlock()
		return true
	})
	return count
}

// Snapshot builds the presence payload for an entity
func (t *Tracker) Snapshot(entityID string) events.PresencePayload {
	claims := t.Claims(entityID)
	payload := events.PresencePayload{
		EntityID:  entityID,
		EditUsers: make([]events.FocusEntry, 0, len(claims)),
	}
	for _, c := range claims {
		payload.EditUsers = append(payload.EditUsers, events.FocusEntry{
			UserID:    c.UserID,
			FieldName: c.FieldName,
			ExpiresAt: c.ExpiresAt,
		})
	}
	return payload
}

func (t *Tracker) announce(keys []claimKey) {
	for _, key := range keys {
		t.broadcast(key.entityID, key.userID)
	}
}

func (t *Tracker) broadcast(entityID, originUserID string) {
	if t.publisher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Presence broadcast failed",
				zap.String("entityID", entityID),
				zap.Any("panic", r),
			)
		}
	}()
	t.publisher.Publish(events.NewChangeEvent(events.PresenceTopic(entityID), originUserID, t.Snapshot(entityID)))
}
