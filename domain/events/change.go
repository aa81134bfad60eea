package events

import (
	"fmt"
	"time"

	"graphcollab/domain/graph"
)

// EventKind is the operation part of a broadcast topic
type EventKind string

const (
	// KindEdit carries the updated entity after a durable write
	KindEdit EventKind = "edit"
	// KindPresence carries the entity's current focus claims
	KindPresence EventKind = "presence"
)

// Topic routes change events: entity id plus event kind
type Topic struct {
	EntityID string    `json:"entity_id"`
	Kind     EventKind `json:"kind"`
}

// String renders the topic as "<entity>/<kind>"
func (t Topic) String() string {
	return fmt.Sprintf("%s/%s", t.EntityID, t.Kind)
}

// EditTopic returns the entity-change topic for an entity
func EditTopic(entityID string) Topic {
	return Topic{EntityID: entityID, Kind: KindEdit}
}

// PresenceTopic returns the focus topic for an entity
func PresenceTopic(entityID string) Topic {
	return Topic{EntityID: entityID, Kind: KindPresence}
}

// ChangeEvent is the unit flowing through the broadcast bus.
// OriginUserID lets subscribers drop echoes of their own writes.
type ChangeEvent struct {
	Topic        Topic       `json:"topic"`
	EntityID     string      `json:"entity_id"`
	OriginUserID string      `json:"origin_user_id"`
	Payload      interface{} `json:"payload"`
	Timestamp    time.Time   `json:"timestamp"`
}

// NewChangeEvent creates an event stamped with the current time
func NewChangeEvent(topic Topic, originUserID string, payload interface{}) ChangeEvent {
	return ChangeEvent{
		Topic:        topic,
		EntityID:     topic.EntityID,
		OriginUserID: originUserID,
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}
}

// EventType returns a dotted type name, e.g. "entity.edit"
func (e ChangeEvent) EventType() string {
	return "entity." + string(e.Topic.Kind)
}

// FocusEntry is one user's focus as seen by other viewers
type FocusEntry struct {
	UserID    string    `json:"user_id"`
	FieldName string    `json:"focus_on"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresencePayload is the payload of a KindPresence event
type PresencePayload struct {
	EntityID  string       `json:"entity_id"`
	EditUsers []FocusEntry `json:"edit_users"`
}

// EntityPayload is the payload of a KindEdit event. Field names the attribute
// or through field that changed; Relations carries the full option list after
// a relation change.
type EntityPayload struct {
	Entity    *graph.Entity          `json:"entity"`
	Field     string                 `json:"field,omitempty"`
	Relations []graph.RelationOption `json:"relations,omitempty"`
}
