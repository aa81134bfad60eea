package events

import (
	"encoding/json"
	"time"
)

// FrameType names a message on the realtime wire
type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameEdit                  FrameType = "entity.edit"
	FramePresence              FrameType = "entity.presence"
	FrameResync                FrameType = "resync"
	FrameError                 FrameType = "error"
	FramePing                  FrameType = "ping"
	FramePong                  FrameType = "pong"
	FrameAck                   FrameType = "ack"
)

// Frame is one server-to-client message. Websocket connections held by this
// process and API Gateway connections fed from the event mirror share it.
type Frame struct {
	Type      FrameType       `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	EntityID  string          `json:"entityId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// FrameTypeOf maps an event kind to its frame type
func FrameTypeOf(kind EventKind) FrameType {
	if kind == KindPresence {
		return FramePresence
	}
	return FrameEdit
}

// NewFrame encodes data into a frame stamped with the current time
func NewFrame(t FrameType, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: t, Data: raw, Timestamp: time.Now().Unix()})
}

// EncodeEvent renders a change event as a frame
func EncodeEvent(event ChangeEvent) ([]byte, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(event.Topic, payload, event.Timestamp)
}

// EncodeRaw renders an already serialized payload as a frame
func EncodeRaw(topic Topic, payload json.RawMessage, at time.Time) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(Frame{
		Type:      FrameTypeOf(topic.Kind),
		Topic:     topic.String(),
		EntityID:  topic.EntityID,
		Data:      payload,
		Timestamp: at.Unix(),
	})
}
