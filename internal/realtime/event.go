// Package realtime carries named events over publish/subscribe topics.
//
// Two room-scoped topics exist: MessagesTopic carries insert/update events
// holding full message rows, SignalingTopic carries call signaling. A Conn
// is the transport (the in-process Bus on the server, the websocket Client
// elsewhere); a Channel is one topic's subscription on top of it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected is returned by Send while the transport is down.
var ErrNotConnected = errors.New("realtime: not connected")

const (
	topicPrefix     = "chat:"
	messagesSuffix  = ":messages"
	signalingPrefix = "webrtc:"
)

// MessagesTopic is the topic carrying message inserts and updates for a room.
func MessagesTopic(roomID string) string {
	return topicPrefix + roomID + messagesSuffix
}

// SignalingTopic is the topic carrying call signaling for a room.
func SignalingTopic(roomID string) string {
	return signalingPrefix + roomID
}

// RoomFromTopic returns the room a topic belongs to and whether the topic
// is a signaling topic.
func RoomFromTopic(topic string) (roomID string, signaling bool, ok bool) {
	switch {
	case strings.HasPrefix(topic, signalingPrefix):
		roomID = strings.TrimPrefix(topic, signalingPrefix)
		return roomID, true, roomID != ""
	case strings.HasPrefix(topic, topicPrefix) && strings.HasSuffix(topic, messagesSuffix):
		roomID = strings.TrimSuffix(strings.TrimPrefix(topic, topicPrefix), messagesSuffix)
		return roomID, false, roomID != ""
	}
	return "", false, false
}

// Event is a named payload published on a topic.
type Event struct {
	Topic   string          `json:"topic"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`

	// Sender identifies the publishing connection, if any. It never leaves
	// the process.
	Sender string `json:"-"`
}

// Handler consumes events of one subscription. Handlers of a subscription
// are called one at a time, in publish order.
type Handler func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Conn is a publish/subscribe transport.
type Conn interface {
	Subscribe(topic string, fn Handler) (Subscription, error)
	Send(ctx context.Context, topic, event string, payload any) error
	Connected() bool
	// OnConnectivity registers fn to be called on every connectivity
	// transition. The returned func removes it.
	OnConnectivity(fn func(connected bool)) (cancel func())
}

// EncodePayload marshals payload unless it already is raw JSON.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Frame types exchanged over the /ws endpoint.
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameBroadcast     = "broadcast"
	FrameMessage       = "message"
	FrameEditMessage   = "edit_message"
	FrameDeleteMessage = "delete_message"

	FrameEvent      = "event"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// Frame is one websocket message of the /ws protocol.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}
