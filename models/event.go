package models

import (
	"encoding/json"
	"fmt"
)

// Event is the JSON frame exchanged over the live connection.
type Event struct {
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	UserID          string          `json:"user_id"`
	DirectMessageID string          `json:"direct_message_id"`
	GroupID         string          `json:"group_id"` // reserved, always empty for direct messages
}

const (
	// EventSendMessage is sent by the client.
	EventSendMessage = "send_message"
	// EventNewMessage is pushed by the server.
	EventNewMessage = "new_message"
)

// NewSendEvent frames an outgoing envelope for conversationID.
func NewSendEvent(env Message, userID, conversationID string) (Event, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return Event{
		Type:            EventSendMessage,
		Payload:         payload,
		UserID:          userID,
		DirectMessageID: conversationID,
	}, nil
}

// NewMessageEvent frames a pushed message.
func NewMessageEvent(msg Message) (Event, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return Event{Type: EventNewMessage, Payload: payload}, nil
}

// Message decodes the payload as a Message.
func (e Event) Message() (Message, error) {
	var msg Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return msg, nil
}
