package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags the message payload. Only plain text is produced today.
type Kind string

const KindText Kind = "text"

// Message represents a chat message
type Message struct {
	ID             string    `json:"id" validate:"required"`                        // Client- or server-assigned unique ID
	SenderID       string    `json:"sender_id" validate:"required"`                 // ID of the authoring user
	ConversationID string    `json:"recipient_conversation_id" validate:"required"` // ID of the direct-message thread
	Body           string    `json:"body" validate:"required"`                      // Message content
	CreatedAt      time.Time `json:"created_at"`                                    // Timestamp of message creation
	Kind           Kind      `json:"kind"`
}

// NewEnvelope builds an outgoing message with a random 128-bit UUID so the
// id can serve as the idempotency key against the server echo.
func NewEnvelope(senderID, conversationID, body string, now time.Time) Message {
	return Message{
		ID:             uuid.NewString(),
		SenderID:       senderID,
		ConversationID: conversationID,
		Body:           body,
		CreatedAt:      now.UTC(),
		Kind:           KindText,
	}
}

// Profile is what the transcript shows for a participant.
type Profile struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email,omitempty"`
	AvatarImage string `json:"avatar_image,omitempty"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// History is the conversation loader response.
type History struct {
	Participants map[string]Profile `json:"participants"`
	Messages     []Message          `json:"messages"`
}

// UnmarshalJSON also accepts "group_members", the name the chat backend
// uses for the participant map.
func (h *History) UnmarshalJSON(data []byte) error {
	var raw struct {
		Participants map[string]Profile `json:"participants"`
		GroupMembers map[string]Profile `json:"group_members"`
		Messages     []Message          `json:"messages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Participants = raw.Participants
	if h.Participants == nil {
		h.Participants = raw.GroupMembers
	}
	h.Messages = raw.Messages
	return nil
}
