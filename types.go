package fanlume

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// User references
// ============================================================================

// UserRef is a reference to a platform user. The backend returns user fields
// either as a bare identifier string or as an expanded object, depending on
// whether the document was populated. All equality checks must go through ID.
type UserRef struct {
	ID   string
	Name string
}

// Is reports whether the reference identifies the given user id.
func (u UserRef) Is(id string) bool {
	return u.ID != "" && u.ID == id
}

func (u UserRef) String() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// UnmarshalJSON accepts either "507f..." or {"_id": "507f...", "name": "Ana"}.
func (u *UserRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		u.ID = id
		u.Name = ""
		return nil
	}

	var obj struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("user reference is neither id nor object: %w", err)
	}
	u.ID = obj.MongoID
	if u.ID == "" {
		u.ID = obj.ID
	}
	u.Name = obj.Name
	return nil
}

// MarshalJSON emits the bare identifier; the expanded form is only ever
// produced by the server.
func (u UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.ID)
}

// ChatUser is a platform user as returned by the user listing endpoint.
type ChatUser struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks the lifecycle of a locally known message.
type DeliveryState string

const (
	// DeliveryPending marks a message appended optimistically before the
	// server acknowledged the send.
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed marks a message carrying a server-assigned identity.
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed marks a message whose send was rejected; failed messages
	// are removed from the open log and their text restored to the draft.
	DeliveryFailed DeliveryState = "failed"
)

// Message is a single chat message. Inbound messages always arrive confirmed;
// a DeliveryState other than confirmed only ever exists locally.
type Message struct {
	ID             string  `json:"_id"`
	ConversationID string  `json:"conversationId"`
	Sender         UserRef `json:"sender"`
	Receiver       UserRef `json:"receiver,omitempty"`
	Text           string  `json:"text"`
	CreatedAt      string  `json:"createdAt,omitempty"`

	DeliveryState DeliveryState `json:"-"`
}

// UnmarshalJSON tolerates the field aliases the backend uses interchangeably:
// _id/id, conversationId/conversation, sender/senderId, receiver/receiverId.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		MongoID        string  `json:"_id"`
		ID             string  `json:"id"`
		ConversationID string  `json:"conversationId"`
		Conversation   string  `json:"conversation"`
		Sender         UserRef `json:"sender"`
		SenderID       UserRef `json:"senderId"`
		Receiver       UserRef `json:"receiver"`
		ReceiverID     UserRef `json:"receiverId"`
		Text           string  `json:"text"`
		CreatedAt      string  `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.MongoID
	if m.ID == "" {
		m.ID = raw.ID
	}
	m.ConversationID = raw.ConversationID
	if m.ConversationID == "" {
		m.ConversationID = raw.Conversation
	}
	m.Sender = raw.Sender
	if m.Sender.ID == "" {
		m.Sender = raw.SenderID
	}
	m.Receiver = raw.Receiver
	if m.Receiver.ID == "" {
		m.Receiver = raw.ReceiverID
	}
	m.Text = raw.Text
	m.CreatedAt = raw.CreatedAt
	m.DeliveryState = DeliveryConfirmed
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a two-party messaging thread. Participants are fixed at
// creation; only LastMessage mutates afterwards.
type Conversation struct {
	ID           string    `json:"_id"`
	Participants []UserRef `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
}

// UnmarshalJSON tolerates the _id/id alias.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw struct {
		MongoID      string    `json:"_id"`
		ID           string    `json:"id"`
		Participants []UserRef `json:"participants"`
		LastMessage  *Message  `json:"lastMessage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.MongoID
	if c.ID == "" {
		c.ID = raw.ID
	}
	c.Participants = raw.Participants
	c.LastMessage = raw.LastMessage
	return nil
}

// OtherParticipant resolves the counterpart of selfID in a two-party
// conversation. ok is false when no other participant can be resolved.
func (c *Conversation) OtherParticipant(selfID string) (UserRef, bool) {
	for _, p := range c.Participants {
		if p.ID != "" && p.ID != selfID {
			return p, true
		}
	}
	return UserRef{}, false
}

// ============================================================================
// REST request / response shapes
// ============================================================================

// SendMessageRequest is the body of POST /chat/message.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text"`
}

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Error         *APIError      `json:"error,omitempty"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
	Error    *APIError `json:"error,omitempty"`
}

type messageResponse struct {
	Message *Message  `json:"message"`
	Error   *APIError `json:"error,omitempty"`
}

type conversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Error        *APIError     `json:"error,omitempty"`
}

type usersResponse struct {
	Users []ChatUser `json:"users"`
	Error *APIError  `json:"error,omitempty"`
}
