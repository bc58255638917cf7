package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned in the provider's REST envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// Identity is a user's stable account reference in the chat system.
type Identity struct {
	ID          string `json:"uid"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// MessageStatus is the local delivery state of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is a single one-to-one chat message.
type Message struct {
	ID               string        `json:"id"`
	ConversationID   string        `json:"conversationId"`
	SenderID         string        `json:"senderId"`
	ReceiverID       string        `json:"receiverId"`
	Body             string        `json:"text"`
	SentAt           time.Time     `json:"sentAt"`
	ReadAt           time.Time     `json:"readAt,omitempty"`
	CorrelationToken string        `json:"muid,omitempty"`
	Status           MessageStatus `json:"status,omitempty"`
	Error            string        `json:"error,omitempty"`

	// Seq is the local receipt sequence. It only breaks ties between
	// messages with the same SentAt.
	Seq uint64 `json:"seq,omitempty"`
}

// IsRead reports whether a read timestamp has been recorded.
func (m *Message) IsRead() bool {
	return !m.ReadAt.IsZero()
}

// Pending reports whether the message still awaits provider confirmation.
func (m *Message) Pending() bool {
	return m.Status == StatusPending
}

// counterpart returns the id of the party that is not self.
func (m *Message) counterpart(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Snapshot is the last-message summary kept on a conversation.
type Snapshot struct {
	MessageID string    `json:"messageId"`
	Body      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
	SenderID  string    `json:"senderId"`
}

// Conversation is the thread between the current identity and one counterpart.
// Its ID is the counterpart's identity id.
type Conversation struct {
	ID          string    `json:"conversationId"`
	DisplayName string    `json:"name"`
	LastMessage *Snapshot `json:"lastMessage,omitempty"`
	UnreadCount int       `json:"unreadCount"`
}

// TypingSignal is the ephemeral typing state of a conversation's counterpart.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt asserts that a message was read by an identity at a time.
type ReadReceipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// OutgoingMessage is what the local side asks the provider to deliver.
type OutgoingMessage struct {
	ReceiverID       string `json:"receiverId"`
	Body             string `json:"text"`
	CorrelationToken string `json:"muid"`
}

// ConversationPage is one cursor page of the provider's conversation listing.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"nextCursor,omitempty"`
	HasMore       bool           `json:"hasMore"`
}
