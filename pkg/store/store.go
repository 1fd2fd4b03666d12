// Package store defines the conversation/message model and the persistence
// contract the live bridge consumes. Implementations live in subpackages;
// the bridge performs read-then-write sequences and relies on the store for
// atomic sequence assignment.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type ConversationType string

const (
	ConversationRest   ConversationType = "rest"
	ConversationLive   ConversationType = "live"
	ConversationHybrid ConversationType = "hybrid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

type MessageType string

const (
	MessageRest MessageType = "rest"
	MessageLive MessageType = "live"
)

// SessionState is the live-session linkage embedded in a conversation.
type SessionState struct {
	LiveSessionID    string
	IsLiveActive     bool
	ConnectionCount  int
	LastActivity     time.Time
	LastResumeHandle string
}

type ConversationStats struct {
	TotalMessages       int
	MessageSequence     int
	TotalTokens         int
	LiveAPIInteractions int
}

type Conversation struct {
	ID        string
	Title     string
	Type      ConversationType
	Session   SessionState
	Stats     ConversationStats
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attachment is a file part carried by a message, replayed into live
// context as fileData (URI) or inlineData (payload).
type Attachment struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri,omitempty"`
	Data     string `json:"data,omitempty"`
}

// LiveContent holds the live-mode payload of a message.
type LiveContent struct {
	InputTranscription  string `json:"inputTranscription,omitempty"`
	OutputTranscription string `json:"outputTranscription,omitempty"`
	AudioData           string `json:"audioData,omitempty"`
}

// Message is immutable once persisted. MessageSequence is assigned by the
// conversation's counter, strictly increasing, never reused.
type Message struct {
	ID              string
	ConversationID  string
	MessageSequence int
	Role            Role
	MessageType     MessageType
	Text            string
	Attachments     []Attachment
	LiveContent     *LiveContent
	LiveSessionID   string
	CreatedAt       time.Time
}

// MessageFilter narrows FindMessages. Zero values are ignored. Limit bounds
// the newest messages by sequence; callers receive them oldest-first.
type MessageFilter struct {
	ConversationID string
	Role           Role
	ExcludeSession string
	Limit          int
}

type Store interface {
	FindConversation(ctx context.Context, id string) (*Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation) error

	// GetNextSequence atomically increments and returns the conversation's
	// message sequence counter.
	GetNextSequence(ctx context.Context, conversationID string) (int, error)

	SaveMessage(ctx context.Context, msg *Message) error
	FindMessages(ctx context.Context, filter MessageFilter) ([]Message, error)

	// FindStaleLiveSessions returns conversations still marked live-active
	// whose session activity predates the cutoff.
	FindStaleLiveSessions(ctx context.Context, cutoff time.Time) ([]*Conversation, error)
}
