// Package model defines data structures for the chat core.
package model

import (
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one entry in a conversation's append-only history.
type Message struct {
	Sender Sender    `bson:"sender" json:"sender"`
	Text   string    `bson:"text" json:"text"`
	SentAt time.Time `bson:"sentAt" json:"sentAt"`

	// Error marks the synthetic assistant reply recorded when the inference
	// call failed. Error-flagged messages never feed back into context.
	Error bool `bson:"error,omitempty" json:"error,omitempty"`
}

// Conversation is an owner-scoped, append-only exchange of user/assistant
// messages. Messages is never empty once the record exists: a conversation
// is created together with its first user/assistant pair.
type Conversation struct {
	ID        string    `json:"chatId"`
	OwnerID   string    `json:"-"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSummary is the list projection: id, title and creation time.
type ConversationSummary struct {
	ID        string    `json:"chatId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}
