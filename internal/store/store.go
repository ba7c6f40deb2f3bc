// Package store owns persistence of conversation records.
package store

import (
	"context"
	"errors"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
)

// ErrNotFound is returned when no conversation matches the given id, or when
// the caller does not own it. The two cases are deliberately indistinguishable
// so that ids cannot be enumerated across owners.
var ErrNotFound = errors.New("conversation not found")

// ConversationStore is what the service layer needs from storage.
type ConversationStore interface {
	// Create inserts a new conversation with a store-minted id.
	Create(ctx context.Context, ownerID, title string, initial []model.Message) (*model.Conversation, error)

	// Append atomically pushes messages onto the conversation matching both
	// id and owner. Returns ErrNotFound when nothing matched.
	Append(ctx context.Context, id, ownerID string, msgs []model.Message) (*model.Conversation, error)

	// Messages reads a conversation's history without an owner filter. Used
	// internally to build inference context.
	Messages(ctx context.Context, id string) ([]model.Message, error)

	// Get is the owner-scoped read of a full conversation.
	Get(ctx context.Context, id, ownerID string) (*model.Conversation, error)

	// List returns the owner's conversations, newest first.
	List(ctx context.Context, ownerID string) ([]model.ConversationSummary, error)
}
