package conversation

import (
	"context"
	"errors"
)

// ErrForbidden means the conversation exists but belongs to another user, or
// does not exist at all. Callers must not learn which.
var ErrForbidden = errors.New("conversation not found or not owned by user")

// ErrNotFound marks a missing message.
var ErrNotFound = errors.New("message not found")

// Store owns conversation rows and the message tree.
type Store interface {
	// Create opens a conversation. An empty title gets DefaultTitle.
	Create(ctx context.Context, userID int64, title, modelCode string) (*Conversation, error)

	// EnsureOwner returns the conversation or ErrForbidden. Every
	// orchestrator entry point calls this first.
	EnsureOwner(ctx context.Context, conversationID, userID int64) (*Conversation, error)

	// List returns the user's conversations, most recently updated first.
	List(ctx context.Context, userID int64) ([]Conversation, error)

	// Rename updates the title after an ownership check.
	Rename(ctx context.Context, userID, conversationID int64, title string) error

	// Delete removes the conversation and its message subtree. The caller
	// is responsible for deleting the matching checkpoint thread.
	Delete(ctx context.Context, userID, conversationID int64) error

	// History returns all messages plus the current branch pointer.
	History(ctx context.Context, userID, conversationID int64) (*History, error)

	// PersistMessage inserts the message and atomically advances the
	// conversation's last_message_id, last_message_at and
	// current_message_id to the new row.
	PersistMessage(ctx context.Context, msg *Message) error

	// SiblingMessages enumerates the regeneration branches at the
	// message's position. A message with a nil parent is its own only
	// sibling.
	SiblingMessages(ctx context.Context, messageID int64) (*SiblingSet, error)

	// SetCurrentMessage records the user's branch choice.
	SetCurrentMessage(ctx context.Context, conversationID, messageID int64) error

	// GetMessage loads one message by id, ErrNotFound when absent.
	GetMessage(ctx context.Context, messageID int64) (*Message, error)
}
