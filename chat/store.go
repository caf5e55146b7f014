package chat

import (
	"context"
	"errors"

	"github.com/brightboard/tutorengine/llm"
)

// ErrNotFound is returned when a chat id has no stored chat.
var ErrNotFound = errors.New("chat not found")

// ErrTokenMismatch is returned by Save when the expected token no longer
// matches the stored one (a concurrent writer got there first).
var ErrTokenMismatch = errors.New("chat token mismatch")

// Store persists chats. Save replaces history/token/banned atomically,
// guarded by the token the writer believes is current.
type Store interface {
	Load(ctx context.Context, chatID string) (*Chat, error)
	// RotateToken swaps the concurrency token, but only if the stored
	// token still equals expectedToken. Called at turn admission.
	RotateToken(ctx context.Context, chatID string, expectedToken, newToken string) error
	// Save writes the new history and banned flag, but only if the
	// stored token still equals expectedToken. Called at terminal state.
	Save(ctx context.Context, chatID string, history []llm.Message, expectedToken string, banned bool) error
	// Create registers a new chat.
	Create(ctx context.Context, c *Chat) error
}
