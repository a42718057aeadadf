package services

import (
	"context"

	"github.com/andkhong/Takehome-SWE/db/models"
)

// StreamEventType names the three wire events of a reply stream.
type StreamEventType string

const (
	StreamEventChunk StreamEventType = "chunk"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one tagged event of a reply stream. Chunk events carry
// the fragment in Content; the done event carries the assistant message
// id and the full accumulated text; the error event carries a
// user-facing message in ErrorMessage and keeps the underlying cause in
// Err for storage, never for the client.
type StreamEvent struct {
	Type         StreamEventType
	Content      string
	MessageID    string
	ErrorMessage string
	Err          error
}

// Turn is one prior role+content pair handed to the generator.
type Turn struct {
	Role    models.Role
	Content string
}

// Generator produces a live sequence of chunk events followed by exactly
// one done or error event, then closes the channel. Cancelling ctx stops
// the sequence without a terminal event.
type Generator interface {
	Stream(ctx context.Context, history []Turn, userText string) <-chan StreamEvent
}

// ConversationStore and MessageStore are the two table surfaces the
// pipeline needs; *db.Postgres implements both, tests substitute fakes.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
}

type MessageStore interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateExchange(ctx context.Context, conversationID, userText string) (*models.Exchange, error)
	FinalizeMessage(ctx context.Context, id string, status models.Status, content, errorMessage string) error
}

type Store interface {
	ConversationStore
	MessageStore
}
