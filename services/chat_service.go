package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/andkhong/Takehome-SWE/db"
	"github.com/andkhong/Takehome-SWE/db/models"
)

// MaxMessageLength is the largest accepted user message, in characters.
const MaxMessageLength = 10000

// ChatService drives the send-message pipeline: validate, persist the
// user/placeholder pair atomically, stream the generated reply, and
// reconcile the placeholder's terminal state.
type ChatService struct {
	store     Store
	generator Generator
	logger    *zap.SugaredLogger
}

func NewChatService(store Store, generator Generator, logger *zap.SugaredLogger) *ChatService {
	return &ChatService{store: store, generator: generator, logger: logger}
}

// SendMessage validates and persists the exchange before any streaming
// begins. A nil channel with an error means nothing was streamed and the
// caller should answer with a plain HTTP status; a live channel delivers
// chunk events followed by exactly one done or error event.
func (s *ChatService) SendMessage(ctx context.Context, conversationID, text string) (<-chan StreamEvent, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("message content is empty: %w", ErrValidation)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", MaxMessageLength, ErrValidation)
	}

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%v: %w", err, ErrNotFound)
		}
		return nil, fmt.Errorf("%v: %w", err, ErrStorage)
	}

	exchange, err := s.store.CreateExchange(ctx, conversationID, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrStorage)
	}

	history, err := s.assembleHistory(ctx, conversationID, exchange)
	if err != nil {
		// the exchange is already committed; the placeholder stays at
		// `sending` for the out-of-band sweep
		s.logger.Errorw("history readback failed after setup",
			"conversation_id", conversationID,
			"message_id", exchange.Placeholder.ID,
			"error", err,
		)
		return nil, fmt.Errorf("%v: %w", err, ErrStorage)
	}

	out := make(chan StreamEvent)
	go s.streamReply(ctx, exchange, history, trimmed, out)

	return out, nil
}

// assembleHistory reads back the conversation's messages in creation
// order and drops the two rows this send just created; the new user text
// travels separately as the prompt's final message.
func (s *ChatService) assembleHistory(ctx context.Context, conversationID string, exchange *models.Exchange) ([]Turn, error) {
	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	history := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == exchange.UserMessage.ID || msg.ID == exchange.Placeholder.ID {
			continue
		}
		history = append(history, Turn{Role: msg.Role, Content: msg.Content})
	}

	return history, nil
}

func (s *ChatService) streamReply(ctx context.Context, exchange *models.Exchange, history []Turn, userText string, out chan<- StreamEvent) {
	defer close(out)

	placeholder := exchange.Placeholder
	events := s.generator.Stream(ctx, history, userText)

	for event := range events {
		switch event.Type {
		case StreamEventChunk:
			if !s.forward(ctx, out, event) {
				return
			}

		case StreamEventDone:
			s.finalize(ctx, placeholder.ID, models.StatusSent, event.Content, "")
			s.forward(ctx, out, StreamEvent{
				Type:      StreamEventDone,
				MessageID: placeholder.ID,
				Content:   event.Content,
			})
			return

		case StreamEventError:
			s.finalize(ctx, placeholder.ID, models.StatusFailed, event.Content, storedGenerationError(event.Err))
			s.forward(ctx, out, StreamEvent{
				Type:         StreamEventError,
				ErrorMessage: event.ErrorMessage,
			})
			return
		}
	}

	// The generator channel closed without a terminal event: the send
	// was cancelled. The placeholder stays at `sending`; partial output
	// is not persisted on disconnect.
	s.logger.Infow("send cancelled before completion",
		"conversation_id", placeholder.ConversationID,
		"message_id", placeholder.ID,
	)
}

// finalize writes the placeholder's terminal state. A failure here is
// logged and swallowed so the terminal stream event still reaches the
// client; the row is left at `sending` for an out-of-band sweep. The
// write runs on a detached context because a client disconnect racing
// the terminal callback must not undo or skip the finalization.
func (s *ChatService) finalize(ctx context.Context, messageID string, status models.Status, content, errorMessage string) {
	if err := s.store.FinalizeMessage(context.WithoutCancel(ctx), messageID, status, content, errorMessage); err != nil {
		s.logger.Errorw("finalize assistant message failed",
			"message_id", messageID,
			"intended_status", status,
			"error", err,
		)
	}
}

func (s *ChatService) forward(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
